package catalog

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"llmdx/pkg/contract"
)

//go:embed default.yaml
var defaultYAML []byte

// file 为目录文件的外层结构。
type file struct {
	Templates []contract.Template `json:"templates" yaml:"templates"`
}

// Load 读取目录文件（.json 走严格 JSON，其余按 YAML）并构造只读 Catalog。
func Load(path string) (*contract.Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: read %s: %w", path, err)
	}
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return ParseJSON(data)
	}
	return ParseYAML(data)
}

// ParseYAML 解析 YAML 目录；未知字段报错。
func ParseYAML(data []byte) (*contract.Catalog, error) {
	var f file
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("catalog: %w: empty document", contract.ErrInvalidInput)
		}
		return nil, fmt.Errorf("catalog: %w: %v", contract.ErrInvalidInput, err)
	}
	return build(f)
}

// ParseJSON 解析 JSON 目录；未知字段报错。
func ParseJSON(data []byte) (*contract.Catalog, error) {
	var f file
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("catalog: %w: %v", contract.ErrInvalidInput, err)
	}
	return build(f)
}

// Default 返回内置目录（环境影响评估常见章节）。
func Default() (*contract.Catalog, error) { return ParseYAML(defaultYAML) }

// DefaultYAML 返回内置目录原文（用于 --init-config 生成模板）。
func DefaultYAML() []byte { return append([]byte(nil), defaultYAML...) }

func build(f file) (*contract.Catalog, error) {
	if len(f.Templates) == 0 {
		return nil, fmt.Errorf("catalog: %w: no templates", contract.ErrInvalidInput)
	}
	return contract.NewCatalog(f.Templates)
}
