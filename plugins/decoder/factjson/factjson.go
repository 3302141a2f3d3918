// Package factjson 将抽取服务的原始文本解码为 Facts，并按子节字段派生的 JSON Schema 校验。
package factjson

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"llmdx/pkg/contract"
)

// Options: 解码选项。
type Options struct {
	// Validate: 是否按字段 schema 校验，默认 true。
	Validate *bool `json:"validate,omitempty"`
	// KeepNulls: 保留 null 值字段，默认丢弃（表示未找到）。
	KeepNulls bool `json:"keep_nulls,omitempty"`
}

type decoder struct {
	validate  bool
	keepNulls bool
	mu        sync.Mutex
	cache     map[string]*jsonschema.Schema
}

// New 从原样 JSON Options 创建解码器。
func New(raw json.RawMessage) (contract.FactDecoder, error) {
	var o Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &o); err != nil {
			return nil, fmt.Errorf("factjson options: %w", err)
		}
	}
	v := true
	if o.Validate != nil {
		v = *o.Validate
	}
	return &decoder{validate: v, keepNulls: o.KeepNulls, cache: make(map[string]*jsonschema.Schema)}, nil
}

// Schema 返回字段列表对应的对象 schema：每个字段必填，值为标量或 null，不允许额外字段。
// 字段为空时返回任意对象 schema。
func Schema(fields []string) map[string]any {
	if len(fields) == 0 {
		return map[string]any{"type": "object"}
	}
	props := make(map[string]any, len(fields))
	req := make([]string, 0, len(fields))
	for _, f := range fields {
		props[f] = map[string]any{"type": []string{"string", "number", "boolean", "null"}}
		req = append(req, f)
	}
	return map[string]any{
		"type":                 "object",
		"properties":           props,
		"required":             req,
		"additionalProperties": false,
	}
}

// SchemaJSON 为 Schema 的紧凑 JSON 文本。
func SchemaJSON(fields []string) string {
	b, _ := json.Marshal(Schema(fields))
	return string(b)
}

func (d *decoder) compiled(fields []string) (*jsonschema.Schema, error) {
	key := strings.Join(fields, "\x00")
	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := d.cache[key]; ok {
		return s, nil
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("facts.json", strings.NewReader(SchemaJSON(fields))); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	s, err := c.Compile("facts.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	d.cache[key] = s
	return s, nil
}

// Decode 期望 Raw.Text 为 JSON 对象；容忍 ``` 代码围栏与前后说明文字。
func (d *decoder) Decode(ctx context.Context, req contract.ExtractionRequest, raw contract.Raw) (contract.Facts, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	body, ok := objectSpan(raw.Text)
	if !ok {
		return nil, fmt.Errorf("factjson: no json object: %w", contract.ErrResponseInvalid)
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("factjson: %v: %w", err, contract.ErrResponseInvalid)
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("factjson: payload is not an object: %w", contract.ErrResponseInvalid)
	}
	if d.validate {
		s, err := d.compiled(req.Fields)
		if err != nil {
			return nil, fmt.Errorf("factjson: %v: %w", err, contract.ErrInvalidInput)
		}
		if err := s.Validate(obj); err != nil {
			return nil, fmt.Errorf("factjson: schema: %v: %w", err, contract.ErrResponseInvalid)
		}
	}
	out := make(contract.Facts, len(obj))
	for k, val := range obj {
		if val == nil && !d.keepNulls {
			continue
		}
		if n, ok := val.(json.Number); ok {
			if f, err := n.Float64(); err == nil {
				out[k] = f
				continue
			}
		}
		out[k] = val
	}
	return out, nil
}

// objectSpan 截取首个 '{' 到最后一个 '}' 之间的文本。
func objectSpan(s string) ([]byte, bool) {
	i := strings.IndexByte(s, '{')
	j := strings.LastIndexByte(s, '}')
	if i < 0 || j < i {
		return nil, false
	}
	return []byte(s[i : j+1]), true
}

var _ contract.FactDecoder = (*decoder)(nil)
