// Package segjson 解码逐条变换结果：严格 JSON 数组 [{"id":int,"text":string}]。
package segjson

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

// SchemaJSON: 逐条结果的 JSON Schema。
const SchemaJSON = `{"type":"array","items":{"type":"object","additionalProperties":false,"properties":{"id":{"type":"integer"},"text":{"type":"string"}},"required":["id","text"]}}`

// Item 为单条结果。
type Item struct {
	ID   int64  `json:"id"`
	Text string `json:"text"`
}

var (
	once     sync.Once
	compiled *jsonschema.Schema
	compErr  error
)

func schema() (*jsonschema.Schema, error) {
	once.Do(func() {
		c := jsonschema.NewCompiler()
		if err := c.AddResource("segments.json", strings.NewReader(SchemaJSON)); err != nil {
			compErr = err
			return
		}
		compiled, compErr = c.Compile("segments.json")
	})
	return compiled, compErr
}

// Decode 解析并校验 Raw.Text；容忍代码围栏。保持返回顺序，不按 id 重排。
// 空文本视为协议无效。
func Decode(ctx context.Context, raw contract.Raw) ([]Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := raw.Text
	i := strings.IndexByte(s, '[')
	j := strings.LastIndexByte(s, ']')
	if i < 0 || j < i {
		return nil, fmt.Errorf("segjson: no json array: %w", contract.ErrResponseInvalid)
	}
	body := []byte(s[i : j+1])
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("segjson: %v: %w", err, contract.ErrResponseInvalid)
	}
	sc, err := schema()
	if err != nil {
		return nil, fmt.Errorf("segjson: schema: %v: %w", err, contract.ErrInvalidInput)
	}
	if err := sc.Validate(v); err != nil {
		return nil, fmt.Errorf("segjson: %v: %w", err, contract.ErrResponseInvalid)
	}
	var items []Item
	if err := json.Unmarshal(body, &items); err != nil {
		return nil, fmt.Errorf("segjson: %v: %w", err, contract.ErrResponseInvalid)
	}
	for _, it := range items {
		if strings.TrimSpace(it.Text) == "" {
			return nil, fmt.Errorf("segjson: empty text for id %d: %w", it.ID, contract.ErrResponseInvalid)
		}
	}
	return items, nil
}
