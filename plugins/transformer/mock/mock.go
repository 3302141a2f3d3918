// Package mock 提供可控的调试变换器：加前缀、模拟失败或篡改锚点。
package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"llmdx/pkg/contract"
)

// Options: 调试配置。
type Options struct {
	Prefix string `json:"prefix"` // 默认 "EN"
	// Fail: ""|"rate_limited"|"unavailable"，非空时每次调用都失败。
	Fail string `json:"fail,omitempty"`
	// MangleAnchor: 批量结果中首条记录 anchor+1（用于验证锚点断言）。
	MangleAnchor bool `json:"mangle_anchor,omitempty"`
}

// Transformer 实现 Transformer 与 BatchTransformer。
// 已带前缀的文本原样返回，保证重复执行幂等。
type Transformer struct {
	prefix string
	fail   string
	mangle bool
}

func New(raw json.RawMessage) (contract.Transformer, error) {
	var o Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &o); err != nil {
			return nil, fmt.Errorf("mock transformer options: %w", err)
		}
	}
	if o.Prefix == "" {
		o.Prefix = "EN"
	}
	switch o.Fail {
	case "", "rate_limited", "unavailable":
	default:
		return nil, fmt.Errorf("mock transformer: %w: unknown fail %q", contract.ErrInvalidInput, o.Fail)
	}
	return &Transformer{prefix: o.Prefix, fail: o.Fail, mangle: o.MangleAnchor}, nil
}

func (t *Transformer) err() error {
	switch t.fail {
	case "rate_limited":
		return contract.ErrRateLimited
	case "unavailable":
		return contract.ErrServiceUnavailable
	}
	return nil
}

func (t *Transformer) apply(s string) string {
	if strings.HasPrefix(s, t.prefix+": ") {
		return s
	}
	return t.prefix + ": " + s
}

func (t *Transformer) Transform(ctx context.Context, text string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := t.err(); err != nil {
		return "", err
	}
	return t.apply(text), nil
}

func (t *Transformer) TransformBatch(ctx context.Context, recs []contract.SegmentRecord) ([]contract.SegmentRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := t.err(); err != nil {
		return nil, err
	}
	out := make([]contract.SegmentRecord, len(recs))
	for i, r := range recs {
		out[i] = r.Clone()
		out[i].Text = t.apply(r.Text)
	}
	if t.mangle && len(out) > 0 {
		out[0].Anchor++
	}
	return out, nil
}

var _ contract.BatchTransformer = (*Transformer)(nil)
