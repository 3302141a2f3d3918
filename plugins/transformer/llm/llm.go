// Package llm 以 LLM 客户端实现批量锚点保持翻译。
package llm

import (
	"context"
	"errors"
	"fmt"

	"llmdx/pkg/contract"
	"llmdx/plugins/decoder/segjson"
	"llmdx/plugins/prompt/translate"
)

// DefaultAttempts 为载荷无效时的默认尝试次数（含首次）。
const DefaultAttempts = 3

// Transformer 实现 contract.Transformer 与 contract.BatchTransformer。
// 返回记录按输入 id 对齐，锚点与 id 取自输入。
type Transformer struct {
	pb       *translate.Builder
	llm      contract.LLMClient
	target   string
	attempts int
}

// Option 调整 Transformer。
type Option func(*Transformer)

// WithAttempts 设置载荷无效时的尝试次数（含首次），<1 视为 1。
func WithAttempts(n int) Option {
	return func(t *Transformer) { t.attempts = max(n, 1) }
}

// New 构造翻译变换器；popts 为空时使用内置提示词。
func New(llm contract.LLMClient, target string, popts *translate.Options, opts ...Option) (*Transformer, error) {
	if llm == nil {
		return nil, fmt.Errorf("transformer: %w: llm client required", contract.ErrInvalidInput)
	}
	pb, err := translate.New(popts)
	if err != nil {
		return nil, err
	}
	t := &Transformer{pb: pb, llm: llm, target: target, attempts: DefaultAttempts}
	for _, o := range opts {
		o(t)
	}
	return t, nil
}

// Transform 翻译单段文本。
func (t *Transformer) Transform(ctx context.Context, text string) (string, error) {
	out, err := t.TransformBatch(ctx, []contract.SegmentRecord{{ID: 1, Anchor: 1, Text: text}})
	if err != nil {
		return "", err
	}
	return out[0].Text, nil
}

// TransformBatch 一次翻译多条记录。
// 约束：
// - 客户端错误原样返回（保留限流分类），不在此重试；
// - 载荷无效（解析失败、条数不符、id 缺失/重复/未知）重新请求，最多 attempts 次，仍失败返回 ErrResponseInvalid；
// - 输出按 id 回填到输入位置，不依赖模型返回顺序。
func (t *Transformer) TransformBatch(ctx context.Context, recs []contract.SegmentRecord) ([]contract.SegmentRecord, error) {
	p, err := t.pb.Build(ctx, recs, t.target)
	if err != nil {
		return nil, err
	}
	var last error
	for range t.attempts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		raw, err := t.llm.Invoke(ctx, p)
		if err != nil {
			return nil, err
		}
		out, err := match(ctx, recs, raw)
		if err == nil {
			return out, nil
		}
		if !errors.Is(err, contract.ErrResponseInvalid) {
			return nil, err
		}
		last = err
	}
	return nil, fmt.Errorf("transformer: %d attempts: %w", t.attempts, last)
}

// match 解码输出并按 id 对齐到输入。
func match(ctx context.Context, recs []contract.SegmentRecord, raw contract.Raw) ([]contract.SegmentRecord, error) {
	items, err := segjson.Decode(ctx, raw)
	if err != nil {
		return nil, err
	}
	if len(items) != len(recs) {
		return nil, fmt.Errorf("transformer: got %d segs want %d: %w", len(items), len(recs), contract.ErrResponseInvalid)
	}
	byID := make(map[int64]string, len(items))
	for _, it := range items {
		if _, dup := byID[it.ID]; dup {
			return nil, fmt.Errorf("transformer: duplicate id %d: %w", it.ID, contract.ErrResponseInvalid)
		}
		byID[it.ID] = it.Text
	}
	out := make([]contract.SegmentRecord, len(recs))
	for i, r := range recs {
		text, ok := byID[r.ID]
		if !ok {
			return nil, fmt.Errorf("transformer: missing id %d: %w", r.ID, contract.ErrResponseInvalid)
		}
		out[i] = r.Clone()
		out[i].Text = text
	}
	return out, nil
}

// OverheadTokens 估算每批固定提示开销。
func (t *Transformer) OverheadTokens(estimate contract.TokenEstimator) int {
	return t.pb.EstimateOverheadTokens(estimate, t.target)
}

var (
	_ contract.Transformer      = (*Transformer)(nil)
	_ contract.BatchTransformer = (*Transformer)(nil)
)
