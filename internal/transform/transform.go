package transform

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"unicode/utf8"

	"llmdx/internal/diag"
	"llmdx/internal/invoke"
	"llmdx/internal/prompt"
	"llmdx/internal/rate"
	"llmdx/pkg/contract"
)

// Options 为变换参数。
type Options struct {
	// Detector 为空时视为所有记录都需要变换。
	Detector    contract.Detector
	Transformer contract.Transformer
	// Invoker 为空时使用默认策略（仅限流重试）。
	Invoker    *invoke.Invoker
	Key        rate.LimitKey
	BatchSize  int // 每批最多记录数，<=0 取 20
	BatchChars int // 每批最多 rune 数，<=0 取 4000
	// BytesPerToken 用于估算每批的 TPM 申请量，<=0 取 4。
	BytesPerToken int
	Target        string
	RunID         string
	Logger        *diag.Logger
}

// Run 对已封闭的 Store 执行锚点保持变换，返回新的 Store 与运行级元数据。
// 约束：
// - 输入 Store 不被修改，输出为全新物化的 Store；
// - 每条输出记录的 id/anchor/label/extra 取自输入，仅替换 text；
// - 接受前逐条断言 id/anchor/label 不变，违例立即中止且不返回 Store；
// - 检测失败的记录原样透传，并使 Translated=false；
// - 变换器失败（限流重试耗尽或其他错误）包装为 ErrTransformUnavailable 中止。
func Run(ctx context.Context, in *contract.Store, opts Options) (*contract.Store, contract.TransformMeta, error) {
	meta := contract.TransformMeta{RunID: opts.RunID, Target: opts.Target}
	if in == nil {
		return nil, meta, fmt.Errorf("transform: %w: nil store", contract.ErrInvalidInput)
	}
	if opts.Transformer == nil {
		return nil, meta, fmt.Errorf("transform: %w: no transformer", contract.ErrInvalidInput)
	}
	if opts.Invoker == nil {
		opts.Invoker = invoke.New(invoke.DefaultPolicy(), nil, invoke.WithLogger(opts.Logger))
	}
	doc := string(in.DocID())
	timer := opts.Logger.StartWithKV("transform", "run", doc, "", map[string]string{"records": strconv.Itoa(in.Len()), "target": opts.Target})

	recs := in.Records()
	out := make([]contract.SegmentRecord, len(recs))
	var pending []int
	for i, r := range recs {
		out[i] = r.Clone()
		if opts.Detector == nil {
			pending = append(pending, i)
			continue
		}
		need, err := opts.Detector.NeedsTransform(r.Text)
		switch {
		case err != nil:
			meta.Passthrough++
			if meta.Error == "" {
				meta.Error = err.Error()
				opts.Logger.Warn("detector", "passthrough", fmt.Sprintf("record %d: %v", r.ID, err), doc, map[string]string{"label": r.Label})
			}
		case !need:
			meta.NoOp++
		default:
			pending = append(pending, i)
		}
	}

	for _, batch := range makeBatches(recs, pending, opts.BatchSize, opts.BatchChars) {
		texts, err := transformBatch(ctx, opts, recs, batch)
		if err != nil {
			diag.IncOp("transform", "error", "error")
			opts.Logger.Fail("transform", "transform batch", err, doc, recs[batch[0]].Label)
			return nil, meta, err
		}
		for j, i := range batch {
			out[i].Text = texts[j]
		}
		meta.Transformed += len(batch)
	}

	b := contract.NewStoreBuilder(in.DocID())
	if err := b.AppendAll(out); err != nil {
		return nil, meta, err
	}
	s, err := b.Close()
	if err != nil {
		return nil, meta, err
	}
	meta.Translated = meta.Transformed > 0 && meta.Passthrough == 0
	meta.Reason = reason(meta)
	timer.Finish("run", int64(meta.Transformed))
	diag.IncOp("transform", "finish", "success")
	return s, meta, nil
}

// transformBatch 变换一批记录并断言锚点，返回与 batch 同序的文本。
func transformBatch(ctx context.Context, opts Options, recs []contract.SegmentRecord, batch []int) ([]string, error) {
	texts := make([]string, len(batch))
	if bt, ok := opts.Transformer.(contract.BatchTransformer); ok {
		input := make([]contract.SegmentRecord, len(batch))
		for j, i := range batch {
			input[j] = recs[i].Clone()
			texts[j] = recs[i].Text
		}
		ask := rate.Ask{Key: opts.Key, Requests: 1, Tokens: batchTokens(opts, texts...)}
		var got []contract.SegmentRecord
		_, err := opts.Invoker.DoAsk(ctx, ask, func(ctx context.Context) error {
			var err error
			got, err = bt.TransformBatch(ctx, input)
			return err
		})
		if err != nil {
			return nil, unavailable(err)
		}
		if len(got) != len(input) {
			return nil, fmt.Errorf("transform: %w: batch returned %d of %d records", contract.ErrAnchorInvariant, len(got), len(input))
		}
		for j, i := range batch {
			if err := contract.CheckAnchor(i, recs[i], got[j]); err != nil {
				return nil, err
			}
			texts[j] = got[j].Text
		}
		return texts, nil
	}
	for j, i := range batch {
		var text string
		ask := rate.Ask{Key: opts.Key, Requests: 1, Tokens: batchTokens(opts, recs[i].Text)}
		_, err := opts.Invoker.DoAsk(ctx, ask, func(ctx context.Context) error {
			var err error
			text, err = opts.Transformer.Transform(ctx, recs[i].Text)
			return err
		})
		if err != nil {
			return nil, unavailable(err)
		}
		texts[j] = text
	}
	return texts, nil
}

// overheader 由能估算固定提示开销的变换器实现。
type overheader interface {
	OverheadTokens(estimate contract.TokenEstimator) int
}

// batchTokens 估算一次变换请求的 TPM 申请量：文本 + 变换器固定开销。
func batchTokens(opts Options, texts ...string) int {
	n := prompt.TextTokens(opts.BytesPerToken, texts...)
	if oh, ok := opts.Transformer.(overheader); ok {
		n += oh.OverheadTokens(prompt.MakeEstimator(opts.BytesPerToken))
	}
	return n
}

// 未翻译原因。
const (
	ReasonEmpty         = "empty document"
	ReasonAlreadyTarget = "already in target form"
	ReasonPassthrough   = "detection failed for some records"
)

func reason(m contract.TransformMeta) string {
	switch {
	case m.Translated:
		return ""
	case m.Passthrough > 0:
		return ReasonPassthrough
	case m.Transformed == 0 && m.NoOp > 0:
		return ReasonAlreadyTarget
	case m.Transformed == 0:
		return ReasonEmpty
	}
	return ""
}

// unavailable 将变换器失败归为 ErrTransformUnavailable（锚点违例原样返回）。
func unavailable(err error) error {
	if errors.Is(err, contract.ErrAnchorInvariant) || errors.Is(err, contract.ErrTransformUnavailable) {
		return err
	}
	return fmt.Errorf("transform: %w: %w", contract.ErrTransformUnavailable, err)
}

// makeBatches 将待变换下标按记录数与 rune 数切批；单条超限时独占一批。
func makeBatches(recs []contract.SegmentRecord, idx []int, size, chars int) [][]int {
	if size <= 0 {
		size = 20
	}
	if chars <= 0 {
		chars = 4000
	}
	var out [][]int
	var cur []int
	n := 0
	for _, i := range idx {
		c := utf8.RuneCountInString(recs[i].Text)
		if len(cur) > 0 && (len(cur) >= size || n+c > chars) {
			out = append(out, cur)
			cur, n = nil, 0
		}
		cur = append(cur, i)
		n += c
	}
	if len(cur) > 0 {
		out = append(out, cur)
	}
	return out
}
