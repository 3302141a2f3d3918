package dispatch

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"llmdx/internal/aggregate"
	"llmdx/internal/archetype"
	"llmdx/internal/diag"
	"llmdx/internal/invoke"
	"llmdx/internal/prompt"
	"llmdx/internal/rate"
	"llmdx/pkg/contract"
)

// Settings 为调度参数。
type Settings struct {
	TopK          int
	MinConfidence float64
	MaxChars      int // 每组拼接文本上限（rune），<=0 不限
	Concurrency   int // <=1 顺序执行
	Key           rate.LimitKey
	BytesPerToken int // <=0 取 4
	// PromptBuilder 仅用于估算 TPM 申请量，可为空。
	PromptBuilder contract.PromptBuilder
}

// Dispatcher 将每个标签组匹配到目录候选，并逐个候选调用抽取服务。
type Dispatcher struct {
	ix  *archetype.Index
	ext contract.Extractor
	inv *invoke.Invoker
	set Settings
	log *diag.Logger
}

// New 构造调度器。
func New(ix *archetype.Index, ext contract.Extractor, inv *invoke.Invoker, set Settings, logger *diag.Logger) *Dispatcher {
	return &Dispatcher{ix: ix, ext: ext, inv: inv, set: set, log: logger}
}

// Run 以新的 run id 处理 store 并返回报告。
func (d *Dispatcher) Run(ctx context.Context, store *contract.Store) (*contract.Report, error) {
	agg := aggregate.New(uuid.NewString(), store.DocID(), nil)
	return d.RunWith(ctx, store, agg)
}

// RunWith 使用给定聚合器处理 store。
// 约束：
// - 结果按标签首次出现顺序输出，与完成顺序无关；
// - 同一标签内候选按置信度降序顺序执行；
// - 取消只在标签边界生效：不再开始新标签，已开始的标签在 WithoutCancel 下完成；
// - 总是返回报告；被取消时 Cancelled=true 且同时返回 ctx.Err()。
func (d *Dispatcher) RunWith(ctx context.Context, store *contract.Store, agg *aggregate.Aggregator) (*contract.Report, error) {
	groups := GroupRecords(store, d.set.MaxChars)
	for _, g := range groups {
		agg.Plan(g.Label, g.AnchorFrom, g.AnchorTo, g.Truncated)
	}
	doc := string(store.DocID())
	timer := d.log.StartWithKV("dispatch", "run", doc, "", map[string]string{
		"labels": strconv.Itoa(len(groups)), "concurrency": strconv.Itoa(d.set.Concurrency),
	})

	var done, errs atomic.Int64
	progress := func(failed int) {
		n := done.Add(1)
		e := errs.Add(int64(failed))
		if t := diag.GetTerminal(); t != nil {
			t.LabelProgress(int(n), len(groups), int(e))
		}
	}

	if d.set.Concurrency <= 1 {
		for _, g := range groups {
			if ctx.Err() != nil {
				break
			}
			progress(d.label(context.WithoutCancel(ctx), doc, g, agg))
		}
	} else {
		var eg errgroup.Group
		eg.SetLimit(d.set.Concurrency)
		for _, g := range groups {
			if ctx.Err() != nil {
				break
			}
			eg.Go(func() error {
				// 排队期间可能已取消：未开始的标签不再开始
				if ctx.Err() != nil {
					return nil
				}
				progress(d.label(context.WithoutCancel(ctx), doc, g, agg))
				return nil
			})
		}
		_ = eg.Wait()
	}

	cancelled := ctx.Err() != nil
	rep := agg.Report(cancelled)
	timer.Finish("run", int64(rep.Stats.LabelsProcessed))
	if cancelled {
		d.log.Warn("dispatch", string(diag.CodeCancel), "run cancelled at label boundary", doc, map[string]string{
			"processed": strconv.Itoa(rep.Stats.LabelsProcessed), "planned": strconv.Itoa(len(groups)),
		})
		return rep, ctx.Err()
	}
	return rep, nil
}

// label 处理一个标签组，返回失败候选数。
func (d *Dispatcher) label(ctx context.Context, doc string, g Group, agg *aggregate.Aggregator) int {
	agg.Begin(g.Label)
	cands := d.ix.Match(g.Label, d.set.TopK, d.set.MinConfidence, agg)
	d.log.DebugStart("archetype", "match", doc, g.Label, map[string]string{"candidates": strconv.Itoa(len(cands))})
	failed := 0
	for _, c := range cands {
		sub, _ := d.ix.Catalog().Subsection(c.Sector, c.Subsection)
		req := contract.ExtractionRequest{
			DocID:      contract.DocID(doc),
			Label:      g.Label,
			Text:       g.Text,
			Sector:     c.Sector,
			Subsection: c.Subsection,
			Fields:     sub.Fields,
			AnchorFrom: g.AnchorFrom,
			AnchorTo:   g.AnchorTo,
		}
		ask := rate.Ask{Key: d.set.Key, Requests: 1, Tokens: prompt.RequestTokens(d.set.PromptBuilder, d.set.BytesPerToken, req)}
		start := time.Now()
		var facts contract.Facts
		tr, err := d.inv.DoAsk(ctx, ask, func(ctx context.Context) error {
			f, err := d.ext.Extract(ctx, req)
			if err == nil {
				facts = f
			}
			return err
		})
		o := contract.Outcome{
			Label:      g.Label,
			Sector:     c.Sector,
			Subsection: c.Subsection,
			Confidence: c.Confidence,
			Attempts:   tr.Attempts,
		}
		if err != nil {
			failed++
			o.Err = &contract.ErrorInfo{Kind: contract.KindOf(err), Message: err.Error()}
			d.log.Fail("extract", c.Sector+"/"+c.Subsection, err, doc, g.Label)
		} else {
			o.Facts = facts
			diag.IncOp("extract", "finish", "success")
			diag.ObserveDuration("extract", "finish", time.Since(start).Milliseconds())
		}
		agg.Add(o)
	}
	agg.Finish(g.Label, len(cands))
	return failed
}
