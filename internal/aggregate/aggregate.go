package aggregate

import (
	"sync"
	"time"

	"llmdx/pkg/contract"
)

// Aggregator 汇总每个标签的抽取结局。
// 约束：
// - 一把锁保护结果、统计、错误列表与 sector 计数；
// - 标签按 Plan 顺序输出（首次出现顺序），与完成顺序无关；
// - 同一 sector 的多个子节事实合并时，已存在的键优先（候选按置信度降序到达）。
type Aggregator struct {
	mu      sync.Mutex
	runID   string
	doc     contract.DocID
	now     func() time.Time
	started time.Time

	order   []string
	byLabel map[string]*entry
	stats   contract.Stats
	errs    []contract.ErrorEntry
	tally   map[string]int
	tmeta   *contract.TransformMeta
}

type entry struct {
	res   contract.AggregatedResult
	begun bool
}

// New 构造聚合器；now 为空则使用 time.Now。
func New(runID string, doc contract.DocID, now func() time.Time) *Aggregator {
	if now == nil {
		now = time.Now
	}
	return &Aggregator{
		runID:   runID,
		doc:     doc,
		now:     now,
		started: now(),
		byLabel: make(map[string]*entry),
		stats:   contract.Stats{FailuresByKind: make(map[contract.Kind]int)},
		tally:   make(map[string]int),
	}
}

// Plan 登记一个标签（重复登记忽略）。
func (a *Aggregator) Plan(label string, anchorFrom, anchorTo int64, truncated bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.byLabel[label]; ok {
		return
	}
	a.order = append(a.order, label)
	a.byLabel[label] = &entry{res: contract.AggregatedResult{
		Label:            label,
		AnchorFrom:       anchorFrom,
		AnchorTo:         anchorTo,
		Truncated:        truncated,
		PerTemplateFacts: map[string]contract.Facts{},
		Errors:           []contract.ErrorEntry{},
	}}
}

// Begin 标记标签已开始处理。
func (a *Aggregator) Begin(label string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if e := a.get(label); e != nil {
		e.begun = true
	}
}

// Finish 标记标签处理完毕；candidates==0 计为未匹配。
func (a *Aggregator) Finish(label string, candidates int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stats.LabelsProcessed++
	if candidates == 0 {
		a.stats.LabelsUnmatched++
	}
}

// Add 记录一个候选结局。
func (a *Aggregator) Add(o contract.Outcome) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e := a.get(o.Label)
	if e == nil {
		return
	}
	e.begun = true
	a.stats.CandidatesAttempted++
	e.res.Outcomes = append(e.res.Outcomes, cloneOutcome(o))
	if o.OK() {
		dst := e.res.PerTemplateFacts[o.Sector]
		if dst == nil {
			dst = contract.Facts{}
			e.res.PerTemplateFacts[o.Sector] = dst
		}
		for k, v := range o.Facts {
			if _, exists := dst[k]; !exists {
				dst[k] = v
			}
		}
		a.stats.Successes++
		a.tally[o.Sector]++
		return
	}
	ee := contract.ErrorEntry{Label: o.Label, Sector: o.Sector, Subsection: o.Subsection, Kind: o.Err.Kind, Message: o.Err.Message}
	e.res.Errors = append(e.res.Errors, ee)
	a.errs = append(a.errs, ee)
	a.stats.FailuresByKind[o.Err.Kind]++
}

// Count 返回本次运行中 sector 的成功次数（用于同分裁决）。
func (a *Aggregator) Count(sector string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.tally[sector]
}

// SetTransform 附加变换元数据。
func (a *Aggregator) SetTransform(m contract.TransformMeta) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tmeta = &m
}

// Report 生成最终报告（全部为副本）。cancelled=true 时省略从未开始的标签。
func (a *Aggregator) Report(cancelled bool) *contract.Report {
	a.mu.Lock()
	defer a.mu.Unlock()
	r := &contract.Report{
		RunID:      a.runID,
		DocID:      a.doc,
		StartedAt:  a.started,
		FinishedAt: a.now(),
		Results:    make([]contract.AggregatedResult, 0, len(a.order)),
		Stats:      a.stats,
		Errors:     append([]contract.ErrorEntry{}, a.errs...),
		Cancelled:  cancelled,
	}
	r.Stats.FailuresByKind = make(map[contract.Kind]int, len(a.stats.FailuresByKind))
	for k, v := range a.stats.FailuresByKind {
		r.Stats.FailuresByKind[k] = v
	}
	for _, l := range a.order {
		e := a.byLabel[l]
		if cancelled && !e.begun {
			continue
		}
		r.Results = append(r.Results, cloneResult(e.res))
	}
	if a.tmeta != nil {
		m := *a.tmeta
		r.Transform = &m
	}
	return r
}

func (a *Aggregator) get(label string) *entry { return a.byLabel[label] }

func cloneFacts(f contract.Facts) contract.Facts {
	if f == nil {
		return nil
	}
	out := make(contract.Facts, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

func cloneOutcome(o contract.Outcome) contract.Outcome {
	o.Facts = cloneFacts(o.Facts)
	if o.Err != nil {
		e := *o.Err
		o.Err = &e
	}
	return o
}

func cloneResult(r contract.AggregatedResult) contract.AggregatedResult {
	out := r
	out.PerTemplateFacts = make(map[string]contract.Facts, len(r.PerTemplateFacts))
	for k, v := range r.PerTemplateFacts {
		out.PerTemplateFacts[k] = cloneFacts(v)
	}
	out.Outcomes = nil
	for _, o := range r.Outcomes {
		out.Outcomes = append(out.Outcomes, cloneOutcome(o))
	}
	out.Errors = append([]contract.ErrorEntry{}, r.Errors...)
	return out
}
