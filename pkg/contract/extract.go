package contract

import (
	"context"
	"time"
)

// Facts: 抽取结果（字段 → 值）。
type Facts map[string]any

// ExtractionRequest: 一次抽取调用的输入（同一标签的拼接文本 × 一个候选子节）。
type ExtractionRequest struct {
	DocID      DocID
	Label      string
	Text       string
	Sector     string
	Subsection string
	Fields     []string
	AnchorFrom int64
	AnchorTo   int64
}

// Extractor: 抽取服务。同步调用；不可用/过载/限流时返回带类型的错误。
type Extractor interface {
	Extract(ctx context.Context, req ExtractionRequest) (Facts, error)
}

// FactDecoder: 将 Raw 解码为 Facts；无效载荷返回 ErrResponseInvalid。
type FactDecoder interface {
	Decode(ctx context.Context, req ExtractionRequest, raw Raw) (Facts, error)
}

// ErrorInfo: 结构化错误描述。
type ErrorInfo struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
}

// Outcome: 单个 (label, sector, subsection) 的抽取结局；创建后不再修改。
type Outcome struct {
	Label      string     `json:"label"`
	Sector     string     `json:"sector"`
	Subsection string     `json:"subsection"`
	Confidence float64    `json:"confidence"`
	Attempts   int        `json:"attempts"`
	Facts      Facts      `json:"facts,omitempty"`
	Err        *ErrorInfo `json:"error,omitempty"`
}

// OK 表示成功结局。
func (o Outcome) OK() bool { return o.Err == nil }

// ErrorEntry: 运行级错误列表条目。
type ErrorEntry struct {
	Label      string `json:"label"`
	Sector     string `json:"sector"`
	Subsection string `json:"subsection"`
	Kind       Kind   `json:"kind"`
	Message    string `json:"message"`
}

// AggregatedResult: 每个不同标签一份。
type AggregatedResult struct {
	Label            string           `json:"label"`
	AnchorFrom       int64            `json:"anchor_from"`
	AnchorTo         int64            `json:"anchor_to"`
	Truncated        bool             `json:"truncated,omitempty"`
	PerTemplateFacts map[string]Facts `json:"per_template_facts"`
	Outcomes         []Outcome        `json:"outcomes,omitempty"`
	Errors           []ErrorEntry     `json:"errors"`
}

// Stats: 运行统计。
type Stats struct {
	LabelsProcessed     int          `json:"labels_processed"`
	LabelsUnmatched     int          `json:"labels_unmatched"`
	CandidatesAttempted int          `json:"candidates_attempted"`
	Successes           int          `json:"successes"`
	FailuresByKind      map[Kind]int `json:"failures_by_kind"`
}

// TransformMeta: 每次运行的变换元数据（非逐条）。
// Reason 说明 Translated=false 的原因，无错误时亦给出。
type TransformMeta struct {
	RunID       string `json:"run_id,omitempty"`
	Target      string `json:"target,omitempty"`
	Translated  bool   `json:"translated"`
	Error       string `json:"error,omitempty"`
	Reason      string `json:"reason,omitempty"`
	Transformed int    `json:"transformed"`
	NoOp        int    `json:"noop"`
	Passthrough int    `json:"passthrough"`
}

// Report: 最终报告。即使存在失败候选，完成的运行总会产出报告。
type Report struct {
	RunID      string             `json:"run_id"`
	DocID      DocID              `json:"doc_id"`
	StartedAt  time.Time          `json:"started_at"`
	FinishedAt time.Time          `json:"finished_at"`
	Results    []AggregatedResult `json:"results"`
	Stats      Stats              `json:"stats"`
	Errors     []ErrorEntry       `json:"errors"`
	Cancelled  bool               `json:"cancelled,omitempty"`
	Transform  *TransformMeta     `json:"transform,omitempty"`
}

// Result 按标签查找。
func (r *Report) Result(label string) (AggregatedResult, bool) {
	for _, x := range r.Results {
		if x.Label == label {
			return x, true
		}
	}
	return AggregatedResult{}, false
}

// ReportSink: 报告下游（存储/报表）。
type ReportSink interface {
	Save(ctx context.Context, r *Report) error
}
