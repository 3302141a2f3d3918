package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/google/uuid"

	"llmdx/internal/aggregate"
	"llmdx/internal/archetype"
	"llmdx/internal/diag"
	"llmdx/internal/dispatch"
	"llmdx/internal/invoke"
	"llmdx/internal/rate"
	"llmdx/internal/transform"
	"llmdx/pkg/contract"
)

// - 逐文档顺序处理：Reader → Splitter → Store →（可选）Transform → Dispatch → Sinks。
// - 并发仅存在于 Dispatch 的标签池，且共享同一 rate.Budget。
// - 锚点违例与变换不可用立即中止当前运行，不写出译文流。
// - 运行完成（含取消）总会产出报告并交给全部 sink。

// Components 聚合运行所需的组件。
type Components struct {
	Reader    contract.Reader
	Splitter  contract.Splitter
	Assembler contract.Assembler
	Writer    contract.Writer
	Extractor contract.Extractor
	// PromptBuilder 仅用于估算 TPM 申请量，可为空。
	PromptBuilder contract.PromptBuilder
	// Transformer 为空时跳过变换阶段。
	Transformer contract.Transformer
	Detector    contract.Detector
	Sinks       []NamedSink
}

// NamedSink: 带名称的报告下游（用于日志）。
type NamedSink struct {
	Name string
	Sink contract.ReportSink
}

// Settings 运行期配置。
type Settings struct {
	Inputs  []string
	Index   *archetype.Index
	Invoker *invoke.Invoker
	Key     rate.LimitKey

	TopK          int
	MinConfidence float64
	MaxChars      int
	Concurrency   int
	BytesPerToken int

	// Target 为变换目标（例如 "en"），出现在译文流文件名中。
	Target     string
	BatchSize  int
	BatchChars int
}

// DocMeta 为 <doc>.meta.json 的内容。
type DocMeta struct {
	RunID     string                  `json:"run_id"`
	DocID     contract.DocID          `json:"doc_id"`
	Records   int                     `json:"records"`
	Streams   []contract.ArtifactID   `json:"streams"`
	Transform *contract.TransformMeta `json:"transform,omitempty"`
	CreatedAt string                  `json:"created_at"`
}

// RecordsArtifact 返回原文记录流工件名。
func RecordsArtifact(doc contract.DocID) contract.ArtifactID {
	return contract.ArtifactID(doc.BaseName() + ".records.jsonl")
}

// TargetArtifact 返回译文记录流工件名。
func TargetArtifact(doc contract.DocID, target string) contract.ArtifactID {
	return contract.ArtifactID(doc.BaseName() + "." + target + ".records.jsonl")
}

// MetaArtifact 返回元数据工件名。
func MetaArtifact(doc contract.DocID) contract.ArtifactID {
	return contract.ArtifactID(doc.BaseName() + ".meta.json")
}

// Run 执行完整流水线并返回每个文档的报告（按 Reader 顺序）。
// 约束：
// - 取消时返回已产出的报告与 ctx.Err()；
// - sink 失败不影响后续文档，汇总后返回。
func Run(ctx context.Context, comp Components, set Settings, logger *diag.Logger) ([]*contract.Report, error) {
	if err := sanity(comp, set); err != nil {
		return nil, fmt.Errorf("sanity: %w", err)
	}
	var (
		reports  []*contract.Report
		sinkErrs []error
	)
	rtimer := logger.Start("reader", "iterate")
	err := comp.Reader.Iterate(ctx, set.Inputs, func(doc contract.DocID, rc io.ReadCloser) error {
		defer rc.Close()
		out, err := runDoc(ctx, comp, set, logger, doc, rc)
		if out.report != nil {
			reports = append(reports, out.report)
		}
		if out.sinkErr != nil {
			sinkErrs = append(sinkErrs, out.sinkErr)
		}
		return err
	})
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			logger.Fail("reader", "iterate failed", err, "", "")
		}
		return reports, err
	}
	rtimer.Finish("iterate", int64(len(reports)))
	diag.IncOp("reader", "finish", "success")
	if len(sinkErrs) > 0 {
		return reports, errors.Join(sinkErrs...)
	}
	return reports, nil
}

type docOutcome struct {
	report  *contract.Report
	sinkErr error
}

// runDoc 处理单个文档；致命错误（切分、写出、变换、取消）经 error 返回，sink 错误经 docOutcome 汇总。
func runDoc(ctx context.Context, comp Components, set Settings, logger *diag.Logger, doc contract.DocID, r io.Reader) (docOutcome, error) {
	docStart := time.Now()
	ok := false
	term := diag.GetTerminal()
	started := false
	defer func() {
		if term != nil && started {
			term.DocFinish(ok, time.Since(docStart))
		}
	}()

	// 阶段一：切分 → Store
	stimer := logger.StartWith("splitter", "split", string(doc), "")
	recs, err := comp.Splitter.Split(ctx, doc, r)
	if err != nil {
		logger.Fail("splitter", "split failed", err, string(doc), "")
		return docOutcome{}, fmt.Errorf("splitter split %s: %w", doc, err)
	}
	stimer.Finish("split", int64(len(recs)))
	diag.IncOp("splitter", "finish", "success")

	b := contract.NewStoreBuilder(doc)
	if err := b.AppendAll(recs); err != nil {
		logger.Fail("store", "append failed", err, string(doc), "")
		return docOutcome{}, err
	}
	store, err := b.Close()
	if err != nil {
		return docOutcome{}, err
	}

	runID := uuid.NewString()
	meta := DocMeta{RunID: runID, DocID: doc, Records: store.Len(), CreatedAt: diag.NowUTC()}
	if err := writeStream(ctx, comp, logger, RecordsArtifact(doc), store); err != nil {
		return docOutcome{}, err
	}
	meta.Streams = append(meta.Streams, RecordsArtifact(doc))

	// 阶段二：可选变换；抽取使用变换后的 Store
	work := store
	if comp.Transformer != nil {
		out, tm, err := transform.Run(ctx, store, transform.Options{
			Detector:      comp.Detector,
			Transformer:   comp.Transformer,
			Invoker:       set.Invoker,
			Key:           set.Key,
			BatchSize:     set.BatchSize,
			BatchChars:    set.BatchChars,
			BytesPerToken: set.BytesPerToken,
			Target:        set.Target,
			RunID:         runID,
			Logger:        logger,
		})
		if err != nil {
			return docOutcome{}, fmt.Errorf("transform %s: %w", doc, err)
		}
		if err := writeStream(ctx, comp, logger, TargetArtifact(doc, set.Target), out); err != nil {
			return docOutcome{}, err
		}
		meta.Streams = append(meta.Streams, TargetArtifact(doc, set.Target))
		meta.Transform = &tm
		work = out
	}
	if err := writeJSON(ctx, comp.Writer, logger, MetaArtifact(doc), meta); err != nil {
		return docOutcome{}, err
	}

	// 阶段三：调度抽取
	if term != nil {
		term.DocStart(string(doc), len(dispatch.GroupRecords(work, set.MaxChars)))
		started = true
	}
	d := dispatch.New(set.Index, comp.Extractor, set.Invoker, dispatch.Settings{
		TopK:          set.TopK,
		MinConfidence: set.MinConfidence,
		MaxChars:      set.MaxChars,
		Concurrency:   set.Concurrency,
		Key:           set.Key,
		BytesPerToken: set.BytesPerToken,
		PromptBuilder: comp.PromptBuilder,
	}, logger)
	agg := aggregate.New(runID, doc, nil)
	if meta.Transform != nil {
		agg.SetTransform(*meta.Transform)
	}
	rep, derr := d.RunWith(ctx, work, agg)

	// 阶段四：报告下游；取消后仍需落盘
	sctx := context.WithoutCancel(ctx)
	var serrs []error
	for _, s := range comp.Sinks {
		t := logger.StartWithKV("sink", "save", string(doc), "", map[string]string{"sink": s.Name})
		if err := s.Sink.Save(sctx, rep); err != nil {
			logger.Fail("sink", "save "+s.Name+" failed", err, string(doc), "")
			serrs = append(serrs, fmt.Errorf("sink %s: %w", s.Name, err))
			continue
		}
		t.Finish("save", int64(len(rep.Results)))
		diag.IncOp("sink", "finish", "success")
	}
	logger.InfoFinish("pipeline", "doc "+string(doc)+" labels="+strconv.Itoa(rep.Stats.LabelsProcessed), docStart, int64(rep.Stats.Successes))
	ok = derr == nil && len(serrs) == 0 && len(rep.Errors) == 0
	return docOutcome{report: rep, sinkErr: errors.Join(serrs...)}, derr
}

// writeStream 经 Assembler 序列化 Store 并写出。
func writeStream(ctx context.Context, comp Components, logger *diag.Logger, id contract.ArtifactID, s *contract.Store) error {
	doc := string(s.DocID())
	atimer := logger.StartWith("assembler", "assemble", doc, "")
	rd, err := comp.Assembler.Assemble(ctx, s.DocID(), s.Records())
	if err != nil {
		logger.Fail("assembler", "assemble failed", err, doc, "")
		return fmt.Errorf("assembler assemble: %w", err)
	}
	atimer.Finish("assemble", int64(s.Len()))
	diag.IncOp("assembler", "finish", "success")

	wtimer := logger.StartWithKV("writer", "write", doc, "", map[string]string{"artifact": string(id)})
	if err := comp.Writer.Write(ctx, id, rd); err != nil {
		logger.Fail("writer", "write failed", err, doc, "")
		return fmt.Errorf("writer write %s: %w", id, err)
	}
	wtimer.Finish("write", int64(s.Len()))
	diag.IncOp("writer", "finish", "success")
	return nil
}

func writeJSON(ctx context.Context, w contract.Writer, logger *diag.Logger, id contract.ArtifactID, v any) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode %s: %w", id, err)
	}
	if err := w.Write(ctx, id, &buf); err != nil {
		logger.Fail("writer", "write failed", err, string(id), "")
		return fmt.Errorf("writer write %s: %w", id, err)
	}
	diag.IncOp("writer", "finish", "success")
	return nil
}

func sanity(c Components, s Settings) error {
	if c.Reader == nil || c.Splitter == nil || c.Assembler == nil || c.Writer == nil || c.Extractor == nil {
		return errors.New("pipeline: missing components")
	}
	if s.Index == nil || s.Invoker == nil {
		return errors.New("pipeline: missing index or invoker")
	}
	if c.Transformer != nil && s.Target == "" {
		return errors.New("pipeline: transform target required")
	}
	if len(s.Inputs) == 0 {
		return errors.New("pipeline: empty inputs")
	}
	return nil
}
