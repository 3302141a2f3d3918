package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"llmdx/internal/archetype"
	"llmdx/internal/extract"
	"llmdx/internal/invoke"
	"llmdx/internal/transform"
	"llmdx/pkg/contract"
	ajsonl "llmdx/plugins/assembler/jsonl"
	"llmdx/plugins/decoder/factjson"
	mockllm "llmdx/plugins/llmclient/mock"
	pext "llmdx/plugins/prompt/extract"
	sjsonl "llmdx/plugins/splitter/jsonl"
	tmock "llmdx/plugins/transformer/mock"
)

// 通用桩件 ----------------------------------------------------
type stubReader struct{ docs map[contract.DocID]string }

func (s stubReader) Iterate(ctx context.Context, roots []string, yield func(contract.DocID, io.ReadCloser) error) error {
	for _, r := range roots {
		id := contract.DocID(r)
		if err := yield(id, io.NopCloser(strings.NewReader(s.docs[id]))); err != nil {
			return err
		}
	}
	return nil
}

type memWriter struct {
	mu  sync.Mutex
	out map[contract.ArtifactID][]byte
}

func newMemWriter() *memWriter { return &memWriter{out: map[contract.ArtifactID][]byte{}} }

func (w *memWriter) Write(ctx context.Context, id contract.ArtifactID, r io.Reader) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.out[id] = b
	return nil
}

func (w *memWriter) get(id contract.ArtifactID) ([]byte, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	b, ok := w.out[id]
	return b, ok
}

type memSink struct{ saved []*contract.Report }

func (s *memSink) Save(ctx context.Context, r *contract.Report) error {
	s.saved = append(s.saved, r)
	return nil
}

type failSink struct{}

func (failSink) Save(context.Context, *contract.Report) error { return errors.New("disk full") }

const waterDoc = `{"id":1,"anchor":4,"label":"Water Quality","text":"pH 7.2 measured at station W1."}
{"id":2,"anchor":5,"label":"Water Quality","text":"Turbidity below 5 NTU."}
{"id":3,"anchor":9,"label":"Acknowledgements","text":"We thank the survey team."}
`

func fixture(t testing.TB, docs map[contract.DocID]string) (Components, Settings, *memWriter, *memSink) {
	t.Helper()
	cat, err := contract.NewCatalog([]contract.Template{
		{Sector: "water", Subsections: []contract.Subsection{
			{Name: "water_quality_monitoring", Descriptors: []string{"Water Quality"}, Fields: []string{"parameter", "value"}},
		}},
		{Sector: "noise", Subsections: []contract.Subsection{
			{Name: "noise_emissions", Descriptors: []string{"Noise Emissions"}},
		}},
	})
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	pb, err := pext.New(nil)
	if err != nil {
		t.Fatalf("prompt: %v", err)
	}
	llm, err := mockllm.New(json.RawMessage(`{"response_mode":"facts"}`))
	if err != nil {
		t.Fatalf("llm: %v", err)
	}
	dec, err := factjson.New(nil)
	if err != nil {
		t.Fatalf("decoder: %v", err)
	}
	ext, err := extract.New(pb, llm, dec, nil)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	asm, _ := ajsonl.New(nil)
	w := newMemWriter()
	sink := &memSink{}
	roots := make([]string, 0, len(docs))
	for id := range docs {
		roots = append(roots, string(id))
	}
	comp := Components{
		Reader:        stubReader{docs: docs},
		Splitter:      sjsonl.New(nil),
		Assembler:     asm,
		Writer:        w,
		Extractor:     ext,
		PromptBuilder: pb,
		Sinks:         []NamedSink{{Name: "mem", Sink: sink}},
	}
	set := Settings{
		Inputs:        roots,
		Index:         archetype.New(cat, archetype.Options{}),
		Invoker:       invoke.New(invoke.DefaultPolicy(), nil),
		Key:           "mock:test",
		TopK:          3,
		MinConfidence: 0.5,
		Concurrency:   1,
		Target:        "en",
	}
	return comp, set, w, sink
}

// UT-PIPE-01: 端到端抽取（Water Quality 场景）
func TestRunExtractsFacts(t *testing.T) {
	comp, set, w, sink := fixture(t, map[contract.DocID]string{"esia.jsonl": waterDoc})
	reps, err := Run(context.Background(), comp, set, nil)
	if err != nil {
		t.Fatalf("Run 失败: %v", err)
	}
	if len(reps) != 1 || len(sink.saved) != 1 || sink.saved[0] != reps[0] {
		t.Fatalf("报告数量错误: reps=%d saved=%d", len(reps), len(sink.saved))
	}
	rep := reps[0]
	res, ok := rep.Result("Water Quality")
	if !ok {
		t.Fatalf("缺少 Water Quality 结果")
	}
	facts := res.PerTemplateFacts["water"]
	if facts["parameter"] != "MOCK:parameter" || facts["value"] != "MOCK:value" {
		t.Fatalf("facts 错误: %+v", facts)
	}
	if len(res.Errors) != 0 || res.AnchorFrom != 4 || res.AnchorTo != 5 {
		t.Fatalf("结果字段错误: %+v", res)
	}
	ack, ok := rep.Result("Acknowledgements")
	if !ok || len(ack.PerTemplateFacts) != 0 || len(ack.Errors) != 0 {
		t.Fatalf("未匹配标签应为空结果: %+v", ack)
	}
	if rep.Stats.LabelsUnmatched != 1 || rep.Stats.Successes != 1 || rep.Transform != nil {
		t.Fatalf("统计错误: %+v", rep.Stats)
	}
	stream, ok := w.get("esia.records.jsonl")
	if !ok {
		t.Fatalf("未写出原文记录流")
	}
	if err := transform.VerifyStreams(bytes.NewReader(stream), strings.NewReader(waterDoc)); err != nil {
		t.Fatalf("原文流锚点应与输入一致: %v", err)
	}
	var meta DocMeta
	b, _ := w.get("esia.meta.json")
	if err := json.Unmarshal(b, &meta); err != nil || meta.RunID != rep.RunID || meta.Records != 3 {
		t.Fatalf("meta 错误: %v %+v", err, meta)
	}
}

// UT-PIPE-02: 变换后写出两条锚点一致的记录流
func TestRunWithTransform(t *testing.T) {
	comp, set, w, _ := fixture(t, map[contract.DocID]string{"esia.jsonl": waterDoc})
	tr, err := tmock.New(nil)
	if err != nil {
		t.Fatalf("transformer: %v", err)
	}
	comp.Transformer = tr
	reps, err := Run(context.Background(), comp, set, nil)
	if err != nil {
		t.Fatalf("Run 失败: %v", err)
	}
	orig, ok1 := w.get("esia.records.jsonl")
	tgt, ok2 := w.get("esia.en.records.jsonl")
	if !ok1 || !ok2 {
		t.Fatalf("缺少记录流: %v %v", ok1, ok2)
	}
	if err := transform.VerifyStreams(bytes.NewReader(orig), bytes.NewReader(tgt)); err != nil {
		t.Fatalf("锚点不一致: %v", err)
	}
	recs, _ := transform.DecodeRecords(bytes.NewReader(tgt))
	for _, r := range recs {
		if !strings.HasPrefix(r.Text, "EN: ") {
			t.Fatalf("译文未替换: %+v", r)
		}
	}
	tm := reps[0].Transform
	if tm == nil || !tm.Translated || tm.Transformed != 3 || tm.RunID != reps[0].RunID {
		t.Fatalf("变换元数据错误: %+v", tm)
	}
}

// UT-PIPE-03: 锚点违例中止运行且不写出译文流
func TestRunAnchorViolation(t *testing.T) {
	comp, set, w, sink := fixture(t, map[contract.DocID]string{"esia.jsonl": waterDoc})
	tr, _ := tmock.New(json.RawMessage(`{"mangle_anchor":true}`))
	comp.Transformer = tr
	reps, err := Run(context.Background(), comp, set, nil)
	if !errors.Is(err, contract.ErrAnchorInvariant) {
		t.Fatalf("应返回锚点违例: %v", err)
	}
	if len(reps) != 0 || len(sink.saved) != 0 {
		t.Fatalf("违例后不应产出报告")
	}
	if _, ok := w.get("esia.en.records.jsonl"); ok {
		t.Fatalf("违例后不应写出译文流")
	}
}

// UT-PIPE-04: sink 失败不阻断其他 sink 与后续文档
func TestRunSinkFailure(t *testing.T) {
	comp, set, _, sink := fixture(t, map[contract.DocID]string{"a.jsonl": waterDoc, "b.jsonl": waterDoc})
	comp.Sinks = append([]NamedSink{{Name: "broken", Sink: failSink{}}}, comp.Sinks...)
	reps, err := Run(context.Background(), comp, set, nil)
	if err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("应汇总 sink 错误: %v", err)
	}
	if len(reps) != 2 || len(sink.saved) != 2 {
		t.Fatalf("其他 sink 应继续保存: reps=%d saved=%d", len(reps), len(sink.saved))
	}
}

// UT-PIPE-05: 切分失败直接返回
func TestRunSplitError(t *testing.T) {
	comp, set, _, _ := fixture(t, map[contract.DocID]string{"bad.jsonl": `{"id":1,"anchor":0,"label":"x","text":"y"}`})
	if _, err := Run(context.Background(), comp, set, nil); !errors.Is(err, contract.ErrInvalidInput) {
		t.Fatalf("anchor<=0 应失败: %v", err)
	}
}

func TestSanity(t *testing.T) {
	comp, set, _, _ := fixture(t, map[contract.DocID]string{"a.jsonl": waterDoc})
	bad := comp
	bad.Extractor = nil
	if _, err := Run(context.Background(), bad, set, nil); err == nil {
		t.Fatalf("缺少组件应失败")
	}
	s := set
	s.Inputs = nil
	if _, err := Run(context.Background(), comp, s, nil); err == nil {
		t.Fatalf("空输入应失败")
	}
	tr, _ := tmock.New(nil)
	withTr := comp
	withTr.Transformer = tr
	s = set
	s.Target = ""
	if _, err := Run(context.Background(), withTr, s, nil); err == nil {
		t.Fatalf("缺少 target 应失败")
	}
}

func TestArtifactNames(t *testing.T) {
	if RecordsArtifact("docs/esia.pdf") != "esia.records.jsonl" || TargetArtifact("esia.pdf", "en") != "esia.en.records.jsonl" || MetaArtifact("x/y.jsonl") != "y.meta.json" {
		t.Fatalf("工件名错误")
	}
}
