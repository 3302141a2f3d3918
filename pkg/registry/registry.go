package registry

import (
	"bytes"
	"encoding/json"
	"fmt"

	"llmdx/pkg/contract"
	ajsonl "llmdx/plugins/assembler/jsonl"
	"llmdx/plugins/decoder/factjson"
	"llmdx/plugins/detector/script"
	flaky "llmdx/plugins/llmclient/flaky"
	gmi "llmdx/plugins/llmclient/gemini"
	mock "llmdx/plugins/llmclient/mock"
	oai "llmdx/plugins/llmclient/openai"
	pext "llmdx/plugins/prompt/extract"
	ptr "llmdx/plugins/prompt/translate"
	rfs "llmdx/plugins/reader/filesystem"
	"llmdx/plugins/sink/jsonfile"
	sqlsink "llmdx/plugins/sink/sqlite"
	sjsonl "llmdx/plugins/splitter/jsonl"
	spdf "llmdx/plugins/splitter/pdf"
	tid "llmdx/plugins/transformer/identity"
	tllm "llmdx/plugins/transformer/llm"
	tmock "llmdx/plugins/transformer/mock"
	wfs "llmdx/plugins/writer/filesystem"
)

// strictUnmarshal: 使用 DisallowUnknownFields 严格解码，拒绝未知字段。
func strictUnmarshal(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		// 保持零值（默认选项）
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", contract.ErrInvalidInput, err)
	}
	return nil
}

// NewReader 工厂签名：接收原样 JSON Options。
type NewReader func(raw json.RawMessage) (contract.Reader, error)

// NewSplitter 工厂签名：接收原样 JSON Options。
type NewSplitter func(raw json.RawMessage) (contract.Splitter, error)

// NewPromptBuilder 工厂签名：接收原样 JSON Options。
type NewPromptBuilder func(raw json.RawMessage) (contract.PromptBuilder, error)

// NewLLMClient 工厂签名：接收原样 JSON Options。
type NewLLMClient func(raw json.RawMessage) (contract.LLMClient, error)

// NewDecoder 工厂签名：接收原样 JSON Options。
type NewDecoder func(raw json.RawMessage) (contract.FactDecoder, error)

// NewAssembler 工厂签名：接收原样 JSON Options。
type NewAssembler func(raw json.RawMessage) (contract.Assembler, error)

// NewWriter 工厂签名：接收原样 JSON Options。
type NewWriter func(raw json.RawMessage) (contract.Writer, error)

// NewDetector 工厂签名：target 为目标语言（BCP 47），选项中的 target 优先。
type NewDetector func(raw json.RawMessage, target string) (contract.Detector, error)

// TransformerDeps: 变换器可依赖的已构造组件。
type TransformerDeps struct {
	LLM    contract.LLMClient
	Target string
}

// NewTransformer 工厂签名。
type NewTransformer func(raw json.RawMessage, deps TransformerDeps) (contract.Transformer, error)

// NewSink 工厂签名：w 为当前运行的 Writer（json sink 使用）。
type NewSink func(raw json.RawMessage, w contract.Writer) (contract.ReportSink, error)

// Reader 工厂注册表（显式、零反射）。
var Reader = map[string]NewReader{
	// fs: 文件系统/STDIN Reader
	"fs": func(raw json.RawMessage) (contract.Reader, error) {
		var opts rfs.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return rfs.New(&opts), nil
	},
}

// Splitter 工厂注册表。
var Splitter = map[string]NewSplitter{
	// jsonl: 逐行 {id, anchor, label, text, extra}
	"jsonl": func(raw json.RawMessage) (contract.Splitter, error) {
		var opts sjsonl.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return sjsonl.New(&opts), nil
	},
	// pdf: 按页与标题切分，anchor = 页码
	"pdf": func(raw json.RawMessage) (contract.Splitter, error) {
		var opts spdf.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return spdf.New(&opts), nil
	},
}

// PromptBuilder 工厂注册表（抽取提示词）。
var PromptBuilder = map[string]NewPromptBuilder{
	"extract": func(raw json.RawMessage) (contract.PromptBuilder, error) {
		var opts pext.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return pext.New(&opts)
	},
}

// LLMClient 工厂注册表。各客户端自行解析选项。
var LLMClient = map[string]NewLLMClient{
	"openai": func(raw json.RawMessage) (contract.LLMClient, error) { return oai.New(raw) },
	"gemini": func(raw json.RawMessage) (contract.LLMClient, error) { return gmi.New(raw) },
	"mock":   func(raw json.RawMessage) (contract.LLMClient, error) { return mock.New(raw) },
	"flaky":  func(raw json.RawMessage) (contract.LLMClient, error) { return flaky.New(raw) },
}

// Decoder 工厂注册表。
var Decoder = map[string]NewDecoder{
	// factjson: 按子节字段 schema 校验的 JSON 对象
	"factjson": func(raw json.RawMessage) (contract.FactDecoder, error) {
		var opts factjson.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return factjson.New(raw)
	},
}

// Assembler 工厂注册表。
var Assembler = map[string]NewAssembler{
	// jsonl: 每行一条自包含记录
	"jsonl": func(raw json.RawMessage) (contract.Assembler, error) {
		var opts struct{}
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return ajsonl.New(raw)
	},
}

// Writer 工厂注册表。
var Writer = map[string]NewWriter{
	// fs: 文件系统 Writer（覆盖写/原子替换可配置）
	"fs": func(raw json.RawMessage) (contract.Writer, error) {
		var opts wfs.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return wfs.New(&opts)
	},
}

// Detector 工厂注册表。
var Detector = map[string]NewDetector{
	// script: 书写系统 + 常用词占比
	"script": func(raw json.RawMessage, target string) (contract.Detector, error) {
		var opts script.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		if opts.Target == "" {
			opts.Target = target
		}
		return script.NewWith(opts)
	},
}

// Transformer 工厂注册表。
var Transformer = map[string]NewTransformer{
	// llm: 以当前 LLM 客户端批量翻译
	"llm": func(raw json.RawMessage, deps TransformerDeps) (contract.Transformer, error) {
		var opts ptr.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return tllm.New(deps.LLM, deps.Target, &opts)
	},
	"identity": func(raw json.RawMessage, _ TransformerDeps) (contract.Transformer, error) {
		var opts struct{}
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return tid.New(raw)
	},
	"mock": func(raw json.RawMessage, _ TransformerDeps) (contract.Transformer, error) {
		var opts tmock.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return tmock.New(raw)
	},
}

// Sink 工厂注册表。
var Sink = map[string]NewSink{
	// json: <doc>.report.json 经由 Writer
	"json": func(raw json.RawMessage, w contract.Writer) (contract.ReportSink, error) {
		var opts struct{}
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return jsonfile.New(w)
	},
	// sqlite: runs/results/facts/errors 四表
	"sqlite": func(raw json.RawMessage, _ contract.Writer) (contract.ReportSink, error) {
		var opts sqlsink.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return sqlsink.New(raw)
	},
}
