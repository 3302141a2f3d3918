package config

import (
	"encoding/json"
)

// Config: 运行期只读配置（一次解析，运行期不变）。
// JSON 使用 snake_case；未知字段在解析期失败。
type Config struct {
	Inputs []string `json:"inputs"`
	// Concurrency: 标签级工作池大小；1 为顺序执行。
	Concurrency int `json:"concurrency"`
	// MaxChars: 每个标签组拼接文本上限（rune），0 不限。
	MaxChars int `json:"max_chars"`
	// BytesPerToken: 令牌估算系数（UTF-8 字节/令牌），用于 TPM 与单请求上限；0 取默认 4。
	BytesPerToken int     `json:"bytes_per_token"`
	Logging       Logging `json:"logging"`

	// Catalog: 模板目录文件（YAML/JSON）；空则使用内置目录。
	Catalog string `json:"catalog"`

	Match     Match     `json:"match"`
	Invoke    Invoke    `json:"invoke"`
	Transform Transform `json:"transform"`

	// 组件名选择（空则使用默认名）。
	Components Components `json:"components"`
	// Sinks: 报告下游名称列表（registry.Sink）。
	Sinks []string `json:"sinks"`

	// LLM Provider 选择与定义。
	LLM      string              `json:"llm"`
	Provider map[string]Provider `json:"provider"`

	// 各组件 Options 子树，原样 JSON 传入工厂。
	Options Options `json:"options"`
}

// Logging: 仅保留日志等级可配置；输出路径与轮转策略为固定默认。
type Logging struct {
	Level string `json:"level"`
}

// Match: 匹配参数。
type Match struct {
	TopK          int     `json:"top_k"`
	MinConfidence float64 `json:"min_confidence"`
	// TieBreak: prior_then_lexical | lexical
	TieBreak string `json:"tie_break"`
}

// Invoke: 限流重试策略。MaxAttempts 含首次尝试。
type Invoke struct {
	InitialDelayMS int      `json:"initial_delay_ms"`
	Multiplier     float64  `json:"multiplier"`
	MaxAttempts    int      `json:"max_attempts"`
	Signatures     []string `json:"signatures"`
}

// Transform: 锚点保持变换（翻译）配置。
type Transform struct {
	// Enabled 为指针以区分“未设置”与显式 false。
	Enabled    *bool  `json:"enabled,omitempty"`
	Target     string `json:"target"`
	BatchSize  int    `json:"batch_size"`
	BatchChars int    `json:"batch_chars"`
}

// On 返回是否启用变换。
func (t Transform) On() bool { return t.Enabled != nil && *t.Enabled }

// Components: 组件名选择（注册表中的实现名）。
type Components struct {
	Reader        string `json:"reader"`
	Splitter      string `json:"splitter"`
	Writer        string `json:"writer"`
	Assembler     string `json:"assembler"`
	PromptBuilder string `json:"prompt_builder"`
	Decoder       string `json:"decoder"`
	Detector      string `json:"detector"`
	Transformer   string `json:"transformer"`
}

// Options: 各组件的原样 JSON Options。
type Options struct {
	Reader        json.RawMessage            `json:"reader"`
	Splitter      json.RawMessage            `json:"splitter"`
	Writer        json.RawMessage            `json:"writer"`
	Assembler     json.RawMessage            `json:"assembler"`
	PromptBuilder json.RawMessage            `json:"prompt_builder"`
	Decoder       json.RawMessage            `json:"decoder"`
	Detector      json.RawMessage            `json:"detector"`
	Transformer   json.RawMessage            `json:"transformer"`
	Sinks         map[string]json.RawMessage `json:"sinks"`
}

// Provider: 命名 provider 定义（client 实现 + options + 限额）。
type Provider struct {
	Client  string          `json:"client"`
	Options json.RawMessage `json:"options"`
	Limits  Limits          `json:"limits"`
}

// Limits: 限流配置（仅承载；执行位于 rate.Budget）。
type Limits struct {
	RPM             int `json:"rpm"`
	TPM             int `json:"tpm"`
	MaxTokensPerReq int `json:"max_tokens_per_req"`
}
