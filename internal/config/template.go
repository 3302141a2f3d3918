package config

import "encoding/json"

// DefaultTemplateConfig 返回一个“可运行”的默认配置模板：
// - 使用 mock LLM 与合理限额（本地/离线调试友好）；
// - 默认输入为 STDIN（"-"），Writer 输出到 ./out 目录；
// - 启用变换（目标 en），报告写 JSON；
// - 选项给出安全中性默认值。
func DefaultTemplateConfig() Config {
	d := Defaults()
	on := true
	cfg := Config{
		Inputs:        []string{"-"},
		Concurrency:   d.Concurrency,
		MaxChars:      12000,
		BytesPerToken: d.BytesPerToken,
		Logging:       Logging{Level: "info"},
		Match:         d.Match,
		Invoke:        Invoke{InitialDelayMS: 1000, Multiplier: 2, MaxAttempts: 5, Signatures: []string{"rate limit", "too many requests", "resource_exhausted", "quota exceeded"}},
		Transform:     Transform{Enabled: &on, Target: "en", BatchSize: 20, BatchChars: 4000},
		Components:    d.Components,
		Sinks:         []string{"json"},
		LLM:           "mock",
		Provider: map[string]Provider{
			"mock": {
				Client: "mock",
				// 包含所有 mock 选项键（可为空）
				Options: json.RawMessage(`{"prefix":"","api_key":"","response_mode":"auto"}`),
				Limits:  Limits{RPM: 60, TPM: 120000, MaxTokensPerReq: 16384},
			},
			"openai": {
				Client: "openai",
				// 覆盖全部 OpenAI 选项键，值可为空/默认
				Options: json.RawMessage(`{
  "base_url": "",
  "model": "",
  "api_key_env": "",
  "api_key": "",
  "timeout_seconds": 60,
  "temperature": null,
  "schema_name": "",
  "endpoint_path": "",
  "disable_default_auth": false,
  "extra_headers": {}
}`),
			},
			"gemini": {
				Client: "gemini",
				// 覆盖全部 Gemini 选项键，值可为空/默认
				Options: json.RawMessage(`{
  "base_url": "",
  "model": "",
  "api_key_env": "",
  "api_key": "",
  "endpoint_path": "",
  "timeout_seconds": 60,
  "api_key_in_query": true,
  "extra_headers": {},
  "extra_query": {},
  "response_mime_type": ""
}`),
			},
		},
	}
	// Options：包含所有键（值可为空/默认），确保键存在。
	cfg.Options.Reader = json.RawMessage(`{
  "buf_size": 65536,
  "exclude_dir_names": [".git", "node_modules", "vendor"],
  "extensions": [".jsonl", ".pdf"]
}`)
	cfg.Options.Splitter = json.RawMessage(`{
  "max_line_bytes": 16777216,
  "allow_unknown_fields": false
}`)
	cfg.Options.Writer = json.RawMessage(`{
  "output_dir": "out",
  "atomic": true,
  "flat": true,
  "perm_file": 0,
  "perm_dir": 0,
  "buf_size": 65536
}`)
	cfg.Options.PromptBuilder = json.RawMessage(`{
  "inline_system_template": "",
  "system_template_path": "",
  "inline_guidance": "",
  "guidance_path": ""
}`)
	cfg.Options.Decoder = json.RawMessage(`{"keep_nulls": false}`)
	// jsonl 装配器无配置项，保持空对象
	cfg.Options.Assembler = json.RawMessage(`{}`)
	cfg.Options.Detector = json.RawMessage(`{
  "target": "",
  "min_script_ratio": 0.6,
  "min_marker_ratio": 0.08,
  "min_words": 4
}`)
	cfg.Options.Transformer = json.RawMessage(`{
  "inline_system_template": "",
  "system_template_path": "",
  "inline_glossary": "",
  "glossary_path": ""
}`)
	cfg.Options.Sinks = map[string]json.RawMessage{
		"json":   json.RawMessage(`{}`),
		"sqlite": json.RawMessage(`{"path": "out/reports.db"}`),
	}
	return cfg
}
