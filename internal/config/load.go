package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// EnvPrefix 为所有覆盖项的环境变量前缀。
const EnvPrefix = "LLM_DX_"

// Defaults 返回带有安全默认值的 Config 雏形。
// 注意：LLM 不设默认（必须由 JSON/ENV/CLI 提供）。
func Defaults() Config {
	return Config{
		Concurrency:   1,
		BytesPerToken: 4,
		Match:         Match{TopK: 3, MinConfidence: 0.5, TieBreak: "prior_then_lexical"},
		Invoke:        Invoke{InitialDelayMS: 1000, Multiplier: 2, MaxAttempts: 5},
		Transform:     Transform{Target: "en", BatchSize: 20, BatchChars: 4000},
		Components: Components{
			Reader:        "fs",
			Splitter:      "jsonl",
			Writer:        "fs",
			Assembler:     "jsonl",
			PromptBuilder: "extract",
			Decoder:       "factjson",
			Detector:      "script",
			Transformer:   "llm",
		},
		Sinks: []string{"json"},
	}
}

// LoadJSON 从文件路径或原始 JSON 解析 Config（严格拒绝未知字段）。
func LoadJSON(path string, raw []byte) (Config, error) {
	var cfg Config
	var r io.Reader
	switch {
	case len(raw) > 0:
		r = bytes.NewReader(raw)
	case path != "":
		f, err := os.Open(path)
		if err != nil {
			return cfg, err
		}
		defer f.Close()
		r = f
	default:
		return cfg, errors.New("no config source provided")
	}
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Merge 按优先级合并（后者覆盖前者）。
// 仅标量/字符串/原样 JSON 为“替换”；不做深度合并；零值视为未覆盖。
func Merge(base, over Config) Config {
	out := base
	// 顶层
	if len(over.Inputs) > 0 {
		out.Inputs = cloneStrings(over.Inputs)
	}
	if over.Concurrency != 0 {
		out.Concurrency = over.Concurrency
	}
	if over.MaxChars != 0 {
		out.MaxChars = over.MaxChars
	}
	if over.BytesPerToken != 0 {
		out.BytesPerToken = over.BytesPerToken
	}
	if strings.TrimSpace(over.Logging.Level) != "" {
		out.Logging.Level = strings.TrimSpace(over.Logging.Level)
	}
	if strings.TrimSpace(over.Catalog) != "" {
		out.Catalog = strings.TrimSpace(over.Catalog)
	}
	if len(over.Sinks) > 0 {
		out.Sinks = cloneStrings(over.Sinks)
	}

	// 匹配
	if over.Match.TopK != 0 {
		out.Match.TopK = over.Match.TopK
	}
	if over.Match.MinConfidence != 0 {
		out.Match.MinConfidence = over.Match.MinConfidence
	}
	if over.Match.TieBreak != "" {
		out.Match.TieBreak = over.Match.TieBreak
	}

	// 重试策略
	if over.Invoke.InitialDelayMS != 0 {
		out.Invoke.InitialDelayMS = over.Invoke.InitialDelayMS
	}
	if over.Invoke.Multiplier != 0 {
		out.Invoke.Multiplier = over.Invoke.Multiplier
	}
	if over.Invoke.MaxAttempts != 0 {
		out.Invoke.MaxAttempts = over.Invoke.MaxAttempts
	}
	if len(over.Invoke.Signatures) > 0 {
		out.Invoke.Signatures = cloneStrings(over.Invoke.Signatures)
	}

	// 变换
	if over.Transform.Enabled != nil {
		v := *over.Transform.Enabled
		out.Transform.Enabled = &v
	}
	if over.Transform.Target != "" {
		out.Transform.Target = over.Transform.Target
	}
	if over.Transform.BatchSize != 0 {
		out.Transform.BatchSize = over.Transform.BatchSize
	}
	if over.Transform.BatchChars != 0 {
		out.Transform.BatchChars = over.Transform.BatchChars
	}

	// 组件名（空不覆盖）
	mergeName(&out.Components.Reader, over.Components.Reader)
	mergeName(&out.Components.Splitter, over.Components.Splitter)
	mergeName(&out.Components.Writer, over.Components.Writer)
	mergeName(&out.Components.Assembler, over.Components.Assembler)
	mergeName(&out.Components.PromptBuilder, over.Components.PromptBuilder)
	mergeName(&out.Components.Decoder, over.Components.Decoder)
	mergeName(&out.Components.Detector, over.Components.Detector)
	mergeName(&out.Components.Transformer, over.Components.Transformer)

	// Provider（完整替换对应键）
	if len(over.Provider) > 0 {
		prov := make(map[string]Provider, len(out.Provider)+len(over.Provider))
		for k, v := range out.Provider {
			prov[k] = v
		}
		for k, v := range over.Provider {
			prov[k] = v
		}
		out.Provider = prov
	}

	// Options（完整替换对应键）
	mergeRaw(&out.Options.Reader, over.Options.Reader)
	mergeRaw(&out.Options.Splitter, over.Options.Splitter)
	mergeRaw(&out.Options.Writer, over.Options.Writer)
	mergeRaw(&out.Options.Assembler, over.Options.Assembler)
	mergeRaw(&out.Options.PromptBuilder, over.Options.PromptBuilder)
	mergeRaw(&out.Options.Decoder, over.Options.Decoder)
	mergeRaw(&out.Options.Detector, over.Options.Detector)
	mergeRaw(&out.Options.Transformer, over.Options.Transformer)
	if len(over.Options.Sinks) > 0 {
		sinks := make(map[string]json.RawMessage, len(out.Options.Sinks)+len(over.Options.Sinks))
		for k, v := range out.Options.Sinks {
			sinks[k] = v
		}
		for k, v := range over.Options.Sinks {
			sinks[k] = cloneRaw(v)
		}
		out.Options.Sinks = sinks
	}

	// LLM 名称
	if strings.TrimSpace(over.LLM) != "" {
		out.LLM = strings.TrimSpace(over.LLM)
	}
	return out
}

// EnvOverlay 从环境变量构建一个 Config 覆盖（仅解析有限键集合）。
// 规则：前缀 LLM_DX_；集合之外的键忽略；集合之内的非法值返回错误。
// 支持：INPUTS, CONCURRENCY, MAX_CHARS, BYTES_PER_TOKEN, LLM, CATALOG, LOG_LEVEL, SINKS,
// MATCH_{TOP_K,MIN_CONFIDENCE,TIE_BREAK}, INVOKE_{INITIAL_DELAY_MS,MULTIPLIER,MAX_ATTEMPTS},
// TRANSFORM_{ENABLED,TARGET,BATCH_SIZE,BATCH_CHARS}, COMPONENTS_*,
// 以及 PROVIDER__<name>__CLIENT / PROVIDER__<name>__LIMITS_{RPM,TPM,MAX_TOKENS_PER_REQ} / PROVIDER__<name>__OPTIONS_JSON
func EnvOverlay(environ []string) (Config, error) {
	var over Config
	prov := map[string]Provider{}
	for _, kv := range environ {
		if !strings.HasPrefix(kv, EnvPrefix) {
			continue
		}
		eq := strings.IndexByte(kv, '=')
		if eq <= len(EnvPrefix) {
			continue
		}
		key := kv[:eq]
		val := kv[eq+1:]
		tv := strings.TrimSpace(val)
		if tv == "" {
			// 空值视为未设置，避免清空 config.json
			continue
		}
		nk := strings.TrimPrefix(key, EnvPrefix)
		var err error
		switch nk {
		case "INPUTS":
			over.Inputs = splitComma(tv)
		case "SINKS":
			over.Sinks = splitComma(tv)
		case "CONCURRENCY":
			over.Concurrency, err = atoi(tv)
		case "MAX_CHARS":
			over.MaxChars, err = atoi(tv)
		case "BYTES_PER_TOKEN":
			over.BytesPerToken, err = atoi(tv)
		case "LLM":
			over.LLM = tv
		case "CATALOG":
			over.Catalog = tv
		case "LOG_LEVEL":
			over.Logging.Level = tv
		case "MATCH_TOP_K":
			over.Match.TopK, err = atoi(tv)
		case "MATCH_MIN_CONFIDENCE":
			over.Match.MinConfidence, err = strconv.ParseFloat(tv, 64)
		case "MATCH_TIE_BREAK":
			over.Match.TieBreak = tv
		case "INVOKE_INITIAL_DELAY_MS":
			over.Invoke.InitialDelayMS, err = atoi(tv)
		case "INVOKE_MULTIPLIER":
			over.Invoke.Multiplier, err = strconv.ParseFloat(tv, 64)
		case "INVOKE_MAX_ATTEMPTS":
			over.Invoke.MaxAttempts, err = atoi(tv)
		case "TRANSFORM_ENABLED":
			var b bool
			if b, err = strconv.ParseBool(tv); err == nil {
				over.Transform.Enabled = &b
			}
		case "TRANSFORM_TARGET":
			over.Transform.Target = tv
		case "TRANSFORM_BATCH_SIZE":
			over.Transform.BatchSize, err = atoi(tv)
		case "TRANSFORM_BATCH_CHARS":
			over.Transform.BatchChars, err = atoi(tv)
		case "COMPONENTS_READER":
			over.Components.Reader = tv
		case "COMPONENTS_SPLITTER":
			over.Components.Splitter = tv
		case "COMPONENTS_WRITER":
			over.Components.Writer = tv
		case "COMPONENTS_ASSEMBLER":
			over.Components.Assembler = tv
		case "COMPONENTS_PROMPT_BUILDER":
			over.Components.PromptBuilder = tv
		case "COMPONENTS_DECODER":
			over.Components.Decoder = tv
		case "COMPONENTS_DETECTOR":
			over.Components.Detector = tv
		case "COMPONENTS_TRANSFORMER":
			over.Components.Transformer = tv
		default:
			// provider.* 路径：PROVIDER__name__FOO
			if !strings.HasPrefix(nk, "PROVIDER__") {
				continue
			}
			parts := strings.Split(nk, "__")
			if len(parts) < 3 || strings.TrimSpace(parts[1]) == "" {
				continue
			}
			name := strings.TrimSpace(parts[1])
			p := prov[name]
			switch strings.Join(parts[2:], "__") {
			case "CLIENT":
				p.Client = tv
			case "LIMITS_RPM":
				p.Limits.RPM, err = atoi(tv)
			case "LIMITS_TPM":
				p.Limits.TPM, err = atoi(tv)
			case "LIMITS_MAX_TOKENS_PER_REQ":
				p.Limits.MaxTokensPerReq, err = atoi(tv)
			case "OPTIONS_JSON":
				if !json.Valid([]byte(tv)) {
					err = errors.New("invalid json")
				}
				p.Options = json.RawMessage(tv)
			default:
				continue
			}
			if err == nil {
				prov[name] = p
			}
		}
		if err != nil {
			return Config{}, fmt.Errorf("config: env %s: %w", key, err)
		}
	}
	if len(prov) > 0 {
		over.Provider = prov
	}
	return over, nil
}

func mergeName(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}

func mergeRaw(dst *json.RawMessage, v json.RawMessage) {
	if len(v) > 0 {
		*dst = cloneRaw(v)
	}
}

func cloneStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func cloneRaw(in json.RawMessage) json.RawMessage {
	if len(in) == 0 {
		return nil
	}
	out := make([]byte, len(in))
	copy(out, in)
	return out
}

func splitComma(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func atoi(s string) (int, error) {
	return strconv.Atoi(strings.TrimSpace(s))
}
