package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"llmdx/internal/catalog"
)

// UT-CFG-01: 解析完整 config.json
func TestLoadJSON(t *testing.T) {
	cfg, err := LoadJSON("../../testdata/config/basic.json", nil)
	if err != nil {
		t.Fatalf("加载失败: %v", err)
	}
	if cfg.LLM != "gemini" {
		t.Fatalf("LLM 期望 gemini 实得 %s", cfg.LLM)
	}
	if len(cfg.Inputs) != 1 || cfg.Components.Reader != "fs" || cfg.Match.TieBreak != "lexical" {
		t.Fatalf("字段映射错误: %+v", cfg)
	}
	if !cfg.Transform.On() || cfg.Transform.BatchSize != 10 || cfg.Invoke.MaxAttempts != 4 {
		t.Fatalf("transform/invoke 映射错误: %+v %+v", cfg.Transform, cfg.Invoke)
	}
	if err := Validate(Merge(Defaults(), cfg)); err != nil {
		t.Fatalf("校验失败: %v", err)
	}
}

// UT-CFG-02: ENV 覆盖部分字段
func TestEnvOverlay(t *testing.T) {
	env := []string{
		"LLM_DX_INPUTS=a,b",
		"LLM_DX_CONCURRENCY=3",
		"LLM_DX_LLM=mock",
		"LLM_DX_COMPONENTS_SPLITTER=pdf",
		"LLM_DX_MATCH_MIN_CONFIDENCE=0.7",
		"LLM_DX_TRANSFORM_ENABLED=false",
		"LLM_DX_SINKS=json, sqlite",
		"LLM_DX_PROVIDER__mock__CLIENT=mock",
		"LLM_DX_PROVIDER__mock__LIMITS_RPM=30",
		"LLM_DX_PROVIDER__mock__OPTIONS_JSON={\"prefix\":\"T\"}",
		"LLM_DX_CATALOG=",
		"LLM_DX_BYTES_PER_TOKEN=3",
		"OTHER=1",
	}
	over, err := EnvOverlay(env)
	if err != nil {
		t.Fatalf("EnvOverlay 错误: %v", err)
	}
	if over.LLM != "mock" || over.Concurrency != 3 || len(over.Inputs) != 2 || over.Components.Splitter != "pdf" {
		t.Fatalf("覆盖结果不正确: %+v", over)
	}
	if over.Match.MinConfidence != 0.7 || over.Transform.Enabled == nil || *over.Transform.Enabled {
		t.Fatalf("match/transform 覆盖错误: %+v %+v", over.Match, over.Transform)
	}
	if over.BytesPerToken != 3 || Merge(Defaults(), over).BytesPerToken != 3 {
		t.Fatalf("bytes_per_token 覆盖错误: %d", over.BytesPerToken)
	}
	if len(over.Sinks) != 2 || over.Sinks[1] != "sqlite" || over.Catalog != "" {
		t.Fatalf("sinks/catalog 覆盖错误: %v %q", over.Sinks, over.Catalog)
	}
	p := over.Provider["mock"]
	if p.Client != "mock" || p.Limits.RPM != 30 || string(p.Options) != `{"prefix":"T"}` {
		t.Fatalf("provider 覆盖错误: %+v", p)
	}
}

func TestEnvOverlayInvalid(t *testing.T) {
	for _, kv := range []string{
		"LLM_DX_CONCURRENCY=many",
		"LLM_DX_TRANSFORM_ENABLED=perhaps",
		"LLM_DX_PROVIDER__mock__OPTIONS_JSON={bad",
	} {
		if _, err := EnvOverlay([]string{kv}); err == nil {
			t.Fatalf("%s 应失败", kv)
		}
	}
}

// UT-CFG-03: 含非法字段
func TestLoadJSONUnknown(t *testing.T) {
	raw := []byte(`{"unknown":1}`)
	if _, err := LoadJSON("", raw); err == nil {
		t.Fatalf("应当返回错误")
	}
	if _, err := LoadJSON("", nil); err == nil {
		t.Fatalf("无配置源应失败")
	}
}

func TestMerge(t *testing.T) {
	base := DefaultTemplateConfig()
	off := false
	over := Config{
		Transform: Transform{Enabled: &off},
		Provider:  map[string]Provider{"extra": {Client: "mock"}},
		Options:   Options{Sinks: map[string]json.RawMessage{"sqlite": json.RawMessage(`{"path":"x.db"}`)}},
		Match:     Match{TopK: 5},
	}
	got := Merge(base, over)
	if got.Transform.On() || got.Match.TopK != 5 || got.Match.MinConfidence != 0.5 {
		t.Fatalf("合并错误: %+v %+v", got.Transform, got.Match)
	}
	if _, ok := got.Provider["mock"]; !ok || got.Provider["extra"].Client != "mock" {
		t.Fatalf("provider 应按键合并: %v", got.Provider)
	}
	if _, ok := base.Provider["extra"]; ok {
		t.Fatalf("Merge 不应修改 base")
	}
	if string(got.Options.Sinks["sqlite"]) != `{"path":"x.db"}` || len(got.Options.Sinks["json"]) == 0 {
		t.Fatalf("sink options 合并错误: %v", got.Options.Sinks)
	}
	if !base.Transform.On() {
		t.Fatalf("base.Transform 不应被修改")
	}
}

// 补充覆盖: splitComma 与 atoi
func TestSplitCommaAtoi(t *testing.T) {
	parts := splitComma("a, b , ,c")
	if len(parts) != 3 || parts[1] != "b" {
		t.Fatalf("splitComma 结果错误: %v", parts)
	}
	if v, err := atoi(" 10 "); err != nil || v != 10 {
		t.Fatalf("atoi 失败: %v %d", err, v)
	}
}

// 补充覆盖: Defaults 与 cloneRaw
func TestDefaultsClone(t *testing.T) {
	d := Defaults()
	if d.Components.Splitter != "jsonl" || d.Match.TopK != 3 || d.Invoke.MaxAttempts != 5 || d.Transform.On() {
		t.Fatalf("默认值错误: %+v", d)
	}
	src := []byte("abc")
	dst := cloneRaw(src)
	src[0] = 'x'
	if string(dst) != "abc" {
		t.Fatalf("cloneRaw 未复制")
	}
}

// 补充覆盖: Validate 错误分支
func TestValidateErrors(t *testing.T) {
	if err := Validate(Config{}); err == nil {
		t.Fatal("空配置应失败")
	}
	cases := []struct {
		name string
		mut  func(*Config)
	}{
		{"混用 '-'", func(c *Config) { c.Inputs = []string{"-", "a"} }},
		{"concurrency<1", func(c *Config) { c.Concurrency = 0 }},
		{"bytes_per_token<0", func(c *Config) { c.BytesPerToken = -1 }},
		{"min_confidence>1", func(c *Config) { c.Match.MinConfidence = 1.5 }},
		{"tie_break", func(c *Config) { c.Match.TieBreak = "random" }},
		{"max_attempts", func(c *Config) { c.Invoke.MaxAttempts = 0 }},
		{"client 为空", func(c *Config) { c.Provider = map[string]Provider{"mock": {}} }},
		{"未知 sink", func(c *Config) { c.Sinks = []string{"kafka"} }},
		{"重复 sink", func(c *Config) { c.Sinks = []string{"json", "json"} }},
		{"未知 splitter", func(c *Config) { c.Components.Splitter = "srt" }},
		{"target 为空", func(c *Config) { c.Transform.Target = "" }},
		{"未知 transformer", func(c *Config) { c.Components.Transformer = "nope" }},
	}
	for _, c := range cases {
		cfg := DefaultTemplateConfig()
		c.mut(&cfg)
		if err := Validate(cfg); err == nil {
			t.Fatalf("%s 应失败", c.name)
		}
	}
	if err := Validate(DefaultTemplateConfig()); err != nil {
		t.Fatalf("模板配置应通过: %v", err)
	}
}

// UT-CFG-04: 模板配置可装配
func TestAssembleTemplate(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultTemplateConfig()
	cfg.Options.Writer = json.RawMessage(fmt.Sprintf(`{"output_dir":%q}`, filepath.Join(dir, "out")))
	cfg.Options.Sinks["sqlite"] = json.RawMessage(fmt.Sprintf(`{"path":%q}`, filepath.Join(dir, "r.db")))
	cfg.Sinks = []string{"json", "sqlite"}
	comp, set, cleanup, err := Assemble(cfg, nil)
	if err != nil {
		t.Fatalf("装配失败: %v", err)
	}
	if comp.Reader == nil || comp.Splitter == nil || comp.Writer == nil || comp.Extractor == nil || comp.Transformer == nil || comp.Detector == nil {
		t.Fatalf("组件缺失: %+v", comp)
	}
	if len(comp.Sinks) != 2 || comp.Sinks[1].Name != "sqlite" {
		t.Fatalf("sink 装配错误: %+v", comp.Sinks)
	}
	if set.Index == nil || set.Index.Len() == 0 || set.Invoker == nil || set.Key == "" || set.Target != "en" {
		t.Fatalf("settings 错误: %+v", set)
	}
	if set.Invoker.Policy().MaxAttempts != 5 || set.TopK != 3 {
		t.Fatalf("策略错误: %+v", set.Invoker.Policy())
	}
	if set.BytesPerToken != 4 {
		t.Fatalf("bytes_per_token 应默认为 4: %d", set.BytesPerToken)
	}
	if err := cleanup(); err != nil {
		t.Fatalf("cleanup: %v", err)
	}

	// 未设置时仍按 4 估算，保证 TPM 与单请求上限生效
	cfg.BytesPerToken = 0
	_, set, cleanup, err = Assemble(cfg, nil)
	if err != nil {
		t.Fatalf("装配失败: %v", err)
	}
	defer cleanup()
	if set.BytesPerToken != 4 {
		t.Fatalf("bytes_per_token 零值应取 4: %d", set.BytesPerToken)
	}
}

func TestAssembleCustomCatalog(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.yaml")
	if err := os.WriteFile(path, catalog.DefaultYAML(), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg := DefaultTemplateConfig()
	cfg.Transform.Enabled = nil
	cfg.Catalog = path
	cfg.Options.Writer = json.RawMessage(fmt.Sprintf(`{"output_dir":%q}`, dir))
	comp, _, cleanup, err := Assemble(cfg, nil)
	if err != nil {
		t.Fatalf("装配失败: %v", err)
	}
	defer cleanup()
	if comp.Transformer != nil {
		t.Fatalf("未启用变换时不应构造 transformer")
	}
	cfg.Catalog = filepath.Join(dir, "missing.yaml")
	if _, _, _, err := Assemble(cfg, nil); err == nil {
		t.Fatalf("缺失目录文件应失败")
	}
}
