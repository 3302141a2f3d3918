package config

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"llmdx/internal/archetype"
	"llmdx/internal/catalog"
	"llmdx/internal/diag"
	"llmdx/internal/extract"
	"llmdx/internal/invoke"
	"llmdx/internal/pipeline"
	"llmdx/internal/rate"
	"llmdx/pkg/contract"
	"llmdx/pkg/registry"
)

// Validate 对最小必要边界做静态校验。
func Validate(cfg Config) error {
	if len(cfg.Inputs) == 0 {
		return errors.New("config: inputs empty")
	}
	// 输入路径不得为空字符串；"-" 不能与其他根混用
	dash := false
	for _, r := range cfg.Inputs {
		if strings.TrimSpace(r) == "" {
			return errors.New("config: input path cannot be empty")
		}
		if strings.TrimSpace(r) == "-" {
			dash = true
		}
	}
	if dash && len(cfg.Inputs) > 1 {
		return errors.New("config: '-' cannot be mixed with other roots")
	}
	if cfg.Concurrency < 1 {
		return errors.New("config: concurrency must be >= 1")
	}
	if cfg.MaxChars < 0 {
		return errors.New("config: max_chars must be >= 0")
	}
	if cfg.BytesPerToken < 0 {
		return errors.New("config: bytes_per_token must be >= 0")
	}
	if cfg.Match.TopK < 0 {
		return errors.New("config: match.top_k must be >= 0")
	}
	if cfg.Match.MinConfidence < 0 || cfg.Match.MinConfidence > 1 {
		return fmt.Errorf("config: match.min_confidence %g out of [0,1]", cfg.Match.MinConfidence)
	}
	if _, err := archetype.ParseTieBreak(cfg.Match.TieBreak); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := policy(cfg.Invoke).Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if cfg.LLM == "" {
		return errors.New("config: llm not set")
	}
	prov, ok := cfg.Provider[cfg.LLM]
	if !ok {
		return fmt.Errorf("config: provider %q not found", cfg.LLM)
	}
	if prov.Client == "" {
		return fmt.Errorf("config: provider %q missing client", cfg.LLM)
	}
	if registry.LLMClient[prov.Client] == nil {
		return fmt.Errorf("config: llm client %q not registered", prov.Client)
	}
	// 组件名若为空，使用默认名（由 Defaults() 提供）。此处只要最终有值即可。
	d := Defaults().Components
	if name := effName(cfg.Components.Reader, d.Reader); registry.Reader[name] == nil {
		return fmt.Errorf("config: reader %q not registered", name)
	}
	if name := effName(cfg.Components.Splitter, d.Splitter); registry.Splitter[name] == nil {
		return fmt.Errorf("config: splitter %q not registered", name)
	}
	if name := effName(cfg.Components.Writer, d.Writer); registry.Writer[name] == nil {
		return fmt.Errorf("config: writer %q not registered", name)
	}
	if name := effName(cfg.Components.Assembler, d.Assembler); registry.Assembler[name] == nil {
		return fmt.Errorf("config: assembler %q not registered", name)
	}
	if name := effName(cfg.Components.PromptBuilder, d.PromptBuilder); registry.PromptBuilder[name] == nil {
		return fmt.Errorf("config: prompt_builder %q not registered", name)
	}
	if name := effName(cfg.Components.Decoder, d.Decoder); registry.Decoder[name] == nil {
		return fmt.Errorf("config: decoder %q not registered", name)
	}
	if cfg.Transform.On() {
		if strings.TrimSpace(cfg.Transform.Target) == "" {
			return errors.New("config: transform.target required when transform enabled")
		}
		if cfg.Transform.BatchSize < 0 || cfg.Transform.BatchChars < 0 {
			return errors.New("config: transform batch limits must be >= 0")
		}
		if name := effName(cfg.Components.Detector, d.Detector); name != "none" && registry.Detector[name] == nil {
			return fmt.Errorf("config: detector %q not registered", name)
		}
		if name := effName(cfg.Components.Transformer, d.Transformer); registry.Transformer[name] == nil {
			return fmt.Errorf("config: transformer %q not registered", name)
		}
	}
	seen := map[string]bool{}
	for _, s := range cfg.Sinks {
		if registry.Sink[s] == nil {
			return fmt.Errorf("config: sink %q not registered", s)
		}
		if seen[s] {
			return fmt.Errorf("config: sink %q listed twice", s)
		}
		seen[s] = true
	}
	return nil
}

// Assemble 构造 Components、Settings（含目录索引、共享预算与重试器）以及收尾函数。
// 严格 Options 解析在 registry（工厂）层进行；此处只传 raw JSON。
// 收尾函数关闭实现了 io.Closer 的 sink，总是非 nil。
func Assemble(cfg Config, logger *diag.Logger) (pipeline.Components, pipeline.Settings, func() error, error) {
	var comp pipeline.Components
	var set pipeline.Settings
	var closers []io.Closer
	cleanup := func() error {
		var errs []error
		for _, c := range closers {
			errs = append(errs, c.Close())
		}
		return errors.Join(errs...)
	}
	fail := func(err error) (pipeline.Components, pipeline.Settings, func() error, error) {
		_ = cleanup()
		return pipeline.Components{}, pipeline.Settings{}, func() error { return nil }, err
	}
	if err := Validate(cfg); err != nil {
		return fail(err)
	}

	// 有效名称
	d := Defaults().Components
	c := cfg.Components
	var err error
	if comp.Reader, err = registry.Reader[effName(c.Reader, d.Reader)](cfg.Options.Reader); err != nil {
		return fail(fmt.Errorf("reader: %w", err))
	}
	if comp.Splitter, err = registry.Splitter[effName(c.Splitter, d.Splitter)](cfg.Options.Splitter); err != nil {
		return fail(fmt.Errorf("splitter: %w", err))
	}
	if comp.Writer, err = registry.Writer[effName(c.Writer, d.Writer)](cfg.Options.Writer); err != nil {
		return fail(fmt.Errorf("writer: %w", err))
	}
	if comp.Assembler, err = registry.Assembler[effName(c.Assembler, d.Assembler)](cfg.Options.Assembler); err != nil {
		return fail(fmt.Errorf("assembler: %w", err))
	}
	if comp.PromptBuilder, err = registry.PromptBuilder[effName(c.PromptBuilder, d.PromptBuilder)](cfg.Options.PromptBuilder); err != nil {
		return fail(fmt.Errorf("prompt_builder: %w", err))
	}
	dec, err := registry.Decoder[effName(c.Decoder, d.Decoder)](cfg.Options.Decoder)
	if err != nil {
		return fail(fmt.Errorf("decoder: %w", err))
	}

	// LLM 客户端与抽取服务
	prov := cfg.Provider[cfg.LLM]
	llm, err := registry.LLMClient[prov.Client](prov.Options)
	if err != nil {
		return fail(fmt.Errorf("llm %s: %w", cfg.LLM, err))
	}
	if comp.Extractor, err = extract.New(comp.PromptBuilder, llm, dec, logger); err != nil {
		return fail(err)
	}

	// 变换（可选）
	if cfg.Transform.On() {
		if name := effName(c.Detector, d.Detector); name != "none" {
			if comp.Detector, err = registry.Detector[name](cfg.Options.Detector, cfg.Transform.Target); err != nil {
				return fail(fmt.Errorf("detector: %w", err))
			}
		}
		deps := registry.TransformerDeps{LLM: llm, Target: cfg.Transform.Target}
		if comp.Transformer, err = registry.Transformer[effName(c.Transformer, d.Transformer)](cfg.Options.Transformer, deps); err != nil {
			return fail(fmt.Errorf("transformer: %w", err))
		}
	}

	// 报告下游
	for _, name := range cfg.Sinks {
		s, err := registry.Sink[name](cfg.Options.Sinks[name], comp.Writer)
		if err != nil {
			return fail(fmt.Errorf("sink %s: %w", name, err))
		}
		if cl, ok := s.(io.Closer); ok {
			closers = append(closers, cl)
		}
		comp.Sinks = append(comp.Sinks, pipeline.NamedSink{Name: name, Sink: s})
	}

	// 目录与索引
	cat, err := loadCatalog(cfg.Catalog)
	if err != nil {
		return fail(err)
	}
	tie, _ := archetype.ParseTieBreak(cfg.Match.TieBreak)

	// 限流预算（按 provider 限额构造；分组键从 options 中派生 API Key）
	// 派生失败时退化为 provider 名称。
	key, derr := rate.DeriveKey(prov.Client, prov.Options)
	if derr != nil {
		key = rate.LimitKey(cfg.LLM)
	}
	budget := rate.NewBudget(map[rate.LimitKey]rate.Limits{
		key: {RPM: prov.Limits.RPM, TPM: prov.Limits.TPM, MaxTokensPerReq: prov.Limits.MaxTokensPerReq},
	}, nil)

	set = pipeline.Settings{
		Inputs:        cloneStrings(cfg.Inputs),
		Index:         archetype.New(cat, archetype.Options{TieBreak: tie}),
		Invoker:       invoke.New(policy(cfg.Invoke), budget, invoke.WithLogger(logger)),
		Key:           key,
		TopK:          cfg.Match.TopK,
		MinConfidence: cfg.Match.MinConfidence,
		MaxChars:      cfg.MaxChars,
		BytesPerToken: bytesPerToken(cfg.BytesPerToken),
		Concurrency:   cfg.Concurrency,
		Target:        cfg.Transform.Target,
		BatchSize:     cfg.Transform.BatchSize,
		BatchChars:    cfg.Transform.BatchChars,
	}
	return comp, set, cleanup, nil
}

func loadCatalog(path string) (*contract.Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return catalog.Default()
	}
	cat, err := catalog.Load(path)
	if err != nil {
		return nil, fmt.Errorf("catalog %s: %w", path, err)
	}
	return cat, nil
}

func policy(in Invoke) invoke.Policy {
	p := invoke.Policy{
		InitialDelay: time.Duration(in.InitialDelayMS) * time.Millisecond,
		Multiplier:   in.Multiplier,
		MaxAttempts:  in.MaxAttempts,
		Signatures:   cloneStrings(in.Signatures),
	}
	if len(p.Signatures) == 0 {
		p.Signatures = invoke.DefaultSignatures
	}
	return p
}

func effName(got, def string) string {
	if got == "" {
		return def
	}
	return got
}

// bytesPerToken 返回令牌估算系数；未设置时取 4。
func bytesPerToken(v int) int {
	if v <= 0 {
		return 4
	}
	return v
}
