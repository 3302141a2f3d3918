package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"llmdx/internal/catalog"
	cfgpkg "llmdx/internal/config"
	"llmdx/internal/diag"
	"llmdx/internal/pipeline"
	"llmdx/internal/transform"
	"llmdx/pkg/contract"
)

var pipelineRun = pipeline.Run

// 退出码
const (
	exitOK        = 0
	exitRuntime   = 1
	exitInvariant = 2
	exitConfig    = 3
)

// 简化的 CLI：默认子命令 run；另有 verify 子命令离线校验两条记录流。
// 位置参数为 roots（文件/目录 或 "-" 表示 STDIN，不能与其他根混用）。
func main() {
	os.Exit(run())
}

func run() int {
	start := time.Now()
	corrID := genCorrID()
	// 在任何 ENV 读取前，尝试加载工作目录下的 .env（不覆盖已有 ENV）。
	_ = loadDotEnv(".env")
	logLevel := "info"
	// 先占位默认，稍后在解析/合并配置后重建 logger 以使用最终 level
	logger := diag.NewLogger(corrID, logLevel)

	if len(os.Args) > 1 && os.Args[1] == "verify" {
		return runVerify(os.Args[2:], logger)
	}

	var (
		flagConfig      string
		flagLLM         string
		flagCatalog     string
		flagTarget      string
		flagConcurrency int
		flagMaxChars    int
		flagTopK        int
		flagTransform   bool
		flagInitDir     string
		flagStatus      bool
	)
	flag.StringVar(&flagConfig, "config", "", "配置文件路径（JSON）；缺省读取 ./config.json（若存在）")
	flag.StringVar(&flagLLM, "llm", "", "provider 名称（覆盖配置）")
	flag.StringVar(&flagCatalog, "catalog", "", "模板目录文件（YAML/JSON，覆盖配置）")
	flag.StringVar(&flagTarget, "target", "", "变换目标语言（覆盖配置，例如 en）")
	flag.IntVar(&flagConcurrency, "concurrency", 0, "标签级并发度（覆盖配置）")
	flag.IntVar(&flagMaxChars, "max-chars", 0, "每个标签组文本上限（rune，覆盖配置）")
	flag.IntVar(&flagTopK, "top-k", 0, "每个标签最多尝试的候选模板数（覆盖配置）")
	flag.BoolVar(&flagTransform, "transform", false, "启用/禁用变换阶段（显式设置时覆盖配置）")
	flag.StringVar(&flagInitDir, "init-config", "", "在指定目录生成 config.json、catalog.yaml 和 .env 模板（已存在则跳过）；不带值时默认当前目录")
	flag.BoolVar(&flagStatus, "status", true, "终端状态提示（stderr）。TTY 动态刷新；非 TTY 打点输出")
	normalizeInitArg()
	flag.Parse()

	roots := flag.Args()

	// --init-config: 生成模板并退出
	if initDir := strings.TrimSpace(flagInitDir); initDir != "" {
		if err := initConfig(initDir); err != nil {
			fprintf(os.Stderr, "生成默认配置失败: %v\n", err)
			logger.Error("pipeline", string(diag.Classify(err)), "first error", &start)
			return exitConfig
		}
		return exitOK
	}

	// JSON 配置（文件或 ENV: LLM_DX_CONFIG_JSON）
	var cfgJSON []byte
	if s := os.Getenv(cfgpkg.EnvPrefix + "CONFIG_JSON"); s != "" {
		cfgJSON = []byte(s)
	}
	if flagConfig == "" {
		flagConfig = os.Getenv(cfgpkg.EnvPrefix + "CONFIG_FILE")
	}
	if flagConfig == "" {
		if _, err := os.Stat("config.json"); err == nil {
			flagConfig = "config.json"
		}
	}

	cfg := cfgpkg.Defaults()
	if flagConfig != "" || len(cfgJSON) > 0 {
		base, err := cfgpkg.LoadJSON(flagConfig, cfgJSON)
		if err != nil {
			fprintf(os.Stderr, "配置解析失败: %v\n", err)
			logger.Error("pipeline", string(diag.Classify(err)), "first error", &start)
			return exitConfig
		}
		cfg = cfgpkg.Merge(cfg, base)
	}

	overEnv, err := cfgpkg.EnvOverlay(os.Environ())
	if err != nil {
		fprintf(os.Stderr, "环境变量解析失败: %v\n", err)
		logger.Error("pipeline", string(diag.Classify(err)), "first error", &start)
		return exitConfig
	}
	cfg = cfgpkg.Merge(cfg, overEnv)

	// CLI 覆盖
	var overCLI cfgpkg.Config
	overCLI.LLM = flagLLM
	overCLI.Catalog = flagCatalog
	overCLI.Transform.Target = flagTarget
	if flagConcurrency > 0 {
		overCLI.Concurrency = flagConcurrency
	}
	if flagMaxChars > 0 {
		overCLI.MaxChars = flagMaxChars
	}
	if flagTopK > 0 {
		overCLI.Match.TopK = flagTopK
	}
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "transform" {
			v := flagTransform
			overCLI.Transform.Enabled = &v
		}
	})
	if len(roots) > 0 {
		overCLI.Inputs = roots
	}
	cfg = cfgpkg.Merge(cfg, overCLI)

	if err := cfgpkg.Validate(cfg); err != nil {
		fprintf(os.Stderr, "配置校验失败: %v\n", err)
		_ = dumpConfig(cfg)
		logger.Error("pipeline", string(diag.Classify(err)), "first error", &start)
		return exitConfig
	}

	// 使用最终配置中的日志级别重建 logger
	if strings.TrimSpace(cfg.Logging.Level) != "" {
		logLevel = strings.TrimSpace(cfg.Logging.Level)
	}
	logger = diag.NewLogger(corrID, logLevel)

	if err := preflightCheckOutputDir(cfg); err != nil {
		fprintf(os.Stderr, "输出目录不可写或无法创建: %v\n", err)
		logger.Error("pipeline", string(diag.Classify(err)), "first error", &start)
		return exitConfig
	}

	comp, set, cleanup, err := cfgpkg.Assemble(cfg, logger)
	if err != nil {
		fprintf(os.Stderr, "装配失败: %v\n", err)
		logger.Error("pipeline", string(diag.Classify(err)), "first error", &start)
		return exitConfig
	}
	defer func() {
		if err := cleanup(); err != nil {
			logger.Warn("pipeline", string(diag.Classify(err)), "cleanup failed: "+err.Error(), "", nil)
		}
	}()

	term := diag.NewTerminal(os.Stderr, flagStatus)
	diag.SetTerminal(term)
	defer diag.SetTerminal(nil)
	if term != nil {
		term.RunStart(cfg.Concurrency, cfg.LLM)
	}

	logger.DebugStart("config", "effective", "", "", effectiveKV(cfg))

	// 中断信号在标签边界生效；已完成的结果仍会写入报告
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	t := logger.Start("pipeline", "run")
	reports, err := pipelineRun(ctx, comp, set, logger)
	if err != nil {
		code := string(diag.Classify(err))
		logger.Error("pipeline", code, "first error", &start)
		diag.IncOp("pipeline", "error", "error")
		if code != "" && code != string(diag.CodeUnknown) {
			diag.IncError("pipeline", code)
		}
		if !errors.Is(err, context.Canceled) {
			fprintf(os.Stderr, "运行失败: %v\n", err)
		}
		if term != nil {
			term.RunFinish(false, time.Since(start))
		}
		if errors.Is(err, contract.ErrAnchorInvariant) {
			return exitInvariant
		}
		return exitRuntime
	}
	t.Finish("run", int64(len(reports)))
	diag.IncOp("pipeline", "finish", "success")
	diag.ObserveDuration("pipeline", "finish", time.Since(start).Milliseconds())
	if term != nil {
		term.RunFinish(true, time.Since(start))
	}
	return exitOK
}

// runVerify: llmdx verify <source.jsonl> <transformed.jsonl>
// 0 一致；2 锚点不一致；1 读取/解码失败；3 参数错误。
func runVerify(args []string, logger *diag.Logger) int {
	if len(args) != 2 {
		fprintf(os.Stderr, "用法: llmdx verify <source.records.jsonl> <target.records.jsonl>\n")
		return exitConfig
	}
	a, err := os.Open(args[0])
	if err != nil {
		fprintf(os.Stderr, "打开失败: %v\n", err)
		return exitRuntime
	}
	defer a.Close()
	b, err := os.Open(args[1])
	if err != nil {
		fprintf(os.Stderr, "打开失败: %v\n", err)
		return exitRuntime
	}
	defer b.Close()
	if err := transform.VerifyStreams(a, b); err != nil {
		logger.Fail("verify", "streams differ", err, args[0], "")
		fprintf(os.Stderr, "校验失败: %v\n", err)
		if errors.Is(err, contract.ErrAnchorInvariant) {
			return exitInvariant
		}
		return exitRuntime
	}
	fprintf(os.Stdout, "ok\n")
	return exitOK
}

// effectiveKV 汇总有效配置（不含密钥）供 debug 日志使用。
func effectiveKV(cfg cfgpkg.Config) map[string]string {
	kv := map[string]string{
		"inputs_count": strconv.Itoa(len(cfg.Inputs)),
		"concurrency":  strconv.Itoa(cfg.Concurrency),
		"max_chars":    strconv.Itoa(cfg.MaxChars),
		"llm":          cfg.LLM,
		"catalog":      cfg.Catalog,
		"top_k":        strconv.Itoa(cfg.Match.TopK),
		"tie_break":    cfg.Match.TieBreak,
		"transform":    strconv.FormatBool(cfg.Transform.On()),
		"reader":       cfg.Components.Reader,
		"splitter":     cfg.Components.Splitter,
		"writer":       cfg.Components.Writer,
		"sinks":        strings.Join(cfg.Sinks, ","),
	}
	if p, ok := cfg.Provider[cfg.LLM]; ok {
		kv["provider_client"] = p.Client
		var s struct {
			BaseURL  string `json:"base_url"`
			Model    string `json:"model"`
			Endpoint string `json:"endpoint_path"`
		}
		_ = json.Unmarshal(p.Options, &s)
		if s.BaseURL != "" {
			kv["base_url"] = s.BaseURL
		}
		if s.Model != "" {
			kv["model"] = s.Model
		}
		if s.Endpoint != "" {
			kv["endpoint_path"] = s.Endpoint
		}
	}
	return kv
}

func fprintf(w *os.File, format string, a ...any) { _, _ = fmt.Fprintf(w, format, a...) }

func dumpConfig(c cfgpkg.Config) error {
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	_, _ = os.Stderr.Write(append([]byte("有效配置:\n"), b...))
	_, _ = os.Stderr.Write([]byte("\n"))
	return nil
}

// initConfig 在 dir 下生成 config.json（已存在则报错）、catalog.yaml 与 .env（已存在则跳过）。
func initConfig(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	cfg := cfgpkg.DefaultTemplateConfig()
	catPath := filepath.Join(dir, "catalog.yaml")
	cfg.Catalog = catPath
	if err := writeConfig(filepath.Join(dir, "config.json"), cfg); err != nil {
		return err
	}
	if err := writeIfAbsent(catPath, catalog.DefaultYAML()); err != nil {
		fprintf(os.Stderr, "提示：catalog.yaml 生成失败（已跳过）：%v\n", err)
	}
	if err := writeDotEnv(filepath.Join(dir, ".env")); err != nil {
		fprintf(os.Stderr, "提示：.env 生成失败（已跳过）：%v\n", err)
	}
	return nil
}

func writeConfig(path string, c cfgpkg.Config) error {
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	if path == "-" {
		_, err = os.Stdout.Write(append(b, '\n'))
		return err
	}
	// 不覆盖已存在文件
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(b); err != nil {
		return err
	}
	_, _ = f.Write([]byte("\n"))
	return nil
}

func writeIfAbsent(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	_, err = f.Write(data)
	return err
}

func genCorrID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return ""
	}
	return hex.EncodeToString(b[:])
}

// loadDotEnv 读取简单的 .env 文件格式并注入进程环境。
// 规则：
// - 忽略不存在的文件；
// - 跳过空行与以 # 开头的行；支持可选的前缀 "export "；
// - 仅按首个 '=' 分割；成对的单/双引号去除，双引号内 \n/\t/\r/\"/\\ 作最小转义；
// - 不覆盖已存在的环境变量。
func loadDotEnv(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		eq := strings.IndexByte(line, '=')
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := unquote(strings.TrimSpace(line[eq+1:]))
		if key == "" {
			continue
		}
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		_ = os.Setenv(key, val)
	}
	return s.Err()
}

func unquote(val string) string {
	if len(val) < 2 {
		return val
	}
	q := val[0]
	if (q != '\'' && q != '"') || val[len(val)-1] != q {
		return val
	}
	val = val[1 : len(val)-1]
	if q == '"' {
		val = strings.NewReplacer(`\n`, "\n", `\t`, "\t", `\r`, "\r", `\"`, `"`, `\\`, `\`).Replace(val)
	}
	return val
}

// normalizeInitArg: 允许 --init-config 不带值（默认当前目录 "."）。
//
//	--init-config                => 等价于 --init-config .
//	--init-config=out
//	--init-config out
func normalizeInitArg() {
	args := os.Args
	if len(args) <= 1 {
		return
	}
	out := make([]string, 0, len(args)+1)
	out = append(out, args[0])
	for i := 1; i < len(args); i++ {
		a := args[i]
		out = append(out, a)
		if a == "--init-config" || a == "-init-config" {
			if i == len(args)-1 || strings.HasPrefix(args[i+1], "-") {
				out = append(out, ".")
			}
		}
	}
	os.Args = out
}

// writeDotEnv 生成 .env 模板（若文件已存在则跳过）。
func writeDotEnv(path string) error {
	p := cfgpkg.EnvPrefix
	var b strings.Builder
	b.WriteString("# llmdx .env 模板（由 --init-config 生成）\n")
	b.WriteString("# 优先级：CLI > ENV(.env) > JSON\n")
	b.WriteString("# 空值表示未设置。\n\n")

	b.WriteString("# 配置来源（可二选一）\n")
	for _, k := range []string{"CONFIG_FILE", "CONFIG_JSON"} {
		b.WriteString(p + k + "=\n")
	}
	b.WriteString("\n# 运行参数覆盖\n")
	for _, k := range []string{"INPUTS", "CONCURRENCY", "MAX_CHARS", "LLM", "CATALOG", "LOG_LEVEL", "SINKS"} {
		b.WriteString(p + k + "=\n")
	}
	b.WriteString("\n# 匹配与重试\n")
	for _, k := range []string{"MATCH_TOP_K", "MATCH_MIN_CONFIDENCE", "MATCH_TIE_BREAK", "INVOKE_INITIAL_DELAY_MS", "INVOKE_MULTIPLIER", "INVOKE_MAX_ATTEMPTS"} {
		b.WriteString(p + k + "=\n")
	}
	b.WriteString("\n# 变换\n")
	for _, k := range []string{"TRANSFORM_ENABLED", "TRANSFORM_TARGET", "TRANSFORM_BATCH_SIZE", "TRANSFORM_BATCH_CHARS"} {
		b.WriteString(p + k + "=\n")
	}
	b.WriteString("\n# 组件选择\n")
	for _, k := range []string{"READER", "SPLITTER", "WRITER", "ASSEMBLER", "PROMPT_BUILDER", "DECODER", "DETECTOR", "TRANSFORMER"} {
		b.WriteString(p + "COMPONENTS_" + k + "=\n")
	}
	for _, name := range []string{"openai", "gemini"} {
		b.WriteString("\n# Provider 覆盖（" + name + "）\n")
		for _, k := range []string{"CLIENT", "LIMITS_RPM", "LIMITS_TPM", "LIMITS_MAX_TOKENS_PER_REQ", "OPTIONS_JSON"} {
			b.WriteString(p + "PROVIDER__" + name + "__" + k + "=\n")
		}
	}
	// 供应商 API Key 由客户端直接读取，不带前缀
	b.WriteString("\n# 常见供应商 API Key\n")
	b.WriteString("OPENAI_API_KEY=\n")
	b.WriteString("GOOGLE_API_KEY=\n")
	return writeIfAbsent(path, []byte(b.String()))
}

// preflightCheckOutputDir: fs writer 启动前检查输出目录可写性。
// - 目录存在：尝试创建并删除临时文件；
// - 目录不存在：检查父目录可写（创建并删除临时目录）；
// - 其他 writer 跳过。
func preflightCheckOutputDir(cfg cfgpkg.Config) error {
	name := strings.TrimSpace(cfg.Components.Writer)
	if name == "" {
		name = cfgpkg.Defaults().Components.Writer
	}
	if name != "fs" {
		return nil
	}
	var wopts struct {
		OutputDir string `json:"output_dir"`
	}
	if len(cfg.Options.Writer) > 0 {
		_ = json.Unmarshal(cfg.Options.Writer, &wopts)
	}
	dir := strings.TrimSpace(wopts.OutputDir)
	if dir == "" {
		return nil
	}
	st, err := os.Stat(dir)
	switch {
	case err == nil && st.IsDir():
		f, err := os.CreateTemp(dir, ".wcheck-*")
		if err != nil {
			return err
		}
		n := f.Name()
		_ = f.Close()
		_ = os.Remove(n)
		return nil
	case err == nil:
		return fmt.Errorf("路径存在但不是目录: %s", dir)
	case !os.IsNotExist(err):
		return err
	}
	parent := filepath.Dir(dir)
	if parent == "" || parent == dir {
		return fmt.Errorf("无法确定父目录: %s", dir)
	}
	pst, err := os.Stat(parent)
	if err != nil {
		return err
	}
	if !pst.IsDir() {
		return fmt.Errorf("父路径不是目录: %s", parent)
	}
	tmpd, err := os.MkdirTemp(parent, ".wcheck-*")
	if err != nil {
		return err
	}
	_ = os.RemoveAll(tmpd)
	return nil
}
