package diag

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"llmdx/pkg/contract"
)

// UT-DIAG-01: 日志轮转写入
func TestRotatingFile(t *testing.T) {
	dir := t.TempDir()
	w := NewRotatingFile(dir, RotateOptions{MaxBytes: 30})
	if err := w.WriteLine([]byte("first line that is very long")); err != nil {
		t.Fatalf("写入失败: %v", err)
	}
	if err := w.WriteLine([]byte("second")); err != nil {
		t.Fatalf("第二次写入失败: %v", err)
	}
	defer w.Close()
	if _, err := os.Stat(filepath.Join(dir, CurrentLog)); err != nil {
		t.Fatalf("当前文件缺失: %v", err)
	}
	old, err := w.Backups()
	if err != nil || len(old) != 1 || !strings.HasSuffix(old[0], ".jsonl") {
		t.Fatalf("应有一个轮转文件: %v %v", old, err)
	}
}

// 超长单行写入空文件时不轮转
func TestRotatingFileLongLineNoEmptyBackup(t *testing.T) {
	dir := t.TempDir()
	w := NewRotatingFile(dir, RotateOptions{MaxBytes: 4})
	defer w.Close()
	if err := w.WriteLine([]byte("longer than limit")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if old, _ := w.Backups(); len(old) != 0 {
		t.Fatalf("空文件不应轮转: %v", old)
	}
}

// UT-DIAG-05: 轮转文件保留上限
func TestRotatingFilePrunesBackups(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	w := NewRotatingFile(dir, RotateOptions{MaxBytes: 16, MaxBackups: 2})
	w.now = func() time.Time {
		now = now.Add(time.Millisecond)
		return now
	}
	defer w.Close()
	for i := 0; i < 6; i++ {
		if err := w.WriteLine([]byte(fmt.Sprintf("line-%02d-padding", i))); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	old, err := w.Backups()
	if err != nil || len(old) != 2 {
		t.Fatalf("应仅保留 2 个轮转文件: %v %v", old, err)
	}
	b, err := os.ReadFile(old[1])
	if err != nil || string(b) != "line-04-padding\n" {
		t.Fatalf("最新轮转文件内容错误: %q %v", b, err)
	}
	cur, _ := os.ReadFile(filepath.Join(dir, CurrentLog))
	if string(cur) != "line-05-padding\n" {
		t.Fatalf("当前文件内容错误: %q", cur)
	}
}

// UT-DIAG-06: 跨 UTC 日期轮转
func TestRotatingFileDaily(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 3, 1, 23, 59, 0, 0, time.UTC)
	w := NewRotatingFile(dir, RotateOptions{})
	w.now = func() time.Time { return now }
	defer w.Close()
	if err := w.WriteLine([]byte("a")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.WriteLine([]byte("b")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if old, _ := w.Backups(); len(old) != 0 {
		t.Fatalf("同日不应轮转: %v", old)
	}
	now = now.Add(2 * time.Minute)
	if err := w.WriteLine([]byte("c")); err != nil {
		t.Fatalf("write: %v", err)
	}
	old, _ := w.Backups()
	if len(old) != 1 || !strings.Contains(filepath.Base(old[0]), "llmdx-20260302-") {
		t.Fatalf("跨日应轮转一次: %v", old)
	}
	if b, _ := os.ReadFile(old[0]); string(b) != "a\nb\n" {
		t.Fatalf("旧日内容错误: %q", b)
	}
}

func TestRotatingFileRotateNoOpen(t *testing.T) {
	dir := t.TempDir()
	w := NewRotatingFile(dir, RotateOptions{})
	if err := w.rotate(); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if err := w.WriteLine([]byte("a")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

// UT-DIAG-02: 指标计数与快照
func TestMetricsSnapshot(t *testing.T) {
	ResetMetrics()
	IncOp("extract", "finish", "success")
	IncOp("extract", "finish", "success")
	IncError("extract", "budget")
	ObserveDuration("extract", "finish", 7)
	ObserveDuration("extract", "finish", 3)
	m := Snapshot()
	if m["op_total{extract,finish,success}"] != 2 {
		t.Fatalf("op_total 计数错误: %v", m)
	}
	if m["error_total{extract,budget}"] != 1 || m["op_duration_ms{extract,finish}"] != 10 {
		t.Fatalf("计数错误: %v", m)
	}
	m["op_total{extract,finish,success}"] = 99
	if Snapshot()["op_total{extract,finish,success}"] != 2 {
		t.Fatalf("Snapshot 应返回副本")
	}
	out := FormatSnapshot(map[string]int64{"b": 2, "a": 1})
	if out != "a=1\nb=2\n" {
		t.Fatalf("FormatSnapshot 顺序错误: %q", out)
	}
}

// UT-DIAG-03: 错误分类
func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want Code
	}{
		{nil, CodeUnknown},
		{contract.ErrResponseInvalid, CodeProtocol},
		{context.Canceled, CodeCancel},
		{&fs.PathError{Op: "open", Path: "/", Err: errors.New("x")}, CodeIO},
		{&net.DNSError{Err: "x"}, CodeNetwork},
		{contract.ErrBudgetExceeded, CodeBudget},
		{fmt.Errorf("w: %w", contract.ErrRateLimited), CodeBudget},
		{contract.ErrServiceUnavailable, CodeUpstream},
		{contract.ErrTransformUnavailable, CodeUpstream},
		{&contract.AnchorViolation{Pos: 1}, CodeInvariant},
		{upErr{502}, CodeUpstream},
		{upErr{400}, CodeUnknown},
		{errors.New("other"), CodeUnknown},
	}
	for _, c := range cases {
		if got := Classify(c.err); got != c.want {
			t.Fatalf("Classify(%v)=%s want %s", c.err, got, c.want)
		}
	}
}

type upErr struct{ code int }

func (e upErr) Error() string           { return "up" }
func (e upErr) UpstreamStatus() int     { return e.code }
func (e upErr) UpstreamMessage() string { return strings.Repeat("m", 300) }

// UT-DIAG-04: 结构化事件字段
func TestLoggerEvents(t *testing.T) {
	dir := t.TempDir()
	l := NewLoggerTo("run-1", "debug", NewRotatingFile(dir, RotateOptions{}))
	l.StartWith("extract", "begin", "doc.pdf", "Water Quality").Finish("ok", 2)
	l.Warn("transform", "passthrough", "detector failed", "doc.pdf", map[string]string{"k": "v"})
	ResetMetrics()
	if code := l.Fail("extract", "invoke", upErr{503}, "doc.pdf", "Air"); code != CodeUpstream {
		t.Fatalf("上游 5xx 应为 upstream: %s", code)
	}
	if Snapshot()["op_total{extract,error,error}"] != 1 || Snapshot()["error_total{extract,upstream}"] != 1 {
		t.Fatalf("Fail 应累加错误计数")
	}

	f, err := os.Open(filepath.Join(dir, CurrentLog))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	var evs []Event
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var ev Event
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			t.Fatalf("非 JSON 行: %v", err)
		}
		evs = append(evs, ev)
	}
	if len(evs) != 4 {
		t.Fatalf("事件数错误: %d", len(evs))
	}
	if evs[0].CorrID != "run-1" || evs[0].DocID != "doc.pdf" || evs[0].Label != "Water Quality" {
		t.Fatalf("start 事件字段错误: %+v", evs[0])
	}
	if evs[1].Stage != "finish" || evs[1].Count != 2 {
		t.Fatalf("finish 事件错误: %+v", evs[1])
	}
	if evs[2].Level != "warn" || evs[2].Code != "passthrough" {
		t.Fatalf("warn 事件错误: %+v", evs[2])
	}
	if evs[3].KV["http_status"] != "503" || len(evs[3].KV["upstream_msg"]) != 200 {
		t.Fatalf("上游 KV 错误: %+v", evs[3].KV)
	}
}

func TestLoggerLevelsAndNil(t *testing.T) {
	if Warn.String() != "warn" {
		t.Fatalf("warn string")
	}
	var unknown Level = 12345
	if unknown.String() != "info" {
		t.Fatalf("default string")
	}
	dir := t.TempDir()
	l := NewLoggerTo("c", "warn", NewRotatingFile(dir, RotateOptions{}))
	l.DebugStart("comp", "msg", "d", "l", nil)
	l.Start("comp", "msg").Finish("x", 0)
	if _, err := os.Stat(filepath.Join(dir, CurrentLog)); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("低于级别的事件不应写出: %v", err)
	}
	var nl *Logger
	if nl.Start("c", "m") != nil || nl.StartWith("c", "m", "d", "l") != nil || nl.CorrID() != "" {
		t.Fatalf("nil logger 应返回零值")
	}
	nl.Error("c", "x", "m", nil)
	_ = nl.Fail("c", "m", errors.New("x"), "", "")
	var tnil *Timer
	tnil.Finish("x", 0)
	if NowUTC() == "" {
		t.Fatalf("应返回时间字符串")
	}
}

// UT-DIAG-05: 终端（非 TTY）关键节点输出
func TestTerminalNonTTYFlow(t *testing.T) {
	var sb strings.Builder
	term := NewTerminal(&sb, true)
	if term.isTTY {
		t.Fatalf("expect non-tty")
	}
	term.RunStart(4, "openai")
	term.DocStart("docs/esia.pdf", 12)
	term.LabelProgress(6, 12, 0)
	term.DocFinish(true, 5100*time.Millisecond)
	term.RunFinish(true, 41300*time.Millisecond)

	out := sb.String()
	if strings.Contains(out, "\r") || strings.Contains(out, "\x1b[") {
		t.Fatalf("非 TTY 不应包含回车或颜色: %q", out)
	}
	for _, want := range []string{
		"[run] 并发=4 | llm=openai",
		"[doc] esia.pdf | 标签=12",
		"[done] esia.pdf | 标签 12 | 总用时 5.1s",
		"[ok] 全部完成 | 文档 1 | 总用时 41.3s",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("缺少 %q: %q", want, out)
		}
	}
}

// UT-DIAG-06: 终端（TTY）进度节流与清尾
func TestTerminalTTYProgressThrottleAndClear(t *testing.T) {
	var sb strings.Builder
	term := NewTerminal(&sb, true)
	term.isTTY = true
	term.RunStart(2, "mock")
	term.DocStart("/a/b/c/longfilename.pdf", 3)

	term.LabelProgress(1, 3, 0)
	first := sb.String()
	if !strings.Contains(first, "\r[doc]") {
		t.Fatalf("首次进度应为回车覆盖: %q", first)
	}
	term.LabelProgress(2, 3, 1)
	if sb.String() != first {
		t.Fatalf("100ms 内应被节流")
	}
	time.Sleep(120 * time.Millisecond)
	term.LabelProgress(2, 3, 1)
	if len(sb.String()) <= len(first) {
		t.Fatalf("节流后应继续输出")
	}
	term.DocFinish(false, 2200*time.Millisecond)
	final := sb.String()
	idx := strings.LastIndex(final, "[fail]")
	if idx < 0 {
		t.Fatalf("应包含 fail 行: %q", final)
	}
	seg := final[:idx]
	cr := strings.LastIndex(seg, "\r")
	if cr < 0 || !strings.Contains(seg[cr+1:], " ") {
		t.Fatalf("fail 之前应以空格清尾: %q", seg)
	}
}

type flakyWriter struct{ fail bool }

func (w *flakyWriter) Write(p []byte) (int, error) {
	if w.fail {
		w.fail = false
		return 0, fmt.Errorf("boom")
	}
	return len(p), nil
}

// UT-DIAG-07: 写失败降级为禁用态
func TestTerminalDisableOnWriteError(t *testing.T) {
	term := NewTerminal(&flakyWriter{fail: true}, true)
	term.RunStart(1, "x")
	if term.enabled {
		t.Fatalf("写失败后应禁用")
	}
	term.DocStart("a", 0)
	term.LabelProgress(0, 0, 0)
	term.DocFinish(true, 0)
	term.RunFinish(true, 0)

	tty := NewTerminal(&flakyWriter{fail: true}, true)
	tty.isTTY = true
	tty.LabelProgress(1, 2, 0)
	if tty.enabled {
		t.Fatalf("inline 写失败后应禁用")
	}
	var tn *Terminal
	tn.RunStart(1, "x")
	tn.DocFinish(true, 0)
}

func TestTerminalHelpers(t *testing.T) {
	if got := shortenBase("/x/y/这是一个很长的文件名用于截断测试abcdefghijk.pdf", 10); visLen(got) != 10 || !strings.HasSuffix(got, "…") {
		t.Fatalf("shortenBase 截断错误: %q", got)
	}
	if shortenBase("x", 0) != "" {
		t.Fatalf("max<=0 应为空")
	}
	if safe("a\nb\rc") != "a b c" {
		t.Fatalf("safe replace failed")
	}
	if formatDur(0) != "0ms" || formatDur(1500*time.Millisecond) != "1.5s" {
		t.Fatalf("formatDur 错误")
	}
	t.Setenv("CI", "true")
	if NewTerminal(os.Stderr, true).isTTY {
		t.Fatalf("CI 环境应视为非 TTY")
	}
	SetTerminal(nil)
	if GetTerminal() != nil {
		t.Fatalf("expected nil terminal")
	}
	SetTerminal(NewTerminal(os.Stderr, false))
	if GetTerminal() == nil {
		t.Fatalf("expected non-nil terminal")
	}
	SetTerminal(nil)
}
