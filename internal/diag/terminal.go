package diag

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"golang.org/x/term"
)

// Terminal: 终端信息提示（非日志）。
// - 输出到提供的 io.Writer（默认建议 stderr）。
// - TTY: 单行 \r 覆盖并着色；非 TTY: 关键节点分行打印，无颜色。
// - 并发安全；写失败后进入禁用态为 no-op。
type Terminal struct {
	w       io.Writer
	enabled bool
	isTTY   bool

	concurrency int
	llm         string
	docsDone    int
	runStart    time.Time

	// 当前文档
	curDoc      string // 短名（base + 截断）
	labelsTotal int
	labelsDone  int
	errCount    int

	lastLen   int
	lastFlush time.Time

	ok, fail, info *color.Color

	mu sync.Mutex
}

// 进程级终端（可选，全局设置后供 pipeline 旁路调用）。
var (
	curTermMu sync.RWMutex
	curTerm   *Terminal
)

// SetTerminal 设置全局终端指针（nil 可清除）。
func SetTerminal(t *Terminal) { curTermMu.Lock(); curTerm = t; curTermMu.Unlock() }

// GetTerminal 返回全局终端（可能为 nil）。
func GetTerminal() *Terminal { curTermMu.RLock(); defer curTermMu.RUnlock(); return curTerm }

// NewTerminal 构造终端提示器。
// enabled=false 时总是 no-op。
func NewTerminal(w io.Writer, enabled bool) *Terminal {
	if w == nil {
		w = os.Stderr
	}
	t := &Terminal{w: w, enabled: enabled}
	// CI 环境视为非 TTY
	if os.Getenv("CI") == "" {
		if f, ok := w.(*os.File); ok {
			t.isTTY = term.IsTerminal(int(f.Fd()))
		}
	}
	t.ok = color.New(color.FgGreen, color.Bold)
	t.fail = color.New(color.FgRed, color.Bold)
	t.info = color.New(color.FgCyan)
	t.setColor(t.isTTY && os.Getenv("NO_COLOR") == "")
	return t
}

func (t *Terminal) setColor(on bool) {
	for _, c := range []*color.Color{t.ok, t.fail, t.info} {
		if on {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
}

// RunStart: 记录运行上下文（并发、LLM）。
func (t *Terminal) RunStart(concurrency int, llm string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	t.concurrency = concurrency
	t.llm = llm
	t.docsDone = 0
	t.runStart = time.Now()
	t.println(fmt.Sprintf("%s 并发=%d | llm=%s", t.info.Sprint("[run]"), concurrency, safe(llm)))
}

// DocStart: 标记当前文档与计划标签数。
func (t *Terminal) DocStart(docID string, labelsTotal int) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	t.curDoc = shortenBase(docID, 48)
	t.labelsTotal = labelsTotal
	t.labelsDone = 0
	t.errCount = 0
	if !t.isTTY {
		t.println(fmt.Sprintf("[doc] %s | 标签=%d", t.curDoc, labelsTotal))
	}
}

// LabelProgress: 周期性进度（≥100ms 节流，仅 TTY）。
func (t *Terminal) LabelProgress(done, total, errs int) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled || !t.isTTY {
		return
	}
	t.labelsDone = done
	t.labelsTotal = total
	t.errCount = errs
	now := time.Now()
	if now.Sub(t.lastFlush) < 100*time.Millisecond {
		return
	}
	t.lastFlush = now
	line := fmt.Sprintf("[doc] %s | 标签 %d/%d | 错误 %d | 并发 %d | 用时 %s",
		t.curDoc, t.labelsDone, t.labelsTotal, t.errCount, t.concurrency, formatSince(t.runStart))
	t.printInline(line)
}

// DocFinish: 完成当前文档（立即刷新并换行）。
func (t *Terminal) DocFinish(ok bool, dur time.Duration) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	t.docsDone++
	tag := t.ok.Sprint("[done]")
	if !ok {
		tag = t.fail.Sprint("[fail]")
	}
	if t.isTTY && t.lastLen > 0 {
		t.printInline("")
	}
	t.println(fmt.Sprintf("%s %s | 标签 %d | 总用时 %s", tag, t.curDoc, t.labelsTotal, formatDur(dur)))
}

// RunFinish: 结束总览。
func (t *Terminal) RunFinish(ok bool, dur time.Duration) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	tag := t.ok.Sprint("[ok]")
	if !ok {
		tag = t.fail.Sprint("[fail]")
	}
	t.println(fmt.Sprintf("%s 全部完成 | 文档 %d | 总用时 %s", tag, t.docsDone, formatDur(dur)))
}

func (t *Terminal) println(s string) {
	if t == nil || !t.enabled {
		return
	}
	if _, err := io.WriteString(t.w, s+"\n"); err != nil {
		t.enabled = false
	}
	t.lastLen = 0
}

// printInline: \r + 内容；新行比旧行短时以空格清尾。
func (t *Terminal) printInline(s string) {
	if t == nil || !t.enabled {
		return
	}
	pad := 0
	if l := visLen(s); t.lastLen > l {
		pad = t.lastLen - l
	}
	var b strings.Builder
	b.WriteByte('\r')
	b.WriteString(s)
	if pad > 0 {
		b.WriteString(strings.Repeat(" ", pad))
	}
	if _, err := io.WriteString(t.w, b.String()); err != nil {
		t.enabled = false
		return
	}
	t.lastLen = visLen(s)
}

// shortenBase: 取基名并按 rune 截断（尾部省略号）。
func shortenBase(s string, max int) string {
	if max <= 0 {
		return ""
	}
	base := filepath.Base(strings.TrimSpace(s))
	if visLen(base) <= max {
		return base
	}
	cut := max - 1
	if cut < 1 {
		cut = 1
	}
	rs := []rune(base)
	return string(rs[:cut]) + "…"
}

func visLen(s string) int { return len([]rune(s)) }

func safe(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	return strings.ReplaceAll(s, "\r", " ")
}

func formatSince(t0 time.Time) string { return formatDur(time.Since(t0)) }

func formatDur(d time.Duration) string {
	if d < time.Second {
		ms := d.Milliseconds()
		if ms < 0 {
			ms = 0
		}
		return fmt.Sprintf("%dms", ms)
	}
	return fmt.Sprintf("%.1fs", float64(d.Milliseconds())/1000.0)
}
