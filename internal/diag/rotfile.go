package diag

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// 日志文件命名：当前文件 llmdx.jsonl，轮转文件 llmdx-<UTC 时间戳>.jsonl。
const (
	logBase     = "llmdx"
	logExt      = ".jsonl"
	CurrentLog  = logBase + logExt
	stampLayout = "20060102-150405.000000000"
)

// RotateOptions 为轮转参数。
type RotateOptions struct {
	MaxBytes   int64 // 单文件上限，<=0 取 10 MiB
	MaxBackups int   // 保留的轮转文件数，<=0 取 5
}

// RotatingFile 将 JSON 事件行写入目录下的 llmdx.jsonl。
// 约束：
// - 非空文件在写入将超过 MaxBytes 或跨越 UTC 日期时轮转；
// - 轮转后仅保留最新 MaxBackups 个轮转文件，更早的删除；
// - 启动时已有的旧日期文件在首次写入时轮转。
type RotatingFile struct {
	dir  string
	opts RotateOptions
	now  func() time.Time

	mu   sync.Mutex
	f    *os.File
	size int64
	day  string
}

func NewRotatingFile(dir string, opts RotateOptions) *RotatingFile {
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = 10 * 1024 * 1024
	}
	if opts.MaxBackups <= 0 {
		opts.MaxBackups = 5
	}
	return &RotatingFile{dir: dir, opts: opts, now: time.Now}
}

func (w *RotatingFile) WriteLine(b []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.open(); err != nil {
		return err
	}
	n := int64(len(b) + 1)
	if w.size > 0 && (w.size+n > w.opts.MaxBytes || w.today() != w.day) {
		if err := w.rotate(); err != nil {
			return err
		}
	}
	written, err := w.f.Write(append(b, '\n'))
	w.size += int64(written)
	return err
}

func (w *RotatingFile) today() string { return w.now().UTC().Format("20060102") }

func (w *RotatingFile) open() error {
	if w.f != nil {
		return nil
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(w.dir, CurrentLog), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	w.f, w.size, w.day = f, 0, w.today()
	if st, err := f.Stat(); err == nil && st.Size() > 0 {
		w.size = st.Size()
		w.day = st.ModTime().UTC().Format("20060102")
	}
	return nil
}

func (w *RotatingFile) rotate() error {
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
	}
	cur := filepath.Join(w.dir, CurrentLog)
	rotated := filepath.Join(w.dir, fmt.Sprintf("%s-%s%s", logBase, w.now().UTC().Format(stampLayout), logExt))
	if err := os.Rename(cur, rotated); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("rename rotated file: %w", err)
	}
	if err := w.prune(); err != nil {
		return err
	}
	return w.open()
}

// prune 删除超出保留数的最旧轮转文件；时间戳定长，按名称排序即按时间排序。
func (w *RotatingFile) prune() error {
	old, err := w.Backups()
	if err != nil {
		return err
	}
	for len(old) > w.opts.MaxBackups {
		if err := os.Remove(old[0]); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("prune rotated file: %w", err)
		}
		old = old[1:]
	}
	return nil
}

// Backups 返回现存轮转文件路径，由旧到新。
func (w *RotatingFile) Backups() ([]string, error) {
	out, err := filepath.Glob(filepath.Join(w.dir, logBase+"-*"+logExt))
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

// Close 关闭当前打开的文件句柄
func (w *RotatingFile) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f != nil {
		err := w.f.Close()
		w.f = nil
		return err
	}
	return nil
}
