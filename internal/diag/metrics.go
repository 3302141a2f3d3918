package diag

import (
	"sort"
	"strconv"
	"strings"
	"sync"
)

// 进程内指标（无导出器）。名称：
// - op_total{comp,stage,result}
// - error_total{comp,code}
// - op_duration_ms{comp,stage}（累加）
var (
	metMu sync.Mutex
	met   = map[string]int64{}
)

// IncOp 累加操作计数（result=success|error）。
func IncOp(comp, stage, result string) { add("op_total", 1, comp, stage, result) }

// IncError 按分类累加错误计数。
func IncError(comp, code string) { add("error_total", 1, comp, code) }

// ObserveDuration 记录阶段耗时（毫秒，累加）。
func ObserveDuration(comp, stage string, durMS int64) {
	add("op_duration_ms", durMS, comp, stage)
}

// Snapshot 返回当前计数副本，键形如 op_total{extract,finish,success}。
func Snapshot() map[string]int64 {
	metMu.Lock()
	defer metMu.Unlock()
	out := make(map[string]int64, len(met))
	for k, v := range met {
		out[k] = v
	}
	return out
}

// ResetMetrics 清空计数（测试用）。
func ResetMetrics() {
	metMu.Lock()
	met = map[string]int64{}
	metMu.Unlock()
}

// FormatSnapshot 以稳定顺序输出 "name=value" 行。
func FormatSnapshot(m map[string]int64) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(strconv.FormatInt(m[k], 10))
		b.WriteByte('\n')
	}
	return b.String()
}

func add(name string, n int64, labels ...string) {
	key := name + "{" + strings.Join(labels, ",") + "}"
	metMu.Lock()
	met[key] += n
	metMu.Unlock()
}

func itoa(n int) string { return strconv.Itoa(n) }
