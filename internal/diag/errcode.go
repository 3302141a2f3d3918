package diag

import (
	"context"
	"errors"
	"net"
	"os"
	"time"

	"llmdx/pkg/contract"
)

// Code 是最小错误分类代码。
// 仅用于日志/指标汇总，与退出码及报告中的 contract.Kind 解耦。
type Code string

const (
	CodeUnknown   Code = "unknown"
	CodeNetwork   Code = "network"
	CodeUpstream  Code = "upstream"
	CodeProtocol  Code = "protocol"
	CodeInvariant Code = "invariant"
	CodeBudget    Code = "budget"
	CodeCancel    Code = "cancel"
	CodeIO        Code = "io"
)

// Classify 将错误归为最小分类。
// 说明：仅依赖哨兵错误与标准库错误类型，不做字符串匹配。
func Classify(err error) Code {
	if err == nil {
		return CodeUnknown
	}
	// 取消/超时优先
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return CodeCancel
	}
	// 预算/配额
	if errors.Is(err, contract.ErrBudgetExceeded) || errors.Is(err, contract.ErrRateLimited) {
		return CodeBudget
	}
	// 上游不可用
	if errors.Is(err, contract.ErrServiceUnavailable) || errors.Is(err, contract.ErrTransformUnavailable) {
		return CodeUpstream
	}
	// 协议/解码
	if errors.Is(err, contract.ErrResponseInvalid) {
		return CodeProtocol
	}
	// 不变量
	if errors.Is(err, contract.ErrInvariantViolation) ||
		errors.Is(err, contract.ErrInvalidInput) ||
		errors.Is(err, contract.ErrPathInvalid) {
		return CodeInvariant
	}
	// 上游 5xx/408（客户端错误类型同时实现 net.Error，需先于网络判定）
	var ue contract.UpstreamError
	if errors.As(err, &ue) && (ue.UpstreamStatus() >= 500 || ue.UpstreamStatus() == 408) {
		return CodeUpstream
	}
	// I/O
	var perr *os.PathError
	if errors.As(err, &perr) {
		return CodeIO
	}
	// 网络（连接/超时等）
	var nerr net.Error
	if errors.As(err, &nerr) {
		return CodeNetwork
	}
	return CodeUnknown
}

// Fail 记录一次组件失败：error 事件 + 计数，返回分类码。
func (l *Logger) Fail(comp, msg string, err error, docID, label string) Code {
	code := Classify(err)
	if l != nil {
		var kv map[string]string
		var ue contract.UpstreamError
		if errors.As(err, &ue) {
			kv = map[string]string{"http_status": itoa(ue.UpstreamStatus())}
			if m := ue.UpstreamMessage(); m != "" {
				if len(m) > 200 {
					m = m[:200]
				}
				kv["upstream_msg"] = m
			}
		}
		l.ErrorWithKV(comp, string(code), msg+": "+err.Error(), nil, docID, label, kv)
	}
	IncOp(comp, "error", "error")
	if code != CodeUnknown {
		IncError(comp, string(code))
	}
	return code
}

// NowUTC 返回 RFC3339 UTC 时间字符串（用于结构化日志字段 ts）。
func NowUTC() string { return time.Now().UTC().Format(time.RFC3339) }
