package contract

import (
	"context"
	"errors"
	"fmt"
)

// Writer/路径及领域不变量相关错误。
var (
	// ErrPathInvalid: 目标标识映射为无效/越界路径（例如绝对路径或 '..' 逃逸）。
	ErrPathInvalid = errors.New("path invalid")
	// ErrBudgetExceeded: 预算或配额不足（如 token 预算、上游配额）。
	ErrBudgetExceeded = errors.New("budget exceeded")
	// ErrInvariantViolation: 领域不变量违例（通用哨兵）。
	ErrInvariantViolation = errors.New("invariant violation")
	// ErrAnchorInvariant: 变换前后 id/anchor/label 不一致；致命，必须中止整个变换。
	ErrAnchorInvariant = errors.New("anchor invariant violation")
	// ErrExtractionFailed: 单个候选的抽取失败（记录并跳过）。
	ErrExtractionFailed = errors.New("extraction failed")
)

// Kind: 面向报告的错误种类。
type Kind string

const (
	KindRateLimited          Kind = "rate_limited"
	KindServiceUnavailable   Kind = "service_unavailable"
	KindTransformUnavailable Kind = "transform_unavailable"
	KindAnchorViolation      Kind = "anchor_invariant_violation"
	// KindNoMatch 不是错误，仅用于统计。
	KindNoMatch          Kind = "no_match"
	KindExtractionFailed Kind = "extraction_failed"
	KindCancelled        Kind = "cancelled"
)

// KindOf 将错误映射为报告种类。未知错误归为 extraction_failed（候选级失败的兜底）。
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAnchorInvariant):
		return KindAnchorViolation
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, ErrTransformUnavailable):
		return KindTransformUnavailable
	case errors.Is(err, ErrServiceUnavailable):
		return KindServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCancelled
	}
	var ue UpstreamError
	if errors.As(err, &ue) && (ue.UpstreamStatus()/100 == 5 || ue.UpstreamStatus() == 408) {
		return KindServiceUnavailable
	}
	return KindExtractionFailed
}

// AnchorViolation 描述一次锚点不变量违例。
type AnchorViolation struct {
	Pos        int
	WantID     int64
	GotID      int64
	WantAnchor int64
	GotAnchor  int64
	WantLabel  string
	GotLabel   string
}

func (e *AnchorViolation) Error() string {
	return fmt.Sprintf("anchor invariant violated at #%d: id %d→%d anchor %d→%d label %q→%q",
		e.Pos, e.WantID, e.GotID, e.WantAnchor, e.GotAnchor, e.WantLabel, e.GotLabel)
}

// Is 使 errors.Is 同时命中 ErrAnchorInvariant 与 ErrInvariantViolation。
func (e *AnchorViolation) Is(target error) bool {
	return target == ErrAnchorInvariant || target == ErrInvariantViolation
}

// CheckAnchor 断言 out 与 in 的 id/anchor/label 一致；pos 仅用于诊断。
func CheckAnchor(pos int, in, out SegmentRecord) error {
	if in.ID == out.ID && in.Anchor == out.Anchor && in.Label == out.Label {
		return nil
	}
	return &AnchorViolation{
		Pos: pos, WantID: in.ID, GotID: out.ID,
		WantAnchor: in.Anchor, GotAnchor: out.Anchor,
		WantLabel: in.Label, GotLabel: out.Label,
	}
}
