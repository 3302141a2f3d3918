package invoke

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"llmdx/internal/diag"
	"llmdx/internal/rate"
	"llmdx/pkg/contract"
)

// State 为重试状态机的状态。
type State int

const (
	Attempting State = iota
	Success
	RetryWait
	Failed
)

func (s State) String() string {
	switch s {
	case Attempting:
		return "attempting"
	case Success:
		return "success"
	case RetryWait:
		return "retry_wait"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// DefaultSignatures 为识别限流的消息片段（大小写不敏感）。
var DefaultSignatures = []string{"rate limit", "too many requests", "resource_exhausted", "quota exceeded"}

// Policy 为重试策略。MaxAttempts 含首次尝试。
type Policy struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxAttempts  int
	Signatures   []string
}

// DefaultPolicy: 1s 起步、倍数 2、至多 5 次。
func DefaultPolicy() Policy {
	return Policy{InitialDelay: time.Second, Multiplier: 2, MaxAttempts: 5, Signatures: DefaultSignatures}
}

// Validate 校验策略参数。
func (p Policy) Validate() error {
	if p.InitialDelay < 0 || p.Multiplier < 1 || p.MaxAttempts < 1 {
		return fmt.Errorf("invoke: %w: policy initial=%s multiplier=%g max_attempts=%d",
			contract.ErrInvalidInput, p.InitialDelay, p.Multiplier, p.MaxAttempts)
	}
	return nil
}

// Delay 返回第 attempt 次失败（从 0 起）后的退避时长。
func (p Policy) Delay(attempt int) time.Duration {
	return time.Duration(float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt)))
}

// RateLimited 判定错误是否属于限流：哨兵、上游 429 或消息签名。
// 约束：已有其他类型归属（非 429 的上游状态、服务不可用、输入/响应无效）的错误不做签名匹配。
func (p Policy) RateLimited(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, contract.ErrRateLimited) {
		return true
	}
	var ue contract.UpstreamError
	if errors.As(err, &ue) {
		return ue.UpstreamStatus() == 429
	}
	if errors.Is(err, contract.ErrServiceUnavailable) ||
		errors.Is(err, contract.ErrInvalidInput) ||
		errors.Is(err, contract.ErrResponseInvalid) ||
		errors.Is(err, contract.ErrTransformUnavailable) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, s := range p.Signatures {
		if s != "" && strings.Contains(msg, strings.ToLower(s)) {
			return true
		}
	}
	return false
}

// Error 为重试耗尽或等待期间被取消时的终态错误。
type Error struct {
	Kind     contract.Kind
	Attempts int
	Err      error // 最后一次错误
}

func (e *Error) Error() string {
	return fmt.Sprintf("invoke: %s after %d attempt(s): %v", e.Kind, e.Attempts, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is 使限流耗尽始终命中 contract.ErrRateLimited（即使最后错误仅靠签名识别）。
func (e *Error) Is(target error) bool {
	return target == contract.ErrRateLimited && e.Kind == contract.KindRateLimited
}

// Trace 记录一次调用的诊断轨迹。
type Trace struct {
	Attempts    int
	Delays      []time.Duration
	Elapsed     time.Duration
	Transitions []State
}

// Invoker 将单次调用包装为有界重试的状态机；可被多个工作者共享。
type Invoker struct {
	policy Policy
	budget *rate.Budget
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	log    *diag.Logger
}

// Option 为 Invoker 的可选注入项。
type Option func(*Invoker)

// WithClock 注入时钟（测试用模拟时间）。
func WithClock(now func() time.Time) Option { return func(iv *Invoker) { iv.now = now } }

// WithSleeper 注入可取消的睡眠函数。
func WithSleeper(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(iv *Invoker) { iv.sleep = fn }
}

// WithLogger 注入日志器。
func WithLogger(l *diag.Logger) Option { return func(iv *Invoker) { iv.log = l } }

// New 构造 Invoker；budget 可为 nil（不限额、无共享冷却）。
func New(p Policy, budget *rate.Budget, opts ...Option) *Invoker {
	if p.Signatures == nil {
		p.Signatures = DefaultSignatures
	}
	iv := &Invoker{policy: p, budget: budget, now: time.Now, sleep: sleepCtx}
	for _, o := range opts {
		o(iv)
	}
	return iv
}

// Policy 返回生效策略。
func (iv *Invoker) Policy() Policy { return iv.policy }

// Do 以一次请求的额度调用 fn。
func (iv *Invoker) Do(ctx context.Context, key rate.LimitKey, fn func(ctx context.Context) error) (Trace, error) {
	return iv.DoAsk(ctx, rate.Ask{Key: key, Requests: 1}, fn)
}

// DoAsk 运行状态机：
// Attempting → Success | RetryWait → Attempting | Failed。
// 约束：
// - 每次尝试前 Budget.Wait；
// - 非限流错误原样返回，不重试；
// - 限流错误按 InitialDelay*Multiplier^n 退避，并与共享冷却取大；
// - 尝试 MaxAttempts 次后返回 *Error{Kind: rate_limited}。
func (iv *Invoker) DoAsk(ctx context.Context, ask rate.Ask, fn func(ctx context.Context) error) (Trace, error) {
	var tr Trace
	start := iv.now()
	state := Attempting
	var last, final error
	failures := 0
	for {
		tr.Transitions = append(tr.Transitions, state)
		switch state {
		case Attempting:
			if err := iv.budget.Wait(ctx, ask); err != nil {
				final = iv.budgetErr(err, tr.Attempts, last)
				state = Failed
				continue
			}
			tr.Attempts++
			last = fn(ctx)
			switch {
			case last == nil:
				state = Success
			case !iv.policy.RateLimited(last):
				final = last
				state = Failed
			case tr.Attempts >= iv.policy.MaxAttempts:
				final = &Error{Kind: contract.KindRateLimited, Attempts: tr.Attempts, Err: last}
				state = Failed
			default:
				state = RetryWait
			}
		case RetryWait:
			d := iv.budget.Backoff(ask.Key, iv.policy.Delay(failures))
			failures++
			tr.Delays = append(tr.Delays, d)
			iv.log.Warn("invoke", "rate_limited", "retrying after rate limit: "+last.Error(), "", map[string]string{
				"key": string(ask.Key), "attempt": strconv.Itoa(tr.Attempts), "delay_ms": strconv.FormatInt(d.Milliseconds(), 10),
			})
			diag.IncOp("invoke", "retry", "error")
			if err := iv.sleep(ctx, d); err != nil {
				final = &Error{Kind: contract.KindCancelled, Attempts: tr.Attempts, Err: err}
				state = Failed
				continue
			}
			state = Attempting
		case Success:
			tr.Elapsed = iv.now().Sub(start)
			diag.IncOp("invoke", "finish", "success")
			return tr, nil
		case Failed:
			tr.Elapsed = iv.now().Sub(start)
			diag.IncOp("invoke", "finish", "error")
			return tr, final
		}
	}
}

// budgetErr: 等待额度时的失败。取消归为 cancelled，其余原样返回。
func (iv *Invoker) budgetErr(err error, attempts int, last error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		if last != nil {
			err = fmt.Errorf("%w (last: %v)", err, last)
		}
		return &Error{Kind: contract.KindCancelled, Attempts: attempts, Err: err}
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
