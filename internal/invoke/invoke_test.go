package invoke

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llmdx/internal/rate"
	"llmdx/pkg/contract"
)

// fakeTime 以模拟时间推进：sleep 直接拨快时钟。
type fakeTime struct {
	now   time.Time
	slept []time.Duration
}

func newFakeTime() *fakeTime { return &fakeTime{now: time.Unix(1_700_000_000, 0)} }

func (f *fakeTime) Now() time.Time { return f.now }

func (f *fakeTime) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.slept = append(f.slept, d)
	f.now = f.now.Add(d)
	return nil
}

func newInvoker(ft *fakeTime, p Policy, b *rate.Budget) *Invoker {
	return New(p, b, WithClock(ft.Now), WithSleeper(ft.Sleep))
}

type upstream429 struct{}

func (upstream429) Error() string           { return "upstream error" }
func (upstream429) UpstreamStatus() int     { return 429 }
func (upstream429) UpstreamMessage() string { return "" }

func TestTwoRateLimitsThenSuccess(t *testing.T) {
	ft := newFakeTime()
	p := Policy{InitialDelay: 2 * time.Second, Multiplier: 3, MaxAttempts: 5}
	iv := newInvoker(ft, p, nil)

	calls := 0
	var payload string
	tr, err := iv.Do(context.Background(), "k", func(context.Context) error {
		calls++
		if calls <= 2 {
			return fmt.Errorf("call %d: %w", calls, contract.ErrRateLimited)
		}
		payload = "facts"
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "facts", payload)
	assert.Equal(t, 3, tr.Attempts)
	assert.Equal(t, []time.Duration{2 * time.Second, 6 * time.Second}, tr.Delays)
	assert.Equal(t, 8*time.Second, tr.Elapsed, "initial + initial*multiplier")
	assert.Equal(t, []State{Attempting, RetryWait, Attempting, RetryWait, Attempting, Success}, tr.Transitions)
}

func TestAlwaysRateLimitedExhausts(t *testing.T) {
	ft := newFakeTime()
	iv := newInvoker(ft, Policy{InitialDelay: time.Second, Multiplier: 2, MaxAttempts: 4}, nil)

	calls := 0
	last := errors.New("HTTP 429 Too Many Requests")
	tr, err := iv.Do(context.Background(), "k", func(context.Context) error {
		calls++
		return last
	})
	require.Error(t, err)
	assert.Equal(t, 4, calls)
	assert.Equal(t, 4, tr.Attempts)
	assert.Len(t, tr.Delays, 3)
	assert.Equal(t, Failed, tr.Transitions[len(tr.Transitions)-1])

	assert.ErrorIs(t, err, contract.ErrRateLimited)
	assert.ErrorIs(t, err, last)
	assert.Equal(t, contract.KindRateLimited, contract.KindOf(err))
	var ie *Error
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, 4, ie.Attempts)
}

func TestOtherErrorNotRetried(t *testing.T) {
	ft := newFakeTime()
	iv := newInvoker(ft, DefaultPolicy(), nil)
	boom := fmt.Errorf("decode: %w", contract.ErrResponseInvalid)
	tr, err := iv.Do(context.Background(), "k", func(context.Context) error { return boom })
	assert.Same(t, boom, err)
	assert.Equal(t, 1, tr.Attempts)
	assert.Empty(t, tr.Delays)
	assert.Empty(t, ft.slept)
}

func TestRateLimitedClassification(t *testing.T) {
	p := DefaultPolicy()
	assert.True(t, p.RateLimited(contract.ErrRateLimited))
	assert.True(t, p.RateLimited(upstream429{}))
	assert.True(t, p.RateLimited(errors.New("RESOURCE_EXHAUSTED: try later")))
	assert.True(t, p.RateLimited(errors.New("Quota exceeded for model")))
	assert.False(t, p.RateLimited(contract.ErrServiceUnavailable))
	assert.False(t, p.RateLimited(nil))

	custom := Policy{Signatures: []string{"slow down"}}
	assert.True(t, custom.RateLimited(errors.New("please SLOW DOWN")))
	assert.False(t, custom.RateLimited(errors.New("too many requests")))
}

func TestPolicyDelayAndValidate(t *testing.T) {
	p := Policy{InitialDelay: 100 * time.Millisecond, Multiplier: 2, MaxAttempts: 3}
	assert.Equal(t, 100*time.Millisecond, p.Delay(0))
	assert.Equal(t, 400*time.Millisecond, p.Delay(2))
	require.NoError(t, p.Validate())
	assert.ErrorIs(t, Policy{Multiplier: 0.5, MaxAttempts: 1}.Validate(), contract.ErrInvalidInput)
	assert.ErrorIs(t, Policy{Multiplier: 1, MaxAttempts: 0}.Validate(), contract.ErrInvalidInput)
}

func TestSharedCooldownExtendsDelay(t *testing.T) {
	ft := newFakeTime()
	b := rate.NewBudget(nil, ft.Now)
	iv := newInvoker(ft, Policy{InitialDelay: time.Second, Multiplier: 2, MaxAttempts: 2}, b)

	calls := 0
	tr, err := iv.Do(context.Background(), "k", func(context.Context) error {
		calls++
		if calls == 1 {
			// 另一工作者同时触发 10s 冷却
			b.Backoff("k", 10*time.Second)
			return contract.ErrRateLimited
		}
		return nil
	})
	require.NoError(t, err)
	require.Len(t, tr.Delays, 1)
	assert.Equal(t, 10*time.Second, tr.Delays[0])
}

func TestCancelDuringRetryWait(t *testing.T) {
	ft := newFakeTime()
	ctx, cancel := context.WithCancel(context.Background())
	iv := newInvoker(ft, DefaultPolicy(), nil)
	tr, err := iv.Do(ctx, "k", func(context.Context) error {
		cancel()
		return contract.ErrRateLimited
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, contract.ErrRateLimited)
	assert.Equal(t, contract.KindCancelled, contract.KindOf(err))
	assert.Equal(t, 1, tr.Attempts)
}

func TestBudgetRejectsAsk(t *testing.T) {
	ft := newFakeTime()
	b := rate.NewBudget(map[rate.LimitKey]rate.Limits{"k": {MaxTokensPerReq: 10}}, ft.Now)
	iv := newInvoker(ft, DefaultPolicy(), b)
	called := false
	_, err := iv.DoAsk(context.Background(), rate.Ask{Key: "k", Requests: 1, Tokens: 11}, func(context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, contract.ErrBudgetExceeded)
	assert.False(t, called)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "retry_wait", RetryWait.String())
	assert.Equal(t, "unknown", State(9).String())
}

type upstreamStatus struct {
	status int
	msg    string
}

func (u upstreamStatus) Error() string           { return fmt.Sprintf("upstream %d: %s", u.status, u.msg) }
func (u upstreamStatus) UpstreamStatus() int     { return u.status }
func (u upstreamStatus) UpstreamMessage() string { return u.msg }

// 已归类的非限流错误即使消息含限流字样或数字也不重试。
func TestTypedErrorsSkipSignatures(t *testing.T) {
	cases := []struct {
		name string
		err  error
	}{
		{"service_unavailable", fmt.Errorf("openai: %w: dial tcp 10.0.0.7:4290: rate limit proxy down", contract.ErrServiceUnavailable)},
		{"upstream_400", upstreamStatus{400, "max_tokens must be <= 4296; too many requests in batch"}},
		{"upstream_503", upstreamStatus{503, "request 18429 overloaded, quota exceeded"}},
		{"response_invalid", fmt.Errorf("decode: %w: rate limit field missing", contract.ErrResponseInvalid)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ft := newFakeTime()
			iv := newInvoker(ft, DefaultPolicy(), nil)
			calls := 0
			tr, err := iv.Do(context.Background(), "k", func(context.Context) error {
				calls++
				return tc.err
			})
			assert.Equal(t, 1, calls)
			assert.Equal(t, 1, tr.Attempts)
			assert.Empty(t, ft.slept)
			assert.Equal(t, tc.err, err)
			assert.NotErrorIs(t, err, contract.ErrRateLimited)
			assert.NotEqual(t, contract.KindRateLimited, contract.KindOf(err))
		})
	}
	assert.True(t, DefaultPolicy().RateLimited(upstreamStatus{429, ""}))
	assert.False(t, DefaultPolicy().RateLimited(errors.New("listening on :8429")))
}
