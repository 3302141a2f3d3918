package rate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"llmdx/pkg/contract"
)

// LimitKey: 限流分组键（例如 provider+key 摘要）。
type LimitKey string

// Limits: 每分组的限额配置。0 表示该维度不启用。
type Limits struct {
	RPM             int // requests per minute
	TPM             int // tokens per minute
	MaxTokensPerReq int // 单次请求 token 上限，0 表示不限制
}

// Ask: 一次放行申请。
type Ask struct {
	Key      LimitKey
	Requests int // 必须 >=1
	Tokens   int // 预计 token（>=0）
}

// Budget: 所有工作者共享的限流预算。
// 每个分组持有 RPM/TPM 两个令牌桶与一个冷却截止时刻；同一分组的状态由一把锁保护。
// 限流失败后通过 Backoff 推迟冷却，其后的 Wait 会一直阻塞到冷却结束。
type Budget struct {
	clk   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu sync.Mutex
	m  map[LimitKey]*entry
}

type entry struct {
	mu       sync.Mutex
	lim      Limits
	req      bucket
	tok      bucket
	coolTill time.Time
}

// NewBudget 从静态配置构造预算；clk 为空则使用 time.Now。
func NewBudget(m map[LimitKey]Limits, clk func() time.Time) *Budget {
	if clk == nil {
		clk = time.Now
	}
	b := &Budget{clk: clk, sleep: sleepCtx, m: make(map[LimitKey]*entry, len(m))}
	now := clk()
	for k, lim := range m {
		b.m[k] = &entry{lim: lim, req: newBucket(lim.RPM, now), tok: newBucket(lim.TPM, now)}
	}
	return b
}

// get 返回分组；未配置的分组视为不限额，但仍参与冷却。
func (b *Budget) get(key LimitKey) *entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.m[key]
	if e == nil {
		e = &entry{}
		b.m[key] = e
	}
	return e
}

func (b *Budget) check(a Ask, e *entry) error {
	if a.Requests <= 0 || a.Tokens < 0 {
		return fmt.Errorf("rate: %w: requests=%d tokens=%d", contract.ErrInvalidInput, a.Requests, a.Tokens)
	}
	if e.lim.MaxTokensPerReq > 0 && a.Tokens > e.lim.MaxTokensPerReq {
		return fmt.Errorf("rate: %w: %d tokens over per-request cap %d", contract.ErrBudgetExceeded, a.Tokens, e.lim.MaxTokensPerReq)
	}
	// 超过桶容量的申请永远无法满足，直接失败而非无限等待。
	if e.lim.TPM > 0 && a.Tokens > e.lim.TPM {
		return fmt.Errorf("rate: %w: %d tokens over tpm %d", contract.ErrBudgetExceeded, a.Tokens, e.lim.TPM)
	}
	if e.lim.RPM > 0 && a.Requests > e.lim.RPM {
		return fmt.Errorf("rate: %w: %d requests over rpm %d", contract.ErrBudgetExceeded, a.Requests, e.lim.RPM)
	}
	return nil
}

// Try: 非阻塞尝试；冷却中或额度不足返回 false。
func (b *Budget) Try(a Ask) bool {
	if b == nil {
		return true
	}
	e := b.get(a.Key)
	if b.check(a, e) != nil {
		return false
	}
	now := b.clk()
	e.mu.Lock()
	defer e.mu.Unlock()
	if now.Before(e.coolTill) {
		return false
	}
	e.req.refill(now)
	e.tok.refill(now)
	if e.req.canTake(a.Requests) && e.tok.canTake(a.Tokens) {
		e.req.take(a.Requests)
		e.tok.take(a.Tokens)
		return true
	}
	return false
}

// Wait: 阻塞直到冷却结束且额度可用，或 ctx 取消；违反单请求上限时快速失败。
// nil Budget 总是立即放行。
func (b *Budget) Wait(ctx context.Context, a Ask) error {
	if b == nil {
		return ctx.Err()
	}
	e := b.get(a.Key)
	if err := b.check(a, e); err != nil {
		return err
	}
	const minSleep = 10 * time.Millisecond
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		now := b.clk()
		e.mu.Lock()
		var d time.Duration
		if now.Before(e.coolTill) {
			d = e.coolTill.Sub(now)
		} else {
			e.req.refill(now)
			e.tok.refill(now)
			if e.req.canTake(a.Requests) && e.tok.canTake(a.Tokens) {
				e.req.take(a.Requests)
				e.tok.take(a.Tokens)
				e.mu.Unlock()
				return nil
			}
			d = max(e.req.wait(a.Requests), e.tok.wait(a.Tokens)) + minSleep
		}
		e.mu.Unlock()
		if d < minSleep {
			d = minSleep
		}
		if err := b.sleep(ctx, d); err != nil {
			return err
		}
	}
}

// Backoff 记录一次限流退避：冷却截止推迟到 now+d（不回退），
// 返回实际应等待的时长 max(d, 剩余冷却)。
func (b *Budget) Backoff(key LimitKey, d time.Duration) time.Duration {
	if b == nil {
		return d
	}
	e := b.get(key)
	now := b.clk()
	e.mu.Lock()
	defer e.mu.Unlock()
	if till := now.Add(d); till.After(e.coolTill) {
		e.coolTill = till
	}
	return max(d, e.coolTill.Sub(now))
}

// Cooldown 返回分组剩余冷却时长（仅诊断）。
func (b *Budget) Cooldown(key LimitKey) time.Duration {
	if b == nil {
		return 0
	}
	e := b.get(key)
	now := b.clk()
	e.mu.Lock()
	defer e.mu.Unlock()
	if now.Before(e.coolTill) {
		return e.coolTill.Sub(now)
	}
	return 0
}

// Snapshot: 返回当前可用请求/令牌的向下取整估值（仅诊断）。
func (b *Budget) Snapshot(key LimitKey) (rpmAvail, tpmAvail int) {
	if b == nil {
		return 0, 0
	}
	e := b.get(key)
	now := b.clk()
	e.mu.Lock()
	defer e.mu.Unlock()
	e.req.refill(now)
	e.tok.refill(now)
	return e.req.avail(), e.tok.avail()
}

// sleepCtx 以最多 200ms 的步长睡眠，及时响应取消。
func sleepCtx(ctx context.Context, d time.Duration) error {
	const step = 200 * time.Millisecond
	for d > 0 {
		s := min(d, step)
		t := time.NewTimer(s)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		d -= s
	}
	return nil
}
