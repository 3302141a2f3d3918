package rate

import "time"

// bucket: 单维度令牌桶，按分钟容量线性回填。cap==0 表示该维度关闭。
type bucket struct {
	cap   int
	level float64
	rate  float64 // 每秒回填量
	last  time.Time
}

func newBucket(perMinute int, now time.Time) bucket {
	if perMinute <= 0 {
		return bucket{}
	}
	return bucket{cap: perMinute, level: float64(perMinute), rate: float64(perMinute) / 60.0, last: now}
}

func (b *bucket) enabled() bool { return b.cap > 0 }

// refill 按流逝时间回填；时钟回拨视为无时间流逝。
func (b *bucket) refill(now time.Time) {
	if !b.enabled() || !now.After(b.last) {
		return
	}
	b.level += now.Sub(b.last).Seconds() * b.rate
	if b.level > float64(b.cap) {
		b.level = float64(b.cap)
	}
	b.last = now
}

func (b *bucket) canTake(n int) bool {
	return !b.enabled() || n <= 0 || b.level >= float64(n)
}

func (b *bucket) take(n int) {
	if !b.enabled() || n <= 0 {
		return
	}
	b.level -= float64(n)
	if b.level < 0 {
		b.level = 0
	}
}

// wait 返回可消费 n 前仍需等待的时长。
func (b *bucket) wait(n int) time.Duration {
	if !b.enabled() || n <= 0 {
		return 0
	}
	deficit := float64(n) - b.level
	if deficit <= 0 {
		return 0
	}
	return time.Duration(deficit / b.rate * float64(time.Second))
}

func (b *bucket) avail() int {
	if !b.enabled() {
		return 0
	}
	switch {
	case b.level < 0:
		return 0
	case b.level > float64(b.cap):
		return b.cap
	default:
		return int(b.level)
	}
}
