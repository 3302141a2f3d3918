package flaky

import (
	"context"
	"encoding/json"
	"os"
	"sync/atomic"

	"llmdx/pkg/contract"
	"llmdx/plugins/llmclient/mock"
)

// Options 定义可选项。
type Options struct {
	Prefix string `json:"prefix"`
	// LogPath: 调试用日志文件，记录每次调用结果（可选）。
	LogPath string `json:"log_path,omitempty"`
	// RateLimitedCalls: 开头连续返回 ErrRateLimited 的次数，默认 1。
	RateLimitedCalls int `json:"rate_limited_calls,omitempty"`
	// InvalidCalls: 限流之后返回无法解析载荷的次数，默认 1。
	InvalidCalls *int `json:"invalid_calls,omitempty"`
}

// Client 是带状态的 LLM 实现：
// 先返回 RateLimitedCalls 次 ErrRateLimited；
// 再返回 InvalidCalls 次无法解析的文本；
// 之后委托 mock（auto 模式）。
type Client struct {
	logPath string
	limited int32
	invalid int32
	count   atomic.Int32
	next    contract.LLMClient
}

// New 构造 Client。
func New(raw json.RawMessage) (contract.LLMClient, error) {
	var o Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &o); err != nil {
			return nil, err
		}
	}
	if o.Prefix == "" {
		o.Prefix = "FLAKY"
	}
	if o.RateLimitedCalls <= 0 {
		o.RateLimitedCalls = 1
	}
	invalid := 1
	if o.InvalidCalls != nil && *o.InvalidCalls >= 0 {
		invalid = *o.InvalidCalls
	}
	next, err := mock.New(json.RawMessage(`{"prefix":` + quote(o.Prefix) + `}`))
	if err != nil {
		return nil, err
	}
	return &Client{logPath: o.LogPath, limited: int32(o.RateLimitedCalls), invalid: int32(invalid), next: next}, nil
}

func quote(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func (c *Client) log(s string) {
	if c.logPath == "" {
		return
	}
	_ = appendFile(c.logPath, s+"\n")
}

// appendFile 以追加方式写入。
func appendFile(path, s string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(s)
	return err
}

// Invoke 实现 contract.LLMClient。
func (c *Client) Invoke(ctx context.Context, p contract.Prompt) (contract.Raw, error) {
	n := c.count.Add(1)
	switch {
	case n <= c.limited:
		c.log("rate_limited")
		return contract.Raw{}, contract.ErrRateLimited
	case n <= c.limited+c.invalid:
		c.log("invalid_json")
		return contract.Raw{Text: "invalid"}, nil
	}
	c.log("ok")
	return c.next.Invoke(ctx, p)
}

// Calls 返回累计调用次数。
func (c *Client) Calls() int { return int(c.count.Load()) }

var _ contract.LLMClient = (*Client)(nil)
