// Package httpcommon 收拢 HTTP 型 LLM 客户端共用的错误映射、请求头与 schema 提取。
package httpcommon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"llmdx/pkg/contract"
)

// Error 为非 2xx 的上游响应。
// 同时实现 net.Error 与 contract.UpstreamError；errors.Is 按状态码命中：
// 429 → ErrRateLimited；5xx/408 → ErrServiceUnavailable；其余 4xx → ErrInvalidInput。
type Error struct {
	Provider string
	Status   int
	Msg      string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s upstream %d: %s", e.Provider, e.Status, e.Msg)
}
func (e *Error) Timeout() bool           { return e.Status == http.StatusRequestTimeout }
func (e *Error) Temporary() bool         { return e.Status/100 == 5 }
func (e *Error) UpstreamStatus() int     { return e.Status }
func (e *Error) UpstreamMessage() string { return e.Msg }

func (e *Error) Is(target error) bool {
	switch target {
	case contract.ErrRateLimited:
		return e.Status == http.StatusTooManyRequests
	case contract.ErrServiceUnavailable:
		return e.Status == http.StatusRequestTimeout || e.Status/100 == 5
	case contract.ErrInvalidInput:
		return e.Status/100 == 4 && e.Status != http.StatusTooManyRequests && e.Status != http.StatusRequestTimeout
	}
	return false
}

// Check 将非 2xx 响应映射为 *Error（读取至多 4KiB 响应体辅助定位）。
func Check(provider string, resp *http.Response) error {
	if resp.StatusCode/100 == 2 {
		return nil
	}
	slurp, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	return &Error{Provider: provider, Status: resp.StatusCode, Msg: strings.TrimSpace(string(slurp))}
}

// TransportErr 映射传输层错误：取消/超时原样返回 ctx 错误，其余视为服务不可用。
func TransportErr(ctx context.Context, provider string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
	}
	return fmt.Errorf("%s: %w: %w", provider, contract.ErrServiceUnavailable, err)
}

// Client 返回带超时的 HTTP 客户端；seconds<=0 取 60 秒。
func Client(seconds int) *http.Client {
	if seconds <= 0 {
		seconds = 60
	}
	return &http.Client{Timeout: time.Duration(seconds) * time.Second}
}

// JoinURL 拼接 base 与 path；path 已是完整 URL 时原样返回。
func JoinURL(base, path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}

// SetHeaders 写入 JSON 请求头、X-Request-ID 与附加头。
func SetHeaders(req *http.Request, extra map[string]string) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	for k, v := range extra {
		if k != "" {
			req.Header.Set(k, v)
		}
	}
}

// SplitSchema 取出 role=="json_schema" 的消息作为结构化输出 schema，并从会话中移除。
// 非 ChatPrompt 或 schema 无法解析时返回空 schema。
func SplitSchema(p contract.Prompt) (contract.Prompt, json.RawMessage) {
	cp, ok := p.(contract.ChatPrompt)
	if !ok {
		return p, nil
	}
	out := make(contract.ChatPrompt, 0, len(cp))
	var schema json.RawMessage
	for _, m := range cp {
		if strings.EqualFold(strings.TrimSpace(m.Role), "json_schema") {
			var raw json.RawMessage
			if json.Unmarshal([]byte(m.Content), &raw) == nil && len(raw) > 0 {
				schema = raw
			}
			continue
		}
		out = append(out, m)
	}
	return out, schema
}
