package contract

// UpstreamError 承载 HTTP 上游错误的最小诊断信息。
// 调用层据此识别 429 限流签名，并将状态码/消息写入结构化日志字段。
type UpstreamError interface {
	error
	UpstreamStatus() int
	UpstreamMessage() string
}
