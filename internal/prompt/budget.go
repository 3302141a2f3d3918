package prompt

import "llmdx/pkg/contract"

// MakeEstimator 返回近似 token 估算器：tokens ≈ ceil(len(utf8_bytes)/bytesPerToken)。
// bytesPerToken<=0 时采用默认 4。
func MakeEstimator(bytesPerToken int) contract.TokenEstimator {
	bpt := bytesPerToken
	if bpt <= 0 {
		bpt = 4
	}
	return func(s string) int {
		n := len(s)
		if n == 0 {
			return 0
		}
		return (n + bpt - 1) / bpt
	}
}

// RequestTokens 估算一次抽取请求的输入 token：固定开销 + 标签 + 正文 + 字段名。
// 用于限流预算的 TPM 申请；pb 为空时不计固定开销。
func RequestTokens(pb contract.PromptBuilder, bytesPerToken int, req contract.ExtractionRequest) int {
	est := MakeEstimator(bytesPerToken)
	n := est(req.Label) + est(req.Text)
	for _, f := range req.Fields {
		n += est(f)
	}
	if pb != nil {
		n += pb.EstimateOverheadTokens(est)
	}
	return n
}

// TextTokens 估算一组文本的 token 总量（变换批次的 TPM 申请）。
func TextTokens(bytesPerToken int, texts ...string) int {
	est := MakeEstimator(bytesPerToken)
	n := 0
	for _, t := range texts {
		n += est(t)
	}
	return n
}
