// Package extract 组合 PromptBuilder、LLMClient 与 FactDecoder，实现 LLM 驱动的抽取服务。
package extract

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"llmdx/internal/diag"
	"llmdx/pkg/contract"
)

// Service 为 contract.Extractor 的 LLM 实现。
// 约束：
// - 单次调用、无重试（重试由调用方的 invoke 层负责）；
// - 客户端错误原样返回，保留限流/不可用分类；
// - 解码失败统一归为 ErrResponseInvalid。
type Service struct {
	pb  contract.PromptBuilder
	llm contract.LLMClient
	dec contract.FactDecoder
	log *diag.Logger
}

// New 构造抽取服务；任一组件为空返回 ErrInvalidInput。
func New(pb contract.PromptBuilder, llm contract.LLMClient, dec contract.FactDecoder, logger *diag.Logger) (*Service, error) {
	if pb == nil || llm == nil || dec == nil {
		return nil, fmt.Errorf("extract: %w: prompt/llm/decoder required", contract.ErrInvalidInput)
	}
	return &Service{pb: pb, llm: llm, dec: dec, log: logger}, nil
}

// Extract 构造提示词、调用模型并解码事实。
func (s *Service) Extract(ctx context.Context, req contract.ExtractionRequest) (contract.Facts, error) {
	doc := string(req.DocID)
	p, err := s.pb.Build(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("extract build %s/%s: %w", req.Sector, req.Subsection, err)
	}

	timer := s.log.StartWithKV("llm_client", "invoke", doc, req.Label, map[string]string{
		"sector": req.Sector, "subsection": req.Subsection,
	})
	raw, err := s.llm.Invoke(ctx, p)
	if err != nil {
		s.log.Fail("llm_client", "invoke failed", err, doc, req.Label)
		return nil, err
	}
	timer.Finish("ok", int64(len(raw.Text)))

	facts, err := s.dec.Decode(ctx, req, raw)
	if err != nil {
		if !errors.Is(err, contract.ErrResponseInvalid) && ctx.Err() == nil {
			err = fmt.Errorf("%w: %w", contract.ErrResponseInvalid, err)
		}
		s.log.Fail("decoder", "decode failed", err, doc, req.Label)
		return nil, err
	}
	diag.IncOp("extract", "decode", "ok")
	s.log.DebugStart("extract", "facts", doc, req.Label, map[string]string{"count": strconv.Itoa(len(facts))})
	return facts, nil
}

var _ contract.Extractor = (*Service)(nil)
