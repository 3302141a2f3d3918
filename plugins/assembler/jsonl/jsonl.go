// Package jsonl 将记录序列序列化为自包含的 JSONL 记录流。
package jsonl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"llmdx/pkg/contract"
)

type assembler struct{}

// New 创建 JSONL 装配器（无配置）。
func New(json.RawMessage) (contract.Assembler, error) { return assembler{}, nil }

// Assemble 每条记录一行 {id, anchor, label, text, extra}，保持输入顺序。
// 锚点非正时返回 ErrInvariantViolation。
func (assembler) Assemble(ctx context.Context, doc contract.DocID, recs []contract.SegmentRecord) (io.Reader, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, r := range recs {
		if r.Anchor <= 0 {
			return nil, fmt.Errorf("assemble %s: record %d (pos %d) anchor %d: %w", doc, r.ID, i, r.Anchor, contract.ErrInvariantViolation)
		}
		if err := enc.Encode(r); err != nil {
			return nil, fmt.Errorf("assemble %s: record %d: %w", doc, r.ID, err)
		}
	}
	return &buf, nil
}
