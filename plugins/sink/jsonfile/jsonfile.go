// Package jsonfile 经由 contract.Writer 写出 <doc>.report.json。
package jsonfile

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"llmdx/pkg/contract"
)

// Sink 实现 contract.ReportSink。
type Sink struct {
	w contract.Writer
}

// New 以 Writer 构造。
func New(w contract.Writer) (*Sink, error) {
	if w == nil {
		return nil, fmt.Errorf("jsonfile sink: %w: writer required", contract.ErrInvalidInput)
	}
	return &Sink{w: w}, nil
}

// ArtifactID 返回报告工件名。
func ArtifactID(doc contract.DocID) contract.ArtifactID {
	return contract.ArtifactID(doc.BaseName() + ".report.json")
}

// Save 以缩进 JSON 写出报告。
func (s *Sink) Save(ctx context.Context, r *contract.Report) error {
	if r == nil {
		return fmt.Errorf("jsonfile sink: %w: nil report", contract.ErrInvalidInput)
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(r); err != nil {
		return fmt.Errorf("jsonfile sink: %w", err)
	}
	return s.w.Write(ctx, ArtifactID(r.DocID), &buf)
}

var _ contract.ReportSink = (*Sink)(nil)
