// Package jsonl 读取文档转换步骤产出的 JSONL 记录流，每行一条 {id, anchor, label, text, extra}。
package jsonl

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"llmdx/pkg/contract"
)

// Options: 可选配置。
type Options struct {
	// MaxLineBytes: 单行上限，默认 16MiB。
	MaxLineBytes int `json:"max_line_bytes"`
	// AllowUnknownFields: 允许未知字段（默认拒绝）。
	AllowUnknownFields bool `json:"allow_unknown_fields"`
}

// Splitter 实现 contract.Splitter。
type Splitter struct {
	maxLine int
	lenient bool
}

// New 创建 JSONL Splitter。
func New(opts *Options) *Splitter {
	s := &Splitter{maxLine: 16 << 20}
	if opts != nil {
		if opts.MaxLineBytes > 0 {
			s.maxLine = opts.MaxLineBytes
		}
		s.lenient = opts.AllowUnknownFields
	}
	return s
}

type line struct {
	ID     *int64        `json:"id"`
	Anchor int64         `json:"anchor"`
	Label  string        `json:"label"`
	Text   string        `json:"text"`
	Extra  contract.Meta `json:"extra,omitempty"`
}

// Split 逐行解码；空行跳过。
// 约束：id 必填；anchor 必须 > 0；id 不得重复。错误带行号并归为 ErrInvalidInput。
func (s *Splitter) Split(ctx context.Context, doc contract.DocID, r io.Reader) ([]contract.SegmentRecord, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, min(64*1024, s.maxLine)), s.maxLine)
	seen := make(map[int64]int)
	var out []contract.SegmentRecord
	n := 0
	for sc.Scan() {
		n++
		if n%256 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		b := bytes.TrimSpace(sc.Bytes())
		if len(b) == 0 {
			continue
		}
		dec := json.NewDecoder(bytes.NewReader(b))
		if !s.lenient {
			dec.DisallowUnknownFields()
		}
		var ln line
		if err := dec.Decode(&ln); err != nil {
			return nil, fmt.Errorf("jsonl %s:%d: %v: %w", doc, n, err, contract.ErrInvalidInput)
		}
		switch {
		case ln.ID == nil:
			return nil, fmt.Errorf("jsonl %s:%d: %w: missing id", doc, n, contract.ErrInvalidInput)
		case ln.Anchor <= 0:
			return nil, fmt.Errorf("jsonl %s:%d: %w: anchor %d must be > 0", doc, n, contract.ErrInvalidInput, ln.Anchor)
		}
		if prev, dup := seen[*ln.ID]; dup {
			return nil, fmt.Errorf("jsonl %s:%d: %w: duplicate id %d (line %d)", doc, n, contract.ErrInvalidInput, *ln.ID, prev)
		}
		seen[*ln.ID] = n
		out = append(out, contract.SegmentRecord{ID: *ln.ID, Anchor: ln.Anchor, Label: strings.TrimSpace(ln.Label), Text: ln.Text, Extra: ln.Extra})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("jsonl %s: %v: %w", doc, err, contract.ErrInvalidInput)
	}
	return out, nil
}

var _ contract.Splitter = (*Splitter)(nil)
