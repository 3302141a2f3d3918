// Package pdf 将 PDF 文档转为页码锚定的片段记录：anchor=页码，label=最近一个章节标题。
package pdf

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"regexp"
	"strings"
	"unicode"

	"github.com/ledongthuc/pdf"

	"llmdx/pkg/contract"
)

// Options: 可选配置。
type Options struct {
	// DefaultLabel: 首个标题之前内容的标签，默认 "Front Matter"。
	DefaultLabel string `json:"default_label"`
	// MaxHeadingRunes: 标题行最大长度，默认 90。
	MaxHeadingRunes int `json:"max_heading_runes"`
	// MaxBytes: 输入上限，默认 256MiB。
	MaxBytes int64 `json:"max_bytes"`
}

// Splitter 实现 contract.Splitter。
type Splitter struct {
	defLabel   string
	maxHeading int
	maxBytes   int64
}

// New 创建 PDF Splitter。
func New(opts *Options) *Splitter {
	s := &Splitter{defLabel: "Front Matter", maxHeading: 90, maxBytes: 256 << 20}
	if opts != nil {
		if strings.TrimSpace(opts.DefaultLabel) != "" {
			s.defLabel = strings.TrimSpace(opts.DefaultLabel)
		}
		if opts.MaxHeadingRunes > 0 {
			s.maxHeading = opts.MaxHeadingRunes
		}
		if opts.MaxBytes > 0 {
			s.maxBytes = opts.MaxBytes
		}
	}
	return s
}

// Page 为单页纯文本（Number 从 1 开始）。
type Page struct {
	Number int64
	Text   string
}

// Split 读取整份 PDF 并逐页抽取文本；不可读页跳过。
func (s *Splitter) Split(ctx context.Context, doc contract.DocID, r io.Reader) ([]contract.SegmentRecord, error) {
	b, err := io.ReadAll(io.LimitReader(r, s.maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > s.maxBytes {
		return nil, fmt.Errorf("pdf %s: %w: exceeds %d bytes", doc, contract.ErrInvalidInput, s.maxBytes)
	}
	pages, err := readPages(ctx, b)
	if err != nil {
		return nil, fmt.Errorf("pdf %s: %v: %w", doc, err, contract.ErrInvalidInput)
	}
	return s.FromPages(pages), nil
}

func readPages(ctx context.Context, b []byte) ([]Page, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("empty pdf content")
	}
	rd, err := pdf.NewReader(bytes.NewReader(b), int64(len(b)))
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}
	var pages []Page
	for i := 1; i <= rd.NumPage(); i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p := rd.Page(i)
		if p.V.IsNull() {
			continue
		}
		text, err := p.GetPlainText(nil)
		if err != nil {
			continue
		}
		pages = append(pages, Page{Number: int64(i), Text: text})
	}
	return pages, nil
}

// FromPages 按标题行切分：每遇到标题开始新片段，换页也开始新片段（保持单一锚点）。
// 片段 ID 自 1 递增；空白片段丢弃。
func (s *Splitter) FromPages(pages []Page) []contract.SegmentRecord {
	var out []contract.SegmentRecord
	label := s.defLabel
	var buf strings.Builder
	var anchor int64
	flush := func() {
		text := strings.TrimSpace(buf.String())
		buf.Reset()
		if text == "" || anchor <= 0 {
			return
		}
		out = append(out, contract.SegmentRecord{ID: int64(len(out) + 1), Anchor: anchor, Label: label, Text: text})
	}
	for _, pg := range pages {
		flush()
		anchor = pg.Number
		for _, ln := range strings.Split(strings.ReplaceAll(pg.Text, "\r\n", "\n"), "\n") {
			ln = strings.TrimSpace(ln)
			if ln == "" {
				continue
			}
			if s.isHeading(ln) {
				flush()
				label = ln
				continue
			}
			if buf.Len() > 0 {
				buf.WriteByte('\n')
			}
			buf.WriteString(ln)
		}
	}
	flush()
	return out
}

var (
	numberedHeading = regexp.MustCompile(`^(\d+(\.\d+)*\.?|[IVXLC]+\.|[A-Z]\))\s+\p{Lu}`)
	keywordHeading  = regexp.MustCompile(`(?i)^(section|chapter|part|annex|appendix)\s+[\dIVXLC]+\b`)
)

// isHeading: 编号标题、关键字标题或全大写短行；以句末标点结尾的行不算。
func (s *Splitter) isHeading(ln string) bool {
	if len([]rune(ln)) > s.maxHeading || strings.HasSuffix(ln, ".") || strings.HasSuffix(ln, ",") || strings.HasSuffix(ln, ";") {
		return false
	}
	if numberedHeading.MatchString(ln) || keywordHeading.MatchString(ln) {
		return true
	}
	letters, upper := 0, 0
	for _, r := range ln {
		if unicode.IsLetter(r) {
			letters++
			if unicode.IsUpper(r) {
				upper++
			}
		}
	}
	return letters >= 4 && upper == letters
}

var _ contract.Splitter = (*Splitter)(nil)
