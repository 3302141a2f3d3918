package translate

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/template"

	"llmdx/pkg/contract"
	"llmdx/plugins/decoder/segjson"
)

// Options 为“批量片段翻译（Chat）”提示词的最小配置。
// - InlineSystemTemplate / SystemTemplatePath: system 提示模板（二选一，均为空时使用内置默认模板）。
// - InlineGlossary / GlossaryPath: 术语对照表（可选），自动拼接进 system 提示尾部。
type Options struct {
	InlineSystemTemplate string `json:"inline_system_template"`
	SystemTemplatePath   string `json:"system_template_path"`
	InlineGlossary       string `json:"inline_glossary"`
	GlossaryPath         string `json:"glossary_path"`
}

// Builder: 以一批记录构造 ChatPrompt（system+user+json_schema）。
// 运行期不做 I/O；模板在构造期解析。
type Builder struct {
	sysT *template.Template
	glos string
}

// New 创建批量翻译提示词构造器。
func New(opts *Options) (*Builder, error) {
	o := Options{}
	if opts != nil {
		o = *opts
	}
	src := defaultSystemTemplate
	if o.InlineSystemTemplate != "" {
		src = o.InlineSystemTemplate
	} else if o.SystemTemplatePath != "" {
		b, err := os.ReadFile(o.SystemTemplatePath)
		if err != nil {
			return nil, fmt.Errorf("system template read: %w", err)
		}
		src = string(b)
	}
	tpl, err := template.New("system").Parse(src)
	if err != nil {
		return nil, fmt.Errorf("system template parse: %w", err)
	}
	var glos string
	if o.InlineGlossary != "" {
		glos = o.InlineGlossary
	} else if o.GlossaryPath != "" {
		b, err := os.ReadFile(o.GlossaryPath)
		if err != nil {
			return nil, fmt.Errorf("glossary read: %w", err)
		}
		glos = string(b)
	}
	return &Builder{sysT: tpl, glos: glos}, nil
}

func (b *Builder) system(target string) (string, error) {
	var buf bytes.Buffer
	if err := b.sysT.Execute(&buf, struct{ Target string }{target}); err != nil {
		return "", err
	}
	if b.glos != "" {
		buf.WriteString("\n\n<glossary>\n")
		buf.WriteString(b.glos)
		if !strings.HasSuffix(b.glos, "\n") {
			buf.WriteByte('\n')
		}
		buf.WriteString("</glossary>")
	}
	return buf.String(), nil
}

// Build: 以记录批构造 ChatPrompt。每条记录以 <seg id> 块呈现，id 即记录 ID。
func (b *Builder) Build(ctx context.Context, recs []contract.SegmentRecord, target string) (contract.Prompt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("prompt: %w: empty batch records", contract.ErrInvalidInput)
	}
	sys, err := b.system(target)
	if err != nil {
		return nil, fmt.Errorf("system render: %v: %w", err, contract.ErrInvalidInput)
	}

	var uw bytes.Buffer
	uw.Grow(1024)
	uw.WriteString("### Segments\n\n<window>\n")
	for _, r := range recs {
		uw.WriteString("<seg id=\"")
		uw.WriteString(strconv.FormatInt(r.ID, 10))
		uw.WriteString("\">\n")
		uw.WriteString(r.Text)
		uw.WriteString("\n</seg>\n")
	}
	uw.WriteString("</window>\n")
	uw.WriteString(outputRules)
	uw.WriteString("targets: [")
	for i, r := range recs {
		if i > 0 {
			uw.WriteByte(',')
		}
		uw.WriteString(strconv.FormatInt(r.ID, 10))
	}
	uw.WriteString("]\n")

	return contract.ChatPrompt{
		{Role: "system", Content: sys},
		{Role: "user", Content: uw.String()},
		{Role: "json_schema", Content: segjson.SchemaJSON},
	}, nil
}

// EstimateOverheadTokens: 估算与批无关的固定开销（system+glossary+固定 user 规则+schema）。
func (b *Builder) EstimateOverheadTokens(estimate contract.TokenEstimator, target string) int {
	if estimate == nil {
		return 0
	}
	sys, _ := b.system(target)
	return estimate(sys) + estimate("### Segments\n\n<window>\n</window>\n"+outputRules+"targets: []\n") + estimate(segjson.SchemaJSON)
}

const outputRules = `
IMPORTANT OUTPUT RULES:
1) Translate EVERY seg listed in 'targets' below; keep numbers, units and proper names.
2) Return ONLY strict JSON (no markdown, no code fences, no commentary).
3) Schema: an array of objects [{"id": number, "text": string}] in the same order as the segs.
`

// 默认 system 模板。
const defaultSystemTemplate = `
## Role Definition
You are a professional translator for technical assessment reports. Translate every segment into {{if .Target}}{{.Target}}{{else}}English{{end}}.
Keep terminology consistent across segments and preserve tables, lists and line breaks.

## I/O Protocol (Very Important)
- The user message contains a <window> with several <seg id="..."> blocks.
- Translate each seg on its own. Do NOT merge, split, drop or renumber segs.
- If a <glossary> is present, its term mappings MUST take precedence.
- Output ONLY strict JSON according to the schema; do not include markdown/code fences.
`
