package extract

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"
	"text/template"

	"llmdx/pkg/contract"
	"llmdx/plugins/decoder/factjson"
)

// Options 为“章节事实抽取（Chat）” PromptBuilder 的最小配置。
// - InlineSystemTemplate / SystemTemplatePath: system 提示模板（二选一，均为空时使用内置默认模板）。
// - InlineGuidance / GuidancePath: 领域补充说明（可选），以 <guidance> 包裹追加至 system 尾部。
type Options struct {
	InlineSystemTemplate string `json:"inline_system_template"`
	SystemTemplatePath   string `json:"system_template_path"`
	InlineGuidance       string `json:"inline_guidance"`
	GuidancePath         string `json:"guidance_path"`
}

// Builder: 以 ExtractionRequest 构造 ChatPrompt（system + user + json_schema）。
// 运行期不做 I/O；模板在构造期解析。
type Builder struct {
	sysT  *template.Template
	guide string
}

// sysData 为 system 模板可用字段。
type sysData struct {
	Sector     string
	Subsection string
	Fields     []string
}

// New 创建抽取 PromptBuilder。
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
	tpl, err := template.New("system").Option("missingkey=error").Parse(src)
	if err != nil {
		return nil, fmt.Errorf("system template parse: %w", err)
	}
	guide := o.InlineGuidance
	if guide == "" && o.GuidancePath != "" {
		b, err := os.ReadFile(o.GuidancePath)
		if err != nil {
			return nil, fmt.Errorf("guidance read: %w", err)
		}
		guide = string(b)
	}
	return &Builder{sysT: tpl, guide: guide}, nil
}

func (b *Builder) system(d sysData) (string, error) {
	var buf bytes.Buffer
	if err := b.sysT.Execute(&buf, d); err != nil {
		return "", err
	}
	if b.guide == "" {
		return buf.String(), nil
	}
	buf.WriteString("\n\n<guidance>\n")
	buf.WriteString(b.guide)
	if !strings.HasSuffix(b.guide, "\n") {
		buf.WriteByte('\n')
	}
	buf.WriteString("</guidance>")
	return buf.String(), nil
}

// Build: 基于抽取请求构造 ChatPrompt。
// 约束：字段为空时不附带 json_schema 消息（任意对象）。
func (b *Builder) Build(ctx context.Context, req contract.ExtractionRequest) (contract.Prompt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Text) == "" {
		return nil, fmt.Errorf("prompt: %w: empty section text", contract.ErrInvalidInput)
	}
	if req.Sector == "" || req.Subsection == "" {
		return nil, fmt.Errorf("prompt: %w: missing sector/subsection", contract.ErrInvalidInput)
	}
	sys, err := b.system(sysData{Sector: req.Sector, Subsection: req.Subsection, Fields: req.Fields})
	if err != nil {
		return nil, fmt.Errorf("system render: %v: %w", err, contract.ErrInvalidInput)
	}

	var uw bytes.Buffer
	uw.Grow(len(req.Text) + 256)
	uw.WriteString("### Section\n\n")
	fmt.Fprintf(&uw, "heading: %s\n", req.Label)
	fmt.Fprintf(&uw, "pages: %d-%d\n", req.AnchorFrom, req.AnchorTo)
	uw.WriteString("\n<section>\n")
	uw.WriteString(req.Text)
	uw.WriteString("\n</section>\n")
	uw.WriteString(userRules)
	if len(req.Fields) > 0 {
		uw.WriteString("fields: [")
		uw.WriteString(strings.Join(req.Fields, ", "))
		uw.WriteString("]\n")
	}

	msgs := []contract.Message{
		{Role: "system", Content: sys},
		{Role: "user", Content: uw.String()},
	}
	if len(req.Fields) > 0 {
		msgs = append(msgs, contract.Message{Role: "json_schema", Content: factjson.SchemaJSON(req.Fields)})
	}
	return contract.ChatPrompt(msgs), nil
}

// EstimateOverheadTokens: 估算与请求无关的固定开销（system+guidance+固定 user 规则）。
func (b *Builder) EstimateOverheadTokens(estimate contract.TokenEstimator) int {
	if estimate == nil {
		return 0
	}
	sys, _ := b.system(sysData{})
	return estimate(sys) + estimate("### Section\n\nheading: \npages: -\n\n<section>\n\n</section>\n"+userRules)
}

var _ contract.PromptBuilder = (*Builder)(nil)

const userRules = `
OUTPUT RULES:
1) Return ONLY one strict JSON object (no markdown, no code fences, no commentary).
2) Use exactly the listed field names as keys; use null when the section does not state a value.
3) Copy values from the section; do not infer or convert units.
`

// 默认 system 模板。
const defaultSystemTemplate = `
## Role Definition
You are an analyst extracting structured facts from environmental and social impact assessment reports.
{{- if .Sector}}
The current section was matched to the "{{.Sector}}" sector, subsection "{{.Subsection}}".
{{- end}}

## I/O Protocol (Very Important)
- The user message contains one report section inside <section>...</section>.
- Extract only facts stated in that section. Never invent values.
- When fields are listed, the output object has exactly those keys.
{{- if .Fields}}
- Fields: {{range $i, $f := .Fields}}{{if $i}}, {{end}}{{$f}}{{end}}
{{- end}}
`
