package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"llmdx/pkg/contract"
)

// Options: 最小调试配置（可选）。
type Options struct {
	Prefix string `json:"prefix"` // 输出前缀，默认 "MOCK"
	// APIKey: 仅用于限流分组（调试用），不参与任何网络请求。
	APIKey string `json:"api_key"`
	// ResponseMode: 响应模式（用于集成测试与无网络联调）。
	//  - "auto"（默认）：会话含 <seg id> 块时按 "segments"，否则按 "facts"；
	//  - "facts": 按 json_schema 的 properties 逐字段产出 {"field":"<Prefix>:<field>"}；配置了 Facts 时原样返回；
	//  - "segments": 产出 [{id:int,text:string}]，text = Prefix + ": " + 原文；
	//  - "echo": 回显 Prompt 摘要。
	ResponseMode string `json:"response_mode,omitempty"`
	// Facts: 固定的抽取结果（facts 模式）。
	Facts map[string]any `json:"facts,omitempty"`
}

type Client struct {
	prefix string
	mode   string
	facts  map[string]any
}

func New(raw json.RawMessage) (contract.LLMClient, error) {
	var o Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &o); err != nil {
			return nil, fmt.Errorf("mock options: %w", err)
		}
	}
	if o.Prefix == "" {
		o.Prefix = "MOCK"
	}
	mode := strings.TrimSpace(o.ResponseMode)
	if mode == "" {
		mode = "auto"
	}
	switch mode {
	case "auto", "facts", "segments", "echo":
	default:
		return nil, fmt.Errorf("mock: %w: unknown response_mode %q", contract.ErrInvalidInput, mode)
	}
	return &Client{prefix: o.Prefix, mode: mode, facts: o.Facts}, nil
}

var segRe = regexp.MustCompile(`(?s)<seg id="(\d+)">\n?(.*?)\n?</seg>`)

func (c *Client) Invoke(ctx context.Context, p contract.Prompt) (contract.Raw, error) {
	if err := ctx.Err(); err != nil {
		return contract.Raw{}, err
	}
	mode := c.mode
	if mode == "auto" {
		mode = "facts"
		if segRe.MatchString(userText(p)) {
			mode = "segments"
		}
	}
	switch mode {
	case "segments":
		return c.segments(userText(p))
	case "facts":
		return c.factsFor(p)
	}
	switch v := p.(type) {
	case contract.TextPrompt:
		return contract.Raw{Text: fmt.Sprintf("%s(text): %s", c.prefix, string(v))}, nil
	case contract.ChatPrompt:
		if len(v) == 0 {
			return contract.Raw{Text: fmt.Sprintf("%s(chat): <empty>", c.prefix)}, nil
		}
		return contract.Raw{Text: fmt.Sprintf("%s(chat:%s): %s", c.prefix, v[0].Role, v[0].Content)}, nil
	default:
		return contract.Raw{Text: fmt.Sprintf("%s(unknown prompt type)", c.prefix)}, nil
	}
}

// segments: 逐条占位翻译，id 升序。
func (c *Client) segments(user string) (contract.Raw, error) {
	type item struct {
		ID   int64  `json:"id"`
		Text string `json:"text"`
	}
	ms := segRe.FindAllStringSubmatch(user, -1)
	if len(ms) == 0 {
		return contract.Raw{}, fmt.Errorf("mock: %w: no <seg> blocks", contract.ErrInvalidInput)
	}
	items := make([]item, 0, len(ms))
	for _, m := range ms {
		id, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return contract.Raw{}, fmt.Errorf("mock: bad seg id %q: %w", m[1], contract.ErrInvalidInput)
		}
		items = append(items, item{ID: id, Text: c.prefix + ": " + m[2]})
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	b, _ := json.Marshal(items)
	return contract.Raw{Text: string(b)}, nil
}

func (c *Client) factsFor(p contract.Prompt) (contract.Raw, error) {
	if len(c.facts) > 0 {
		b, err := json.Marshal(c.facts)
		if err != nil {
			return contract.Raw{}, fmt.Errorf("mock: facts: %v: %w", err, contract.ErrInvalidInput)
		}
		return contract.Raw{Text: string(b)}, nil
	}
	out := map[string]string{}
	if cp, ok := p.(contract.ChatPrompt); ok {
		for _, m := range cp {
			if !strings.EqualFold(strings.TrimSpace(m.Role), "json_schema") {
				continue
			}
			var s struct {
				Properties map[string]json.RawMessage `json:"properties"`
			}
			if json.Unmarshal([]byte(m.Content), &s) == nil {
				for k := range s.Properties {
					out[k] = c.prefix + ":" + k
				}
			}
		}
	}
	if len(out) == 0 {
		out["summary"] = c.prefix + ":summary"
	}
	b, _ := json.Marshal(out)
	return contract.Raw{Text: string(b)}, nil
}

// userText 拼接全部 user 消息。
func userText(p contract.Prompt) string {
	switch v := p.(type) {
	case contract.TextPrompt:
		return string(v)
	case contract.ChatPrompt:
		var sb strings.Builder
		for _, m := range v {
			if strings.EqualFold(strings.TrimSpace(m.Role), "user") {
				sb.WriteString(m.Content)
				sb.WriteByte('\n')
			}
		}
		return sb.String()
	}
	return ""
}

var _ contract.LLMClient = (*Client)(nil)
