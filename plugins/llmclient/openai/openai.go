package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"llmdx/pkg/contract"
	"llmdx/plugins/llmclient/httpcommon"
)

// Options: 最小必需配置。
type Options struct {
	BaseURL        string   `json:"base_url"`        // 例如 https://api.openai.com/v1
	Model          string   `json:"model"`           // 为空则使用默认
	APIKeyEnv      string   `json:"api_key_env"`     // 优先从环境变量读取
	APIKey         string   `json:"api_key"`         // 明文传入（仅测试）
	TimeoutSeconds int      `json:"timeout_seconds"` // client 级超时（秒）
	Temperature    *float64 `json:"temperature,omitempty"`
	// 结构化输出的 schema 名称（response_format.json_schema.name）
	SchemaName string `json:"schema_name,omitempty"`
	// OpenAI 兼容服务：
	EndpointPath       string            `json:"endpoint_path"`        // 覆盖默认 /chat/completions；可为完整 URL
	DisableDefaultAuth bool              `json:"disable_default_auth"` // 关闭 Authorization: Bearer 注入
	ExtraHeaders       map[string]string `json:"extra_headers"`
}

func (o *Options) defaults() {
	if o.BaseURL == "" {
		o.BaseURL = "https://api.openai.com/v1"
	}
	if o.Model == "" {
		o.Model = "gpt-4.1-mini"
	}
	if o.APIKeyEnv == "" {
		o.APIKeyEnv = "OPENAI_API_KEY"
	}
	if o.EndpointPath == "" {
		o.EndpointPath = "/chat/completions"
	}
	if o.SchemaName == "" {
		o.SchemaName = "llmdx_payload"
	}
}

type Client struct {
	url         string
	apiKey      string
	temp        *float64
	model       string
	schemaName  string
	extraH      map[string]string
	disableAuth bool
	do          func(*http.Request) (*http.Response, error)
}

// New 从原样 JSON 选项构造客户端。
func New(raw json.RawMessage) (contract.LLMClient, error) {
	var opts Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &opts); err != nil {
			return nil, fmt.Errorf("openai options: %w", err)
		}
	}
	opts.defaults()
	key := opts.APIKey
	if key == "" {
		key = os.Getenv(opts.APIKeyEnv)
	}
	if key == "" {
		return nil, fmt.Errorf("openai: %w: missing api key", contract.ErrInvalidInput)
	}
	hc := httpcommon.Client(opts.TimeoutSeconds)
	return &Client{
		url:         httpcommon.JoinURL(opts.BaseURL, opts.EndpointPath),
		apiKey:      key,
		temp:        opts.Temperature,
		model:       opts.Model,
		schemaName:  opts.SchemaName,
		extraH:      opts.ExtraHeaders,
		disableAuth: opts.DisableDefaultAuth,
		do:          hc.Do,
	}, nil
}

type oaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type oaReq struct {
	Model          string            `json:"model"`
	Messages       []oaMessage       `json:"messages"`
	Temperature    *float64          `json:"temperature,omitempty"`
	ResponseFormat *oaResponseFormat `json:"response_format,omitempty"`
}

type oaResp struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// oaResponseFormat: Prompt 携带 schema 时使用 json_schema 严格模式。
type oaResponseFormat struct {
	Type       string        `json:"type"`
	JSONSchema *oaJSONSchema `json:"json_schema,omitempty"`
}

type oaJSONSchema struct {
	Name   string          `json:"name"`
	Schema json.RawMessage `json:"schema"`
	Strict bool            `json:"strict,omitempty"`
}

func (c *Client) encode(p contract.Prompt, schema json.RawMessage) ([]byte, error) {
	req := oaReq{Model: c.model, Temperature: c.temp}
	switch v := p.(type) {
	case contract.TextPrompt:
		req.Messages = []oaMessage{{Role: "user", Content: string(v)}}
	case contract.ChatPrompt:
		req.Messages = make([]oaMessage, 0, len(v))
		for _, m := range v {
			req.Messages = append(req.Messages, oaMessage{Role: strings.ToLower(strings.TrimSpace(m.Role)), Content: m.Content})
		}
	default:
		return nil, fmt.Errorf("openai: %w: unsupported prompt %T", contract.ErrInvalidInput, p)
	}
	if len(schema) > 0 {
		req.ResponseFormat = &oaResponseFormat{Type: "json_schema", JSONSchema: &oaJSONSchema{Name: c.schemaName, Schema: schema, Strict: true}}
	}
	return json.Marshal(&req)
}

// Invoke: 单次调用，同步返回。
// 429 → ErrRateLimited；5xx/408/网络 → ErrServiceUnavailable；其余 4xx → ErrInvalidInput。
func (c *Client) Invoke(ctx context.Context, p contract.Prompt) (contract.Raw, error) {
	pp, schema := httpcommon.SplitSchema(p)
	body, err := c.encode(pp, schema)
	if err != nil {
		return contract.Raw{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return contract.Raw{}, fmt.Errorf("openai: new request: %v: %w", err, contract.ErrInvalidInput)
	}
	if !c.disableAuth {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	httpcommon.SetHeaders(req, c.extraH)

	resp, err := c.do(req)
	if err != nil {
		return contract.Raw{}, httpcommon.TransportErr(ctx, "openai", err)
	}
	defer resp.Body.Close()
	if err := httpcommon.Check("openai", resp); err != nil {
		return contract.Raw{}, err
	}
	var or oaResp
	if err := json.NewDecoder(resp.Body).Decode(&or); err != nil {
		return contract.Raw{}, fmt.Errorf("openai: decode: %v: %w", err, contract.ErrResponseInvalid)
	}
	if len(or.Choices) == 0 || or.Choices[0].Message.Content == "" {
		return contract.Raw{}, fmt.Errorf("openai: empty choices: %w", contract.ErrResponseInvalid)
	}
	return contract.Raw{Text: or.Choices[0].Message.Content}, nil
}
