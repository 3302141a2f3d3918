package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"

	"llmdx/pkg/contract"
	"llmdx/plugins/llmclient/httpcommon"
)

// Options: Google Generative Language API (Gemini) 最小必需。
type Options struct {
	BaseURL        string `json:"base_url"`    // https://generativelanguage.googleapis.com
	Model          string `json:"model"`       // 默认 gemini-2.5-flash
	APIKeyEnv      string `json:"api_key_env"` // 默认 GOOGLE_API_KEY
	APIKey         string `json:"api_key"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
	// 可覆盖默认 /v1beta/models/{model}:generateContent；支持 {model} 占位
	EndpointPath  string            `json:"endpoint_path"`
	APIKeyInQuery *bool             `json:"api_key_in_query"` // 默认 true；false 时使用 x-goog-api-key 头
	ExtraHeaders  map[string]string `json:"extra_headers"`
	ExtraQuery    map[string]string `json:"extra_query"`
	// 仅当 Prompt 携带 schema 时生效；为空则使用 application/json
	ResponseMIMEType string `json:"response_mime_type,omitempty"`
}

func (o *Options) defaults() {
	if o.BaseURL == "" {
		o.BaseURL = "https://generativelanguage.googleapis.com"
	}
	if o.Model == "" {
		o.Model = "gemini-2.5-flash"
	}
	if o.APIKeyEnv == "" {
		o.APIKeyEnv = "GOOGLE_API_KEY"
	}
	if o.EndpointPath == "" {
		o.EndpointPath = "/v1beta/models/{model}:generateContent"
	}
	if o.APIKeyInQuery == nil {
		t := true
		o.APIKeyInQuery = &t
	}
	if o.ResponseMIMEType == "" {
		o.ResponseMIMEType = "application/json"
	}
}

type Client struct {
	url      string
	apiKey   string
	inQuery  bool
	extraH   map[string]string
	extraQ   map[string]string
	respMIME string
	do       func(*http.Request) (*http.Response, error)
}

func New(raw json.RawMessage) (contract.LLMClient, error) {
	var opts Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &opts); err != nil {
			return nil, fmt.Errorf("gemini options: %w", err)
		}
	}
	opts.defaults()
	key := opts.APIKey
	if key == "" {
		key = os.Getenv(opts.APIKeyEnv)
	}
	if key == "" {
		return nil, fmt.Errorf("gemini: %w: missing api key", contract.ErrInvalidInput)
	}
	path := strings.ReplaceAll(opts.EndpointPath, "{model}", url.PathEscape(opts.Model))
	hc := httpcommon.Client(opts.TimeoutSeconds)
	return &Client{
		url:      httpcommon.JoinURL(opts.BaseURL, path),
		apiKey:   key,
		inQuery:  *opts.APIKeyInQuery,
		extraH:   opts.ExtraHeaders,
		extraQ:   opts.ExtraQuery,
		respMIME: opts.ResponseMIMEType,
		do:       hc.Do,
	}, nil
}

type gmPart struct {
	Text string `json:"text"`
}

type gmContent struct {
	Role  string   `json:"role,omitempty"`
	Parts []gmPart `json:"parts"`
}

type gmGenerationConfig struct {
	ResponseMIMEType string          `json:"response_mime_type,omitempty"`
	ResponseSchema   json.RawMessage `json:"response_schema,omitempty"`
}

type gmReq struct {
	SystemInstruction *gmContent          `json:"systemInstruction,omitempty"`
	Contents          []gmContent         `json:"contents"`
	GenerationConfig  *gmGenerationConfig `json:"generationConfig,omitempty"`
}

type gmResp struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

// encode: system 消息并入 systemInstruction；其余角色映射为 user|model。
func encode(p contract.Prompt, gc *gmGenerationConfig) ([]byte, error) {
	req := gmReq{GenerationConfig: gc}
	switch v := p.(type) {
	case contract.TextPrompt:
		req.Contents = []gmContent{{Role: "user", Parts: []gmPart{{Text: string(v)}}}}
	case contract.ChatPrompt:
		for _, m := range v {
			role := strings.ToLower(strings.TrimSpace(m.Role))
			if role == "system" {
				if req.SystemInstruction == nil {
					req.SystemInstruction = &gmContent{}
				}
				req.SystemInstruction.Parts = append(req.SystemInstruction.Parts, gmPart{Text: m.Content})
				continue
			}
			req.Contents = append(req.Contents, gmContent{Role: geminiRole(role), Parts: []gmPart{{Text: m.Content}}})
		}
	default:
		return nil, fmt.Errorf("gemini: %w: unsupported prompt %T", contract.ErrInvalidInput, p)
	}
	if len(req.Contents) == 0 {
		return nil, fmt.Errorf("gemini: %w: empty contents", contract.ErrInvalidInput)
	}
	return json.Marshal(&req)
}

func geminiRole(r string) string {
	if r == "assistant" || r == "model" {
		return "model"
	}
	return "user"
}

func (c *Client) Invoke(ctx context.Context, p contract.Prompt) (contract.Raw, error) {
	pp, schema := httpcommon.SplitSchema(p)
	var gc *gmGenerationConfig
	if len(schema) > 0 {
		gc = &gmGenerationConfig{ResponseMIMEType: c.respMIME, ResponseSchema: schema}
	}
	body, err := encode(pp, gc)
	if err != nil {
		return contract.Raw{}, err
	}
	u, err := url.Parse(c.url)
	if err != nil {
		return contract.Raw{}, fmt.Errorf("gemini: invalid url: %v: %w", err, contract.ErrInvalidInput)
	}
	q := u.Query()
	if c.inQuery {
		q.Set("key", c.apiKey)
	}
	for k, v := range c.extraQ {
		if k != "" {
			q.Set(k, v)
		}
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return contract.Raw{}, fmt.Errorf("gemini: new request: %v: %w", err, contract.ErrInvalidInput)
	}
	httpcommon.SetHeaders(req, c.extraH)
	if !c.inQuery {
		req.Header.Set("x-goog-api-key", c.apiKey)
	}
	resp, err := c.do(req)
	if err != nil {
		return contract.Raw{}, httpcommon.TransportErr(ctx, "gemini", err)
	}
	defer resp.Body.Close()
	if err := httpcommon.Check("gemini", resp); err != nil {
		return contract.Raw{}, err
	}
	var gr gmResp
	if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
		return contract.Raw{}, fmt.Errorf("gemini: decode: %v: %w", err, contract.ErrResponseInvalid)
	}
	if len(gr.Candidates) == 0 || len(gr.Candidates[0].Content.Parts) == 0 || gr.Candidates[0].Content.Parts[0].Text == "" {
		return contract.Raw{}, fmt.Errorf("gemini: empty candidates: %w", contract.ErrResponseInvalid)
	}
	var sb strings.Builder
	for _, part := range gr.Candidates[0].Content.Parts {
		sb.WriteString(part.Text)
	}
	return contract.Raw{Text: sb.String()}, nil
}
