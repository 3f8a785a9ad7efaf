package openai_compat

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"polybot/internal/providers"
)

const adapterName = "openai"

// searchTool is attached when search is requested against the vendor's own
// endpoint. Third-party compatible backends are not guaranteed to support
// tool calling, so for them the instruction is folded into the prompt.
var searchTool = map[string]any{
	"type": "function",
	"function": map[string]any{
		"name":        "web_search",
		"description": "Search the web for current information before answering.",
		"parameters": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{"type": "string"},
			},
			"required": []string{"query"},
		},
	},
}

const searchInstruction = "Use up-to-date web knowledge and cite sources where possible. "

type Client struct {
	http *providers.Client
}

func New(httpClient *providers.Client) *Client {
	return &Client{http: httpClient}
}

var _ providers.Adapter = (*Client)(nil)

func (c *Client) Compat() providers.Compat { return providers.CompatOpenAI }

func (c *Client) Chat(ctx context.Context, req providers.ChatRequest) (providers.TextResult, error) {
	turns := req.Turns
	native := isVendorEndpoint(req.Provider.BaseURL)
	if req.UseSearch && !native && len(turns) > 0 {
		turns = foldSearchInstruction(turns)
	}

	messages := make([]map[string]any, 0, len(turns))
	for _, t := range turns {
		messages = append(messages, map[string]any{"role": t.Role, "content": t.Content})
	}
	payload := map[string]any{
		"model":    req.Model,
		"messages": messages,
	}
	if req.MaxTokens > 0 {
		payload["max_tokens"] = req.MaxTokens
	}
	if req.UseSearch && native {
		payload["tools"] = []any{searchTool}
	}

	body, err := c.post(ctx, req.Provider, "/chat/completions", payload, providers.TimeoutChat, req.Model)
	if err != nil {
		return providers.TextResult{}, err
	}
	text, err := parseChatCompletions(body)
	if err != nil {
		return providers.TextResult{}, &providers.UpstreamError{Adapter: adapterName, Model: req.Model, Status: http.StatusOK, Msg: err.Error()}
	}
	return providers.TextResult{Text: text}, nil
}

func (c *Client) Vision(ctx context.Context, req providers.VisionRequest) (providers.TextResult, error) {
	mime := req.MimeType
	if mime == "" {
		mime = "image/jpeg"
	}
	dataURL := "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(req.Image)
	payload := map[string]any{
		"model": req.Model,
		"messages": []map[string]any{{
			"role": "user",
			"content": []map[string]any{
				{"type": "text", "text": req.Prompt},
				{"type": "image_url", "image_url": map[string]any{"url": dataURL}},
			},
		}},
	}

	body, err := c.post(ctx, req.Provider, "/chat/completions", payload, providers.TimeoutChat, req.Model)
	if err != nil {
		return providers.TextResult{}, err
	}
	text, err := parseChatCompletions(body)
	if err != nil {
		return providers.TextResult{}, &providers.UpstreamError{Adapter: adapterName, Model: req.Model, Status: http.StatusOK, Msg: err.Error()}
	}
	return providers.TextResult{Text: text}, nil
}

func (c *Client) Image(ctx context.Context, req providers.ImageRequest) (providers.BinaryResult, error) {
	payload := map[string]any{
		"model":           req.Model,
		"prompt":          req.Prompt,
		"response_format": "b64_json",
	}
	body, err := c.post(ctx, req.Provider, "/images/generations", payload, providers.TimeoutMedia, req.Model)
	if err != nil {
		return providers.BinaryResult{}, err
	}

	var resp struct {
		Data []struct {
			B64JSON       string `json:"b64_json"`
			URL           string `json:"url"`
			RevisedPrompt string `json:"revised_prompt"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil || len(resp.Data) == 0 {
		return providers.BinaryResult{}, &providers.UpstreamError{Adapter: adapterName, Model: req.Model, Status: http.StatusOK, Msg: "image response has no data entries"}
	}
	if resp.Data[0].B64JSON != "" {
		raw, err := base64.StdEncoding.DecodeString(resp.Data[0].B64JSON)
		if err != nil {
			return providers.BinaryResult{}, &providers.UpstreamError{Adapter: adapterName, Model: req.Model, Status: http.StatusOK, Msg: "image payload is not valid base64"}
		}
		return providers.BinaryResult{Data: raw, MimeType: "image/png"}, nil
	}
	return providers.BinaryResult{Text: resp.Data[0].URL}, nil
}

func (c *Client) Speech(ctx context.Context, req providers.SpeechRequest) (providers.BinaryResult, error) {
	voice := req.Voice
	if voice == "" {
		voice = "alloy"
	}
	payload := map[string]any{
		"model": req.Model,
		"input": req.Text,
		"voice": voice,
	}
	body, err := c.post(ctx, req.Provider, "/audio/speech", payload, providers.TimeoutMedia, req.Model)
	if err != nil {
		return providers.BinaryResult{}, err
	}
	return providers.BinaryResult{Data: body, MimeType: "audio/mpeg"}, nil
}

func (c *Client) ListModels(ctx context.Context, p providers.Provider) ([]string, error) {
	endpoint, err := endpointURL(p.BaseURL, "/models")
	if err != nil {
		return nil, err
	}
	resp, err := c.http.DoWithAuth(ctx, providers.TimeoutList, http.MethodGet, endpoint, nil, providers.AuthAttempts(p, nil))
	if err != nil {
		return nil, &providers.UpstreamError{Adapter: adapterName, Model: "", Msg: err.Error()}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, providers.ClassifyFailure(adapterName, "", resp)
	}

	var payload struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(resp.Body, &payload); err != nil {
		return nil, fmt.Errorf("decode model list: %w", err)
	}
	names := make([]string, 0, len(payload.Data))
	for _, m := range payload.Data {
		if m.ID != "" {
			names = append(names, m.ID)
		}
	}
	return names, nil
}

func (c *Client) post(ctx context.Context, p providers.Provider, path string, payload any, timeout time.Duration, model string) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", strings.Trim(path, "/"), err)
	}
	endpoint, err := endpointURL(p.BaseURL, path)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.DoWithAuth(ctx, timeout, http.MethodPost, endpoint, body, providers.AuthAttempts(p, nil))
	if err != nil {
		return nil, &providers.UpstreamError{Adapter: adapterName, Model: model, Msg: err.Error()}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, providers.ClassifyFailure(adapterName, model, resp)
	}
	return resp.Body, nil
}

// endpointURL appends path to the base URL, inserting /v1 when the base
// carries no version segment, so both "https://api.x.ai" and
// "https://api.x.ai/v1" work.
func endpointURL(base, path string) (string, error) {
	base = strings.TrimSpace(base)
	if base == "" {
		return "", &providers.ConfigError{Msg: "provider base url is empty"}
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	p := strings.TrimSuffix(u.Path, "/")
	if !hasVersionSegment(p) {
		p += "/v1"
	}
	u.Path = p + path
	return u.String(), nil
}

func hasVersionSegment(path string) bool {
	for _, seg := range strings.Split(path, "/") {
		if len(seg) >= 2 && seg[0] == 'v' && seg[1] >= '0' && seg[1] <= '9' {
			return true
		}
	}
	return false
}

func isVendorEndpoint(base string) bool {
	return strings.Contains(strings.ToLower(base), "api.openai.com")
}

func foldSearchInstruction(turns []providers.Turn) []providers.Turn {
	out := make([]providers.Turn, len(turns))
	copy(out, turns)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i].Role == "user" {
			out[i].Content = searchInstruction + out[i].Content
			break
		}
	}
	return out
}

func parseChatCompletions(body []byte) (string, error) {
	var resp struct {
		Choices []struct {
			Message struct {
				Content any `json:"content"`
			} `json:"message"`
			Text string `json:"text"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decode chat completion response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("empty choices in chat completion response")
	}
	if resp.Choices[0].Text != "" {
		return resp.Choices[0].Text, nil
	}
	if content := anyToText(resp.Choices[0].Message.Content); strings.TrimSpace(content) != "" {
		return content, nil
	}
	return "", fmt.Errorf("missing message content in chat completion response")
}

func anyToText(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []any:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			if m, ok := item.(map[string]any); ok {
				if txt, ok := m["text"].(string); ok {
					parts = append(parts, txt)
				}
			}
		}
		return strings.Join(parts, "\n")
	default:
		return ""
	}
}
