package claude_compat

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"

	"polybot/internal/providers"
)

const (
	adapterName = "claude"

	// defaultVersion is the safe fallback when the probe finds nothing.
	defaultVersion = "2023-06-01"

	versionHeader = "anthropic-version"
)

var versionPattern = regexp.MustCompile(`20\d{2}-\d{2}-\d{2}`)

type Client struct {
	http *providers.Client

	// versions caches the discovered protocol version per base URL. Some
	// compatible third-party backends hard-fail on a version literal they
	// do not know, so the accepted value has to be probed, not assumed.
	versions sync.Map
}

func New(httpClient *providers.Client) *Client {
	return &Client{http: httpClient}
}

var _ providers.Adapter = (*Client)(nil)

func (c *Client) Compat() providers.Compat { return providers.CompatClaude }

type messageBlock struct {
	Type   string       `json:"type"`
	Text   string       `json:"text,omitempty"`
	Source *imageSource `json:"source,omitempty"`
}

type imageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type messagesResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

func (c *Client) Chat(ctx context.Context, req providers.ChatRequest) (providers.TextResult, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	var system string
	messages := make([]map[string]any, 0, len(req.Turns))
	for _, t := range req.Turns {
		if t.Role == "system" {
			system = t.Content
			continue
		}
		messages = append(messages, map[string]any{"role": t.Role, "content": t.Content})
	}

	payload := map[string]any{
		"model":      req.Model,
		"max_tokens": maxTokens,
		"messages":   messages,
	}
	if system != "" {
		payload["system"] = system
	}
	if req.UseSearch {
		payload["tools"] = []map[string]any{{"type": "web_search_20250305", "name": "web_search"}}
	}

	return c.postMessages(ctx, req.Provider, req.Model, payload)
}

func (c *Client) Vision(ctx context.Context, req providers.VisionRequest) (providers.TextResult, error) {
	mime := req.MimeType
	if mime == "" {
		mime = "image/jpeg"
	}
	payload := map[string]any{
		"model":      req.Model,
		"max_tokens": 1024,
		"messages": []map[string]any{{
			"role": "user",
			"content": []messageBlock{
				{Type: "image", Source: &imageSource{Type: "base64", MediaType: mime, Data: base64.StdEncoding.EncodeToString(req.Image)}},
				{Type: "text", Text: req.Prompt},
			},
		}},
	}
	return c.postMessages(ctx, req.Provider, req.Model, payload)
}

func (c *Client) Image(ctx context.Context, req providers.ImageRequest) (providers.BinaryResult, error) {
	return providers.BinaryResult{}, fmt.Errorf("claude image generation: %w", providers.ErrUnsupported)
}

func (c *Client) Speech(ctx context.Context, req providers.SpeechRequest) (providers.BinaryResult, error) {
	return providers.BinaryResult{}, fmt.Errorf("claude speech synthesis: %w", providers.ErrUnsupported)
}

func (c *Client) ListModels(ctx context.Context, p providers.Provider) ([]string, error) {
	endpoint, err := endpointURL(p.BaseURL, "/models")
	if err != nil {
		return nil, err
	}
	attempts := providers.AuthAttempts(p, map[string]string{versionHeader: c.protocolVersion(ctx, p)})
	resp, err := c.http.DoWithAuth(ctx, providers.TimeoutList, http.MethodGet, endpoint, nil, attempts)
	if err != nil {
		return nil, &providers.UpstreamError{Adapter: adapterName, Msg: err.Error()}
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

func (c *Client) postMessages(ctx context.Context, p providers.Provider, model string, payload map[string]any) (providers.TextResult, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return providers.TextResult{}, fmt.Errorf("marshal messages payload: %w", err)
	}
	endpoint, err := endpointURL(p.BaseURL, "/messages")
	if err != nil {
		return providers.TextResult{}, err
	}

	attempts := providers.AuthAttempts(p, map[string]string{versionHeader: c.protocolVersion(ctx, p)})
	resp, err := c.http.DoWithAuth(ctx, providers.TimeoutChat, http.MethodPost, endpoint, body, attempts)
	if err != nil {
		return providers.TextResult{}, &providers.UpstreamError{Adapter: adapterName, Model: model, Msg: err.Error()}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return providers.TextResult{}, providers.ClassifyFailure(adapterName, model, resp)
	}

	var out messagesResponse
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return providers.TextResult{}, &providers.UpstreamError{Adapter: adapterName, Model: model, Status: resp.StatusCode, Msg: "malformed messages response"}
	}
	var parts []string
	for _, block := range out.Content {
		if block.Type == "text" && block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	text := strings.TrimSpace(strings.Join(parts, "\n"))
	if text == "" {
		return providers.TextResult{}, &providers.UpstreamError{Adapter: adapterName, Model: model, Status: resp.StatusCode, Msg: "no text blocks in response content"}
	}
	return providers.TextResult{Text: text}, nil
}

// protocolVersion returns the anthropic-version value accepted by this base
// URL, probing for it once. The probe issues a versionless GET and fishes a
// date-shaped version string out of the error body the backend returns.
func (c *Client) protocolVersion(ctx context.Context, p providers.Provider) string {
	key := strings.TrimSuffix(strings.ToLower(p.BaseURL), "/")
	if v, ok := c.versions.Load(key); ok {
		return v.(string)
	}

	version := defaultVersion
	if endpoint, err := endpointURL(p.BaseURL, "/messages"); err == nil {
		resp, err := c.http.DoWithAuth(ctx, providers.TimeoutList, http.MethodGet, endpoint, nil, providers.AuthAttempts(p, nil))
		if err == nil {
			if m := versionPattern.FindString(string(resp.Body)); m != "" {
				version = m
			}
		}
	}
	c.versions.Store(key, version)
	return version
}

// Invalidate drops the cached protocol version for a base URL, for when a
// provider's endpoint is reconfigured.
func (c *Client) Invalidate(baseURL string) {
	c.versions.Delete(strings.TrimSuffix(strings.ToLower(baseURL), "/"))
}

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
	if !strings.HasSuffix(p, "/v1") {
		p += "/v1"
	}
	u.Path = p + path
	return u.String(), nil
}
