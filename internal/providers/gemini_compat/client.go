package gemini_compat

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

const adapterName = "gemini"

// apiVersions is tried in order: newer path first, then the legacy path for
// proxies that never moved past it.
var apiVersions = []string{"v1beta", "v1"}

type Client struct {
	http *providers.Client
}

func New(httpClient *providers.Client) *Client {
	return &Client{http: httpClient}
}

var _ providers.Adapter = (*Client)(nil)

func (c *Client) Compat() providers.Compat { return providers.CompatGemini }

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type generateRequest struct {
	Contents          []content       `json:"contents"`
	SystemInstruction *content        `json:"systemInstruction,omitempty"`
	GenerationConfig  *generateConfig `json:"generationConfig,omitempty"`
	Tools             []map[string]any `json:"tools,omitempty"`
}

type generateConfig struct {
	MaxOutputTokens    int       `json:"maxOutputTokens,omitempty"`
	ResponseModalities []string  `json:"responseModalities,omitempty"`
	SpeechConfig       *speechCfg `json:"speechConfig,omitempty"`
}

type speechCfg struct {
	VoiceConfig struct {
		PrebuiltVoiceConfig struct {
			VoiceName string `json:"voiceName"`
		} `json:"prebuiltVoiceConfig"`
	} `json:"voiceConfig"`
}

type generateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []part `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

func (c *Client) Chat(ctx context.Context, req providers.ChatRequest) (providers.TextResult, error) {
	body := generateRequest{}
	for _, t := range req.Turns {
		if t.Role == "system" {
			body.SystemInstruction = &content{Parts: []part{{Text: t.Content}}}
			continue
		}
		role := t.Role
		if role == "assistant" {
			role = "model"
		}
		body.Contents = append(body.Contents, content{Role: role, Parts: []part{{Text: t.Content}}})
	}
	if req.MaxTokens > 0 {
		body.GenerationConfig = &generateConfig{MaxOutputTokens: req.MaxTokens}
	}
	if req.UseSearch {
		body.Tools = []map[string]any{{"google_search": map[string]any{}}}
	}

	resp, err := c.generate(ctx, req.Provider, req.Model, body, providers.TimeoutChat)
	if err != nil {
		return providers.TextResult{}, err
	}
	text := collectText(resp)
	if text == "" {
		return providers.TextResult{}, &providers.UpstreamError{Adapter: adapterName, Model: req.Model, Status: http.StatusOK, Msg: "no text parts in candidates"}
	}
	return providers.TextResult{Text: text}, nil
}

func (c *Client) Vision(ctx context.Context, req providers.VisionRequest) (providers.TextResult, error) {
	mime := req.MimeType
	if mime == "" {
		mime = "image/jpeg"
	}
	body := generateRequest{
		Contents: []content{{
			Role: "user",
			Parts: []part{
				{Text: req.Prompt},
				{InlineData: &inlineData{MimeType: mime, Data: base64.StdEncoding.EncodeToString(req.Image)}},
			},
		}},
	}

	resp, err := c.generate(ctx, req.Provider, req.Model, body, providers.TimeoutChat)
	if err != nil {
		return providers.TextResult{}, err
	}
	text := collectText(resp)
	if text == "" {
		return providers.TextResult{}, &providers.UpstreamError{Adapter: adapterName, Model: req.Model, Status: http.StatusOK, Msg: "no text parts in candidates"}
	}
	return providers.TextResult{Text: text}, nil
}

func (c *Client) Image(ctx context.Context, req providers.ImageRequest) (providers.BinaryResult, error) {
	body := generateRequest{
		Contents:         []content{{Role: "user", Parts: []part{{Text: req.Prompt}}}},
		GenerationConfig: &generateConfig{ResponseModalities: []string{"TEXT", "IMAGE"}},
	}

	resp, err := c.generate(ctx, req.Provider, req.Model, body, providers.TimeoutMedia)
	if err != nil {
		return providers.BinaryResult{}, err
	}
	for _, cand := range resp.Candidates {
		for _, p := range cand.Content.Parts {
			if p.InlineData == nil {
				continue
			}
			raw, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
			if err != nil {
				return providers.BinaryResult{}, &providers.UpstreamError{Adapter: adapterName, Model: req.Model, Status: http.StatusOK, Msg: "inline image data is not valid base64"}
			}
			mime := p.InlineData.MimeType
			if mime == "" {
				mime = "image/png"
			}
			return providers.BinaryResult{Data: raw, MimeType: mime}, nil
		}
	}
	if text := collectText(resp); text != "" {
		return providers.BinaryResult{Text: text}, nil
	}
	return providers.BinaryResult{}, &providers.UpstreamError{Adapter: adapterName, Model: req.Model, Status: http.StatusOK, Msg: "no image data in candidates"}
}

func (c *Client) Speech(ctx context.Context, req providers.SpeechRequest) (providers.BinaryResult, error) {
	voice := req.Voice
	if voice == "" {
		voice = "Kore"
	}
	cfg := &generateConfig{ResponseModalities: []string{"AUDIO"}, SpeechConfig: &speechCfg{}}
	cfg.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName = voice
	body := generateRequest{
		Contents:         []content{{Role: "user", Parts: []part{{Text: req.Text}}}},
		GenerationConfig: cfg,
	}

	resp, err := c.generate(ctx, req.Provider, req.Model, body, providers.TimeoutMedia)
	if err != nil {
		return providers.BinaryResult{}, err
	}
	for _, cand := range resp.Candidates {
		for _, p := range cand.Content.Parts {
			if p.InlineData == nil {
				continue
			}
			raw, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
			if err != nil {
				return providers.BinaryResult{}, &providers.UpstreamError{Adapter: adapterName, Model: req.Model, Status: http.StatusOK, Msg: "inline audio data is not valid base64"}
			}
			mime := p.InlineData.MimeType
			if isRawPCM(mime) {
				raw = WrapWAV(raw, ParsePCMParams(mime))
				mime = "audio/wav"
			}
			return providers.BinaryResult{Data: raw, MimeType: mime}, nil
		}
	}
	return providers.BinaryResult{}, &providers.UpstreamError{Adapter: adapterName, Model: req.Model, Status: http.StatusOK, Msg: "no audio data in candidates"}
}

func (c *Client) ListModels(ctx context.Context, p providers.Provider) ([]string, error) {
	attempts := providers.AuthAttempts(p, nil)
	var lastErr error
	for _, version := range apiVersions {
		endpoint, err := baseURL(p.BaseURL, version, "/models")
		if err != nil {
			return nil, err
		}
		resp, err := c.http.DoWithAuth(ctx, providers.TimeoutList, http.MethodGet, endpoint, nil, attempts)
		if err != nil {
			lastErr = &providers.UpstreamError{Adapter: adapterName, Msg: err.Error()}
			continue
		}
		if isRouteMiss(resp) {
			lastErr = &providers.RouteError{Adapter: adapterName, Path: endpoint, Status: resp.StatusCode, Msg: providers.ErrorMessage(resp.Body)}
			continue
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return nil, providers.ClassifyFailure(adapterName, "", resp)
		}

		var payload struct {
			Models []struct {
				Name string `json:"name"`
			} `json:"models"`
		}
		if err := json.Unmarshal(resp.Body, &payload); err != nil {
			return nil, fmt.Errorf("decode model list: %w", err)
		}
		names := make([]string, 0, len(payload.Models))
		for _, m := range payload.Models {
			if m.Name != "" {
				names = append(names, strings.TrimPrefix(m.Name, "models/"))
			}
		}
		return names, nil
	}
	return nil, lastErr
}

// generate posts a generateContent body, falling back to the older API
// version when the newer path is unroutable. Each version walks the full
// auth attempt list before giving up on it.
func (c *Client) generate(ctx context.Context, p providers.Provider, model string, reqBody generateRequest, timeout time.Duration) (generateResponse, error) {
	body, err := json.Marshal(reqBody)
	if err != nil {
		return generateResponse{}, fmt.Errorf("marshal generate payload: %w", err)
	}
	attempts := providers.AuthAttempts(p, nil)

	var lastErr error
	for _, version := range apiVersions {
		endpoint, err := baseURL(p.BaseURL, version, "/models/"+model+":generateContent")
		if err != nil {
			return generateResponse{}, err
		}
		resp, err := c.http.DoWithAuth(ctx, timeout, http.MethodPost, endpoint, body, attempts)
		if err != nil {
			lastErr = &providers.UpstreamError{Adapter: adapterName, Model: model, Msg: err.Error()}
			continue
		}
		if isRouteMiss(resp) {
			lastErr = &providers.RouteError{Adapter: adapterName, Path: endpoint, Status: resp.StatusCode, Msg: providers.ErrorMessage(resp.Body)}
			continue
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return generateResponse{}, providers.ClassifyFailure(adapterName, model, resp)
		}

		var out generateResponse
		if err := json.Unmarshal(resp.Body, &out); err != nil {
			return generateResponse{}, &providers.UpstreamError{Adapter: adapterName, Model: model, Status: resp.StatusCode, Msg: "malformed generateContent response"}
		}
		return out, nil
	}
	return generateResponse{}, lastErr
}

// isRouteMiss recognizes the route-not-found class that triggers the API
// version fallback: hard 404/405, or a 400 whose message complains about an
// unknown path.
func isRouteMiss(resp providers.Response) bool {
	switch resp.StatusCode {
	case http.StatusNotFound, http.StatusMethodNotAllowed:
		return true
	case http.StatusBadRequest:
		msg := strings.ToLower(providers.ErrorMessage(resp.Body))
		return strings.Contains(msg, "unknown") || strings.Contains(msg, "not found") || strings.Contains(msg, "no route")
	}
	return false
}

func isRawPCM(mime string) bool {
	m := strings.ToLower(mime)
	return strings.HasPrefix(m, "audio/l") || strings.Contains(m, "pcm")
}

func collectText(resp generateResponse) string {
	var parts []string
	for _, cand := range resp.Candidates {
		for _, p := range cand.Content.Parts {
			if p.Text != "" {
				parts = append(parts, p.Text)
			}
		}
		if len(parts) > 0 {
			break
		}
	}
	return strings.TrimSpace(strings.Join(parts, "\n"))
}

// baseURL joins the provider base with an API version segment, unless the
// configured base already pins one.
func baseURL(base, version, path string) (string, error) {
	base = strings.TrimSpace(base)
	if base == "" {
		return "", &providers.ConfigError{Msg: "provider base url is empty"}
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	p := strings.TrimSuffix(u.Path, "/")
	if !strings.HasSuffix(p, "/v1") && !strings.HasSuffix(p, "/v1beta") && !strings.HasSuffix(p, "/v1alpha") {
		p += "/" + version
	}
	u.Path = p + path
	return u.String(), nil
}
