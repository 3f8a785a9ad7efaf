// Package telegraph publishes overlong answers to telegra.ph and hands back
// a short link. An access token is provisioned lazily on first use and
// cached in the persisted state document.
package telegraph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"polybot/internal/metrics"
	"polybot/internal/state"
)

const apiBase = "https://api.telegra.ph"

type Client struct {
	httpClient *http.Client
	store      *state.Store
	metrics    *metrics.Metrics
	logger     zerolog.Logger

	base       string
	shortName  string
	authorName string
}

type Config struct {
	Store      *state.Store
	Metrics    *metrics.Metrics
	Logger     zerolog.Logger
	AuthorName string
	HTTPClient *http.Client
}

func New(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 20 * time.Second}
	}
	author := cfg.AuthorName
	if author == "" {
		author = "polybot"
	}
	return &Client{
		httpClient: hc,
		store:      cfg.Store,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger.With().Str("component", "telegraph").Logger(),
		base:       apiBase,
		shortName:  author,
		authorName: author,
	}
}

type apiResponse struct {
	OK     bool            `json:"ok"`
	Error  string          `json:"error"`
	Result json.RawMessage `json:"result"`
}

// Publish creates a page holding text and records it in the post history.
func (c *Client) Publish(ctx context.Context, title, text string) (string, error) {
	token, err := c.token(ctx)
	if err != nil {
		return "", err
	}

	payload := map[string]any{
		"access_token": token,
		"title":        strings.TrimSpace(title),
		"author_name":  c.authorName,
		"content":      nodes(text),
	}
	var result struct {
		URL string `json:"url"`
	}
	if err := c.call(ctx, "/createPage", payload, &result); err != nil {
		return "", err
	}
	if result.URL == "" {
		return "", fmt.Errorf("telegraph: createPage returned no url")
	}

	c.store.AddTelegraphPost(payload["title"].(string), result.URL)
	c.metrics.TelegraphPosts.Inc()
	c.logger.Info().Str("url", result.URL).Int("bytes", len(text)).Msg("published page")
	return result.URL, nil
}

func (c *Client) token(ctx context.Context) (string, error) {
	if tok := c.store.TelegraphToken(); tok != "" {
		return tok, nil
	}

	payload := map[string]any{
		"short_name":  c.shortName,
		"author_name": c.authorName,
	}
	var result struct {
		AccessToken string `json:"access_token"`
	}
	if err := c.call(ctx, "/createAccount", payload, &result); err != nil {
		return "", err
	}
	if result.AccessToken == "" {
		return "", fmt.Errorf("telegraph: createAccount returned no token")
	}

	c.store.SetTelegraphToken(result.AccessToken)
	c.logger.Info().Msg("provisioned telegraph account")
	return result.AccessToken, nil
}

func (c *Client) call(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("telegraph: %s: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("telegraph: read %s response: %w", path, err)
	}

	var parsed apiResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return fmt.Errorf("telegraph: decode %s response: %w", path, err)
	}
	if !parsed.OK {
		return fmt.Errorf("telegraph: %s failed: %s", path, parsed.Error)
	}
	return json.Unmarshal(parsed.Result, out)
}

// nodes converts plain text into the telegraph DOM, one paragraph per
// non-empty line block.
func nodes(text string) []map[string]any {
	var out []map[string]any
	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		out = append(out, map[string]any{
			"tag":      "p",
			"children": []string{para},
		})
	}
	if len(out) == 0 {
		out = append(out, map[string]any{
			"tag":      "p",
			"children": []string{" "},
		})
	}
	return out
}
