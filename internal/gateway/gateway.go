// Package gateway routes normalized AI requests to the configured provider
// and model for each logical kind, resolving the wire family on the way and
// recording the exchange in conversation history.
package gateway

import (
	"context"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"polybot/internal/metrics"
	"polybot/internal/providers"
	"polybot/internal/providers/registry"
	"polybot/internal/state"
)

type Gateway struct {
	store    *state.Store
	registry *registry.Registry
	logger   zerolog.Logger
	metrics  *metrics.Metrics

	maxTokens int

	mu       sync.Mutex
	inflight map[string]*probeHandle
	refresh  *refreshHandle
}

type Config struct {
	Store     *state.Store
	Registry  *registry.Registry
	Logger    zerolog.Logger
	Metrics   *metrics.Metrics
	MaxTokens int
}

func New(cfg Config) *Gateway {
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &Gateway{
		store:     cfg.Store,
		registry:  cfg.Registry,
		logger:    cfg.Logger.With().Str("component", "gateway").Logger(),
		metrics:   cfg.Metrics,
		maxTokens: maxTokens,
		inflight:  map[string]*probeHandle{},
	}
}

// Result is the normalized outcome of a gateway request. Text is set for
// chat/search answers; Binary and MimeType for image/tts payloads. Provider
// and Model identify what actually served the request so the transport layer
// can attribute the answer.
type Result struct {
	Text     string
	Binary   []byte
	MimeType string

	Provider string
	Model    string
}

// Request is the single invocation entry point. Image bytes turn a chat
// request into a vision request against the same selected model.
func (g *Gateway) Request(ctx context.Context, kind providers.Kind, text string, image []byte, imageMime string, sessionID string) (Result, error) {
	g.metrics.GatewayRequests.WithLabelValues(string(kind)).Inc()

	res, err := g.dispatch(ctx, kind, text, image, imageMime, sessionID)
	if err != nil {
		g.metrics.GatewayFailures.WithLabelValues(string(kind)).Inc()
		return Result{}, err
	}
	return res, nil
}

func (g *Gateway) dispatch(ctx context.Context, kind providers.Kind, text string, image []byte, imageMime string, sessionID string) (Result, error) {
	sel, ok := g.store.Selector(kind)
	if !ok {
		return Result{}, &providers.ConfigError{Msg: "no model configured for " + string(kind) + ", use /model_set"}
	}
	prov, err := g.store.Provider(sel.Provider)
	if err != nil {
		return Result{}, err
	}

	compat := g.ResolveCompat(ctx, prov, sel.Model)
	adapter, err := g.registry.For(compat)
	if err != nil {
		return Result{}, err
	}

	out := Result{Provider: prov.Name, Model: sel.Model}

	switch {
	case len(image) > 0:
		tr, err := adapter.Vision(ctx, providers.VisionRequest{
			Provider: prov,
			Model:    sel.Model,
			Prompt:   text,
			Image:    image,
			MimeType: imageMime,
		})
		if err != nil {
			return Result{}, err
		}
		out.Text = tr.Text

	case kind == providers.KindChat || kind == providers.KindSearch:
		turns := g.store.History(sessionID)
		turns = append(turns, providers.Turn{Role: "user", Content: text})
		tr, err := adapter.Chat(ctx, providers.ChatRequest{
			Provider:  prov,
			Model:     sel.Model,
			Turns:     turns,
			MaxTokens: g.maxTokens,
			UseSearch: kind == providers.KindSearch,
		})
		if err != nil {
			return Result{}, err
		}
		out.Text = tr.Text
		if sessionID != "" {
			g.store.AppendTurn(sessionID, "user", text)
			g.store.AppendTurn(sessionID, "assistant", tr.Text)
		}

	case kind == providers.KindImage:
		br, err := adapter.Image(ctx, providers.ImageRequest{
			Provider: prov,
			Model:    sel.Model,
			Prompt:   text,
		})
		if err != nil {
			return Result{}, err
		}
		out.Binary = br.Data
		out.MimeType = br.MimeType
		out.Text = br.Text

	case kind == providers.KindTTS:
		prompt, voice := splitVoice(text)
		br, err := adapter.Speech(ctx, providers.SpeechRequest{
			Provider: prov,
			Model:    sel.Model,
			Text:     prompt,
			Voice:    voice,
		})
		if err != nil {
			return Result{}, err
		}
		out.Binary = br.Data
		out.MimeType = br.MimeType

	default:
		return Result{}, providers.ErrUnsupported
	}

	// A completed call confirms the family worked against this provider.
	g.store.SetPreferredCompat(prov.Name, compat)
	return out, nil
}

// splitVoice extracts a leading "voice=name" token from TTS input.
func splitVoice(text string) (prompt, voice string) {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "voice=") {
		first, rest := trimmed, ""
		if i := strings.IndexAny(trimmed, " \t\n"); i >= 0 {
			first, rest = trimmed[:i], strings.TrimSpace(trimmed[i:])
		}
		return rest, strings.TrimPrefix(first, "voice=")
	}
	return trimmed, ""
}

// UpsertProvider stores provider credentials and drops every cache that may
// now be stale: manual overrides for that provider, in-flight resolutions,
// and the Claude protocol-version entry for its base URL. A catalog refresh
// is kicked off in the background.
func (g *Gateway) UpsertProvider(name, baseURL, apiKey string, auth *providers.AuthConfig) error {
	if prev, err := g.store.Provider(name); err == nil {
		g.registry.InvalidateProvider(prev.BaseURL)
	}
	if err := g.store.UpsertProvider(name, baseURL, apiKey, auth); err != nil {
		return err
	}
	g.dropInflight(name)
	g.registry.InvalidateProvider(baseURL)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), providers.TimeoutList*4)
		defer cancel()
		if err := g.RefreshCatalog(ctx, true); err != nil {
			g.logger.Debug().Err(err).Str("provider", name).Msg("post-upsert catalog refresh failed")
		}
	}()
	return nil
}

// DeleteProvider removes a provider and all caches tied to it, then
// rebuilds the catalog from the providers that remain.
func (g *Gateway) DeleteProvider(name string) error {
	baseURL, err := g.store.DeleteProvider(name)
	if err != nil {
		return err
	}
	g.dropInflight(name)
	g.registry.InvalidateProvider(baseURL)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), providers.TimeoutList*4)
		defer cancel()
		if err := g.RefreshCatalog(ctx, true); err != nil {
			g.logger.Debug().Err(err).Str("provider", name).Msg("post-delete catalog refresh failed")
		}
	}()
	return nil
}

func (g *Gateway) dropInflight(providerName string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for key := range g.inflight {
		if key == providerName || strings.HasPrefix(key, providerName+"::") {
			delete(g.inflight, key)
		}
	}
}
