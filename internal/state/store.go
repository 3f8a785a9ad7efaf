package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"polybot/internal/crypto"
	"polybot/internal/metrics"
	"polybot/internal/providers"
)

var ErrNotFound = errors.New("not found")

// Store owns all persisted gateway state. Every mutation goes through its
// lock and signals the debounced writer; readers get copies, never aliases
// into the document.
type Store struct {
	mu      sync.Mutex
	doc     *Document
	path    string
	crypto  *crypto.Manager
	logger  zerolog.Logger
	metrics *metrics.Metrics

	dirty    chan struct{}
	debounce time.Duration
	flushReq chan chan error
}

type Config struct {
	Path     string
	Crypto   *crypto.Manager
	Debounce time.Duration
	Logger   zerolog.Logger
	Metrics  *metrics.Metrics
}

// Open loads the document from disk (an absent file starts empty) and runs
// the migration chain.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("state path is empty")
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 300 * time.Millisecond
	}

	doc := newDocument()
	raw, err := os.ReadFile(cfg.Path)
	switch {
	case err == nil:
		loaded := &Document{}
		if err := json.Unmarshal(raw, loaded); err != nil {
			return nil, fmt.Errorf("parse state document: %w", err)
		}
		migrate(loaded)
		doc = loaded
	case os.IsNotExist(err):
		// First run.
	default:
		return nil, fmt.Errorf("read state document: %w", err)
	}

	return &Store{
		doc:      doc,
		path:     cfg.Path,
		crypto:   cfg.Crypto,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		dirty:    make(chan struct{}, 1),
		debounce: cfg.Debounce,
		flushReq: make(chan chan error),
	}, nil
}

func (s *Store) markDirty() {
	select {
	case s.dirty <- struct{}{}:
	default:
	}
}

// UpsertProvider stores or replaces a provider, encrypting the API key at
// rest. An empty apiKey keeps the previously stored key.
func (s *Store) UpsertProvider(name, baseURL, apiKey string, auth *providers.AuthConfig) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("provider name is empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec := ProviderRecord{Name: name, BaseURL: strings.TrimSpace(baseURL), Auth: auth}
	if prev, ok := s.doc.Providers[name]; ok && apiKey == "" {
		rec.EncAPIKey = prev.EncAPIKey
	}
	if apiKey != "" {
		enc, err := s.crypto.SealString(apiKey)
		if err != nil {
			return fmt.Errorf("encrypt api key: %w", err)
		}
		rec.EncAPIKey = enc
	}
	s.doc.Providers[name] = rec

	// Reconfiguring an endpoint invalidates its manual compat overrides.
	delete(s.doc.ModelOverrides, name)
	s.markDirty()
	return nil
}

// DeleteProvider removes a provider, its overrides, and any selectors
// pointing at it. Returns the removed record's base URL.
func (s *Store) DeleteProvider(name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.doc.Providers[name]
	if !ok {
		return "", ErrNotFound
	}
	delete(s.doc.Providers, name)
	delete(s.doc.ModelOverrides, name)
	for kind, sel := range s.doc.Selectors {
		if sel.Provider == name {
			delete(s.doc.Selectors, kind)
		}
	}
	s.markDirty()
	return rec.BaseURL, nil
}

// Provider materializes a provider with its API key decrypted.
func (s *Store) Provider(name string) (providers.Provider, error) {
	s.mu.Lock()
	rec, ok := s.doc.Providers[name]
	s.mu.Unlock()
	if !ok {
		return providers.Provider{}, ErrNotFound
	}
	return s.materialize(rec)
}

// Providers returns all configured providers, keys decrypted, sorted by name.
func (s *Store) Providers() ([]providers.Provider, error) {
	s.mu.Lock()
	recs := make([]ProviderRecord, 0, len(s.doc.Providers))
	for _, rec := range s.doc.Providers {
		recs = append(recs, rec)
	}
	s.mu.Unlock()

	sort.Slice(recs, func(i, j int) bool { return recs[i].Name < recs[j].Name })
	out := make([]providers.Provider, 0, len(recs))
	for _, rec := range recs {
		p, err := s.materialize(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *Store) materialize(rec ProviderRecord) (providers.Provider, error) {
	p := providers.Provider{
		Name:            rec.Name,
		BaseURL:         rec.BaseURL,
		Auth:            rec.Auth,
		PreferredCompat: rec.PreferredCompat,
	}
	if rec.EncAPIKey != "" {
		key, err := s.crypto.OpenString(rec.EncAPIKey)
		if err != nil {
			return providers.Provider{}, fmt.Errorf("decrypt api key for %s: %w", rec.Name, err)
		}
		p.APIKey = key
	}
	return p, nil
}

// SetPreferredCompat records the family that last served a provider, used
// to order auth fallbacks.
func (s *Store) SetPreferredCompat(name string, compat providers.Compat) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.doc.Providers[name]
	if !ok || rec.PreferredCompat == compat {
		return
	}
	rec.PreferredCompat = compat
	s.doc.Providers[name] = rec
	s.markDirty()
}

// SetOverride pins a manual compat for (provider, model). Manual overrides
// outrank every detected value and are never auto-overwritten.
func (s *Store) SetOverride(providerName, model string, compat providers.Compat) {
	model = strings.ToLower(strings.TrimSpace(model))
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doc.ModelOverrides[providerName] == nil {
		s.doc.ModelOverrides[providerName] = map[string]providers.Compat{}
	}
	s.doc.ModelOverrides[providerName][model] = compat
	s.markDirty()
}

func (s *Store) Override(providerName, model string) (providers.Compat, bool) {
	model = strings.ToLower(strings.TrimSpace(model))
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.doc.ModelOverrides[providerName][model]
	return c, ok
}

func (s *Store) CatalogEntry(model string) (providers.Compat, bool) {
	model = strings.ToLower(strings.TrimSpace(model))
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.doc.Catalog[model]
	return c, ok
}

// MergeCatalog unions observed classifications into the catalog. Specific
// families correct a default openai guess; established specific entries are
// kept.
func (s *Store) MergeCatalog(observed map[string]providers.Compat) {
	if len(observed) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for model, compat := range observed {
		model = strings.ToLower(strings.TrimSpace(model))
		if model == "" {
			continue
		}
		if existing, ok := s.doc.Catalog[model]; ok {
			s.doc.Catalog[model] = providers.CorrectCompat(existing, compat)
		} else {
			s.doc.Catalog[model] = compat
		}
	}
	s.doc.CatalogUpdated = time.Now().UTC()
	s.markDirty()
}

// SetCatalogEntry persists a single best-effort classification without
// touching the refresh timestamp.
func (s *Store) SetCatalogEntry(model string, compat providers.Compat) {
	model = strings.ToLower(strings.TrimSpace(model))
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.doc.Catalog[model]; ok {
		return
	}
	s.doc.Catalog[model] = compat
	s.markDirty()
}

func (s *Store) CatalogSize() (int, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.doc.Catalog), s.doc.CatalogUpdated
}

// SetSelector points a logical kind at provider+model.
func (s *Store) SetSelector(kind providers.Kind, providerName, model string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.Selectors[kind] = ModelSelector{Provider: providerName, Model: model}
	s.markDirty()
}

func (s *Store) Selector(kind providers.Kind) (ModelSelector, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sel, ok := s.doc.Selectors[kind]
	return sel, ok
}

func (s *Store) Selectors() map[providers.Kind]ModelSelector {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[providers.Kind]ModelSelector, len(s.doc.Selectors))
	for k, v := range s.doc.Selectors {
		out[k] = v
	}
	return out
}

// TelegraphToken returns the cached paste-service token, if provisioned.
func (s *Store) TelegraphToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Telegraph.AccessToken
}

func (s *Store) SetTelegraphToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.Telegraph.AccessToken = token
	s.markDirty()
}

const maxTelegraphPosts = 10

// AddTelegraphPost records a publication, keeping the 10 most recent.
func (s *Store) AddTelegraphPost(title, url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	posts := append(s.doc.Telegraph.Posts, TelegraphPost{Title: title, URL: url, CreatedAt: time.Now().UTC()})
	if len(posts) > maxTelegraphPosts {
		posts = posts[len(posts)-maxTelegraphPosts:]
	}
	s.doc.Telegraph.Posts = posts
	s.markDirty()
}

func (s *Store) TelegraphPosts() []TelegraphPost {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TelegraphPost, len(s.doc.Telegraph.Posts))
	copy(out, s.doc.Telegraph.Posts)
	return out
}
