package state

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"polybot/internal/crypto"
	"polybot/internal/providers"
)

func testCrypto(t *testing.T) *crypto.Manager {
	t.Helper()
	m, err := crypto.NewManager("test", map[string][]byte{"test": bytes.Repeat([]byte{0x42}, 32)})
	if err != nil {
		t.Fatalf("crypto.NewManager: %v", err)
	}
	return m
}

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{
		Path:     filepath.Join(t.TempDir(), "state.json"),
		Crypto:   testCrypto(t),
		Debounce: 10 * time.Millisecond,
		Logger:   zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func TestProviderRoundtripEncryptsKey(t *testing.T) {
	s := testStore(t)

	if err := s.UpsertProvider("acme", "https://api.acme.dev/", "sk-plain", nil); err != nil {
		t.Fatalf("UpsertProvider: %v", err)
	}

	p, err := s.Provider("acme")
	if err != nil {
		t.Fatalf("Provider: %v", err)
	}
	if p.APIKey != "sk-plain" {
		t.Fatalf("api key = %q", p.APIKey)
	}
	if p.BaseURL != "https://api.acme.dev/" {
		t.Fatalf("base url = %q", p.BaseURL)
	}

	// The at-rest record must not hold the plaintext.
	rec := s.doc.Providers["acme"]
	if rec.EncAPIKey == "" || rec.EncAPIKey == "sk-plain" {
		t.Fatalf("stored key is not encrypted: %q", rec.EncAPIKey)
	}

	// Rewriting with an empty key keeps the old one.
	if err := s.UpsertProvider("acme", "https://api2.acme.dev", "", nil); err != nil {
		t.Fatalf("UpsertProvider: %v", err)
	}
	p, err = s.Provider("acme")
	if err != nil {
		t.Fatalf("Provider: %v", err)
	}
	if p.APIKey != "sk-plain" {
		t.Fatalf("key lost on keyless upsert: %q", p.APIKey)
	}
	if p.BaseURL != "https://api2.acme.dev" {
		t.Fatalf("base url not updated: %q", p.BaseURL)
	}
}

func TestUpsertClearsOverrides(t *testing.T) {
	s := testStore(t)

	if err := s.UpsertProvider("acme", "https://a.example", "k", nil); err != nil {
		t.Fatalf("UpsertProvider: %v", err)
	}
	s.SetOverride("acme", "custom-model", providers.CompatGemini)
	if _, ok := s.Override("acme", "custom-model"); !ok {
		t.Fatal("override not stored")
	}

	if err := s.UpsertProvider("acme", "https://b.example", "", nil); err != nil {
		t.Fatalf("UpsertProvider: %v", err)
	}
	if _, ok := s.Override("acme", "custom-model"); ok {
		t.Fatal("override survived endpoint reconfiguration")
	}
}

func TestDeleteProviderCascades(t *testing.T) {
	s := testStore(t)

	if err := s.UpsertProvider("acme", "https://a.example", "k", nil); err != nil {
		t.Fatalf("UpsertProvider: %v", err)
	}
	s.SetOverride("acme", "m", providers.CompatClaude)
	s.SetSelector(providers.KindChat, "acme", "m")
	s.SetSelector(providers.KindImage, "other", "dall-e-3")

	baseURL, err := s.DeleteProvider("acme")
	if err != nil {
		t.Fatalf("DeleteProvider: %v", err)
	}
	if baseURL != "https://a.example" {
		t.Fatalf("returned base url = %q", baseURL)
	}
	if _, err := s.Provider("acme"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Provider after delete: %v", err)
	}
	if _, ok := s.Override("acme", "m"); ok {
		t.Fatal("override survived provider delete")
	}
	if _, ok := s.Selector(providers.KindChat); ok {
		t.Fatal("selector pointing at deleted provider survived")
	}
	if _, ok := s.Selector(providers.KindImage); !ok {
		t.Fatal("unrelated selector was dropped")
	}

	if _, err := s.DeleteProvider("acme"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete: %v", err)
	}
}

func TestOverrideIsCaseInsensitive(t *testing.T) {
	s := testStore(t)
	s.SetOverride("acme", "  GPT-4o-Mini ", providers.CompatClaude)
	c, ok := s.Override("acme", "gpt-4o-mini")
	if !ok || c != providers.CompatClaude {
		t.Fatalf("override = %v %v", c, ok)
	}
}

func TestMergeCatalogCorrection(t *testing.T) {
	s := testStore(t)

	s.MergeCatalog(map[string]providers.Compat{"some-model": providers.CompatOpenAI})
	if c, _ := s.CatalogEntry("some-model"); c != providers.CompatOpenAI {
		t.Fatalf("entry = %v", c)
	}

	// A specific family corrects a default openai guess.
	s.MergeCatalog(map[string]providers.Compat{"some-model": providers.CompatGemini})
	if c, _ := s.CatalogEntry("some-model"); c != providers.CompatGemini {
		t.Fatalf("entry after correction = %v", c)
	}

	// But an openai observation does not downgrade a specific entry.
	s.MergeCatalog(map[string]providers.Compat{"some-model": providers.CompatOpenAI})
	if c, _ := s.CatalogEntry("some-model"); c != providers.CompatGemini {
		t.Fatalf("entry downgraded: %v", c)
	}

	if n, updated := s.CatalogSize(); n != 1 || updated.IsZero() {
		t.Fatalf("catalog size = %d, updated = %v", n, updated)
	}
}

func TestSetCatalogEntryNoOverwrite(t *testing.T) {
	s := testStore(t)

	s.SetCatalogEntry("m", providers.CompatClaude)
	s.SetCatalogEntry("m", providers.CompatOpenAI)
	if c, _ := s.CatalogEntry("m"); c != providers.CompatClaude {
		t.Fatalf("entry overwritten: %v", c)
	}

	// And no refresh timestamp gets minted.
	if _, updated := s.CatalogSize(); !updated.IsZero() {
		t.Fatalf("timestamp touched: %v", updated)
	}
}

func TestMigrateSeedsCatalogFromOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	legacy := map[string]any{
		"data_version": 1,
		"model_compat_overrides": map[string]any{
			"acme": map[string]any{"old-model": "claude"},
		},
		"model_catalog": map[string]any{"known": "gemini"},
	}
	raw, err := json.Marshal(legacy)
	if err != nil {
		t.Fatalf("marshal legacy doc: %v", err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatalf("write legacy doc: %v", err)
	}

	s, err := Open(Config{Path: path, Crypto: testCrypto(t), Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if s.doc.DataVersion != currentVersion {
		t.Fatalf("version = %d, want %d", s.doc.DataVersion, currentVersion)
	}
	if c, ok := s.CatalogEntry("old-model"); !ok || c != providers.CompatClaude {
		t.Fatalf("override not seeded into catalog: %v %v", c, ok)
	}
	if c, _ := s.CatalogEntry("known"); c != providers.CompatGemini {
		t.Fatalf("existing catalog entry clobbered: %v", c)
	}
}

func TestTelegraphPostsBounded(t *testing.T) {
	s := testStore(t)
	for i := 0; i < maxTelegraphPosts+5; i++ {
		s.AddTelegraphPost("post", "https://telegra.ph/p")
	}
	if got := len(s.TelegraphPosts()); got != maxTelegraphPosts {
		t.Fatalf("posts kept = %d, want %d", got, maxTelegraphPosts)
	}
}
