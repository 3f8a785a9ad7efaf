package telegraph

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"

	"polybot/internal/crypto"
	"polybot/internal/metrics"
	"polybot/internal/state"
)

func testStore(t *testing.T) *state.Store {
	t.Helper()
	key := make([]byte, 32)
	for i := range key {
		key[i] = 0x42
	}
	cm, err := crypto.NewManager("test", map[string][]byte{"test": key})
	if err != nil {
		t.Fatalf("crypto.NewManager: %v", err)
	}
	s, err := state.Open(state.Config{
		Path:   filepath.Join(t.TempDir(), "state.json"),
		Crypto: cm,
		Logger: zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("state.Open: %v", err)
	}
	return s
}

func TestPublishProvisionsAccountOnce(t *testing.T) {
	var accounts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/createAccount":
			accounts.Add(1)
			json.NewEncoder(w).Encode(map[string]any{
				"ok":     true,
				"result": map[string]any{"access_token": "tok-1"},
			})
		case "/createPage":
			var payload map[string]any
			if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
				t.Errorf("decode createPage: %v", err)
			}
			if payload["access_token"] != "tok-1" {
				t.Errorf("access_token = %v", payload["access_token"])
			}
			json.NewEncoder(w).Encode(map[string]any{
				"ok":     true,
				"result": map[string]any{"url": "https://telegra.ph/Page-01"},
			})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	s := testStore(t)
	c := New(Config{Store: s, Metrics: metrics.Global(), Logger: zerolog.Nop()})
	c.base = srv.URL

	url, err := c.Publish(context.Background(), "Long Answer", "body text")
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if url != "https://telegra.ph/Page-01" {
		t.Fatalf("url = %q", url)
	}
	if got := s.TelegraphToken(); got != "tok-1" {
		t.Fatalf("token not cached: %q", got)
	}

	// Second publication reuses the cached token.
	if _, err := c.Publish(context.Background(), "Another", "more text"); err != nil {
		t.Fatalf("Publish again: %v", err)
	}
	if accounts.Load() != 1 {
		t.Fatalf("createAccount calls = %d, want 1", accounts.Load())
	}

	posts := s.TelegraphPosts()
	if len(posts) != 2 || posts[0].Title != "Long Answer" {
		t.Fatalf("posts = %+v", posts)
	}
}

func TestPublishSurfacesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"ok": false, "error": "SHORT_NAME_REQUIRED"})
	}))
	defer srv.Close()

	s := testStore(t)
	c := New(Config{Store: s, Metrics: metrics.Global(), Logger: zerolog.Nop()})
	c.base = srv.URL

	_, err := c.Publish(context.Background(), "t", "x")
	if err == nil || !strings.Contains(err.Error(), "SHORT_NAME_REQUIRED") {
		t.Fatalf("err = %v", err)
	}
}

func TestNodes(t *testing.T) {
	out := nodes("first paragraph\n\nsecond paragraph\n\n\n\n")
	if len(out) != 2 {
		t.Fatalf("nodes = %d, want 2", len(out))
	}
	if out[0]["tag"] != "p" {
		t.Fatalf("tag = %v", out[0]["tag"])
	}
	kids := out[1]["children"].([]string)
	if len(kids) != 1 || kids[0] != "second paragraph" {
		t.Fatalf("children = %v", kids)
	}

	// Empty input still yields a valid DOM.
	if out := nodes("  "); len(out) != 1 {
		t.Fatalf("empty input nodes = %d", len(out))
	}
}
