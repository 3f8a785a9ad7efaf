package claude_compat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"polybot/internal/providers"
)

func testProvider(baseURL string) providers.Provider {
	return providers.Provider{Name: "test", BaseURL: baseURL, APIKey: "secret"}
}

func testClient() *providers.Client {
	return providers.NewClient(providers.ClientConfig{MaxRetries: 0, BackoffBase: 1})
}

func TestEndpointURL(t *testing.T) {
	cases := []struct {
		base, path string
		want       string
	}{
		{"https://api.anthropic.com", "/messages", "https://api.anthropic.com/v1/messages"},
		{"https://api.anthropic.com/", "/messages", "https://api.anthropic.com/v1/messages"},
		{"https://api.anthropic.com/v1", "/messages", "https://api.anthropic.com/v1/messages"},
		{"https://proxy.example.com/claude", "/models", "https://proxy.example.com/claude/v1/models"},
	}
	for _, tc := range cases {
		got, err := endpointURL(tc.base, tc.path)
		if err != nil {
			t.Fatalf("endpointURL(%q): %v", tc.base, err)
		}
		if got != tc.want {
			t.Errorf("endpointURL(%q, %q) = %q, want %q", tc.base, tc.path, got, tc.want)
		}
	}

	if _, err := endpointURL("  ", "/messages"); err == nil {
		t.Fatal("expected error for blank base url")
	}
}

func TestProtocolVersionProbe(t *testing.T) {
	var probes atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			probes.Add(1)
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":{"message":"anthropic-version header is required, try 2024-10-22"}}`))
			return
		}
		t.Errorf("unexpected %s request", r.Method)
	}))
	defer srv.Close()

	c := New(testClient())
	p := testProvider(srv.URL)

	if v := c.protocolVersion(context.Background(), p); v != "2024-10-22" {
		t.Fatalf("probed version = %q, want %q", v, "2024-10-22")
	}
	// Second call must hit the cache, not the server.
	if v := c.protocolVersion(context.Background(), p); v != "2024-10-22" {
		t.Fatalf("cached version = %q, want %q", v, "2024-10-22")
	}
	if got := probes.Load(); got != 1 {
		t.Fatalf("probe count = %d, want 1", got)
	}

	c.Invalidate(srv.URL)
	if v := c.protocolVersion(context.Background(), p); v != "2024-10-22" {
		t.Fatalf("re-probed version = %q, want %q", v, "2024-10-22")
	}
	if got := probes.Load(); got != 2 {
		t.Fatalf("probe count after invalidate = %d, want 2", got)
	}
}

func TestProtocolVersionFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusMethodNotAllowed)
		w.Write([]byte(`{"error":"method not allowed"}`))
	}))
	defer srv.Close()

	c := New(testClient())
	if v := c.protocolVersion(context.Background(), testProvider(srv.URL)); v != defaultVersion {
		t.Fatalf("version = %q, want default %q", v, defaultVersion)
	}
}

func TestChatSendsVersionHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			// Version probe: no version hint in the body.
			w.WriteHeader(http.StatusMethodNotAllowed)
			w.Write([]byte("nope"))
			return
		}
		if got := r.Header.Get("anthropic-version"); got != defaultVersion {
			t.Errorf("anthropic-version = %q, want %q", got, defaultVersion)
		}
		var payload map[string]any
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		if payload["system"] != "be brief" {
			t.Errorf("system = %v, want %q", payload["system"], "be brief")
		}
		if payload["max_tokens"] != float64(1024) {
			t.Errorf("max_tokens = %v, want 1024 default", payload["max_tokens"])
		}
		json.NewEncoder(w).Encode(map[string]any{
			"content": []map[string]any{{"type": "text", "text": "hi there"}},
		})
	}))
	defer srv.Close()

	c := New(testClient())
	res, err := c.Chat(context.Background(), providers.ChatRequest{
		Provider: testProvider(srv.URL),
		Model:    "claude-sonnet-4-20250514",
		Turns: []providers.Turn{
			{Role: "system", Content: "be brief"},
			{Role: "user", Content: "hello"},
		},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if res.Text != "hi there" {
		t.Fatalf("text = %q, want %q", res.Text, "hi there")
	}
}

func TestListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/models" {
			json.NewEncoder(w).Encode(map[string]any{
				"data": []map[string]any{
					{"id": "claude-sonnet-4-20250514"},
					{"id": "claude-opus-4-1-20250805"},
				},
			})
			return
		}
		// Version probe against /v1/messages.
		w.WriteHeader(http.StatusMethodNotAllowed)
	}))
	defer srv.Close()

	c := New(testClient())
	names, err := c.ListModels(context.Background(), testProvider(srv.URL))
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}
	if len(names) != 2 || names[0] != "claude-sonnet-4-20250514" {
		t.Fatalf("names = %v", names)
	}
}

func TestImageAndSpeechUnsupported(t *testing.T) {
	c := New(testClient())
	if _, err := c.Image(context.Background(), providers.ImageRequest{}); !errors.Is(err, providers.ErrUnsupported) {
		t.Fatalf("Image err = %v, want ErrUnsupported", err)
	}
	if _, err := c.Speech(context.Background(), providers.SpeechRequest{}); !errors.Is(err, providers.ErrUnsupported) {
		t.Fatalf("Speech err = %v, want ErrUnsupported", err)
	}
}
