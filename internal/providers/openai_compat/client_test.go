package openai_compat

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
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
		{"https://api.openai.com", "/chat/completions", "https://api.openai.com/v1/chat/completions"},
		{"https://api.openai.com/v1", "/chat/completions", "https://api.openai.com/v1/chat/completions"},
		{"https://api.x.ai/", "/models", "https://api.x.ai/v1/models"},
		{"https://example.com/openai/v2", "/models", "https://example.com/openai/v2/models"},
		{"https://example.com/proxy", "/models", "https://example.com/proxy/v1/models"},
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

	if _, err := endpointURL("", "/models"); err == nil {
		t.Fatal("expected error for empty base url")
	}
}

func TestParseChatCompletions(t *testing.T) {
	cases := []struct {
		name    string
		body    string
		want    string
		wantErr bool
	}{
		{"string content", `{"choices":[{"message":{"content":"hello"}}]}`, "hello", false},
		{"legacy text field", `{"choices":[{"text":"legacy"}]}`, "legacy", false},
		{"content parts", `{"choices":[{"message":{"content":[{"type":"text","text":"a"},{"type":"text","text":"b"}]}}]}`, "a\nb", false},
		{"empty choices", `{"choices":[]}`, "", true},
		{"blank content", `{"choices":[{"message":{"content":"  "}}]}`, "", true},
		{"not json", `nope`, "", true},
	}
	for _, tc := range cases {
		got, err := parseChatCompletions([]byte(tc.body))
		if tc.wantErr {
			if err == nil {
				t.Errorf("%s: expected error, got %q", tc.name, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("%s: %v", tc.name, err)
			continue
		}
		if got != tc.want {
			t.Errorf("%s: got %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestChatSearchFoldedForThirdParty(t *testing.T) {
	var payload struct {
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
		Tools []any `json:"tools"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]any{"content": "ok"}}},
		})
	}))
	defer srv.Close()

	c := New(testClient())
	_, err := c.Chat(context.Background(), providers.ChatRequest{
		Provider:  testProvider(srv.URL),
		Model:     "gpt-4o-mini",
		Turns:     []providers.Turn{{Role: "user", Content: "what happened today"}},
		UseSearch: true,
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if len(payload.Tools) != 0 {
		t.Fatalf("tools attached for third-party endpoint: %v", payload.Tools)
	}
	if len(payload.Messages) != 1 || !strings.HasPrefix(payload.Messages[0].Content, searchInstruction) {
		t.Fatalf("search instruction not folded into prompt: %+v", payload.Messages)
	}
}

func TestChatBearerAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("Authorization = %q, want %q", got, "Bearer secret")
		}
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]any{"content": "ok"}}},
		})
	}))
	defer srv.Close()

	c := New(testClient())
	p := testProvider(srv.URL)
	p.Auth = &providers.AuthConfig{Method: providers.AuthBearer}
	res, err := c.Chat(context.Background(), providers.ChatRequest{
		Provider: p,
		Model:    "gpt-4o-mini",
		Turns:    []providers.Turn{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if res.Text != "ok" {
		t.Fatalf("text = %q, want %q", res.Text, "ok")
	}
}

func TestImageDecodesBase64(t *testing.T) {
	raw := []byte{0x89, 'P', 'N', 'G'}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/images/generations" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"b64_json": base64.StdEncoding.EncodeToString(raw)}},
		})
	}))
	defer srv.Close()

	c := New(testClient())
	res, err := c.Image(context.Background(), providers.ImageRequest{
		Provider: testProvider(srv.URL),
		Model:    "dall-e-3",
		Prompt:   "a cat",
	})
	if err != nil {
		t.Fatalf("Image: %v", err)
	}
	if string(res.Data) != string(raw) {
		t.Fatalf("decoded data mismatch: %v", res.Data)
	}
	if res.MimeType != "image/png" {
		t.Fatalf("mime = %q, want image/png", res.MimeType)
	}
}

func TestImageURLFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"url": "https://cdn.example.com/img.png"}},
		})
	}))
	defer srv.Close()

	c := New(testClient())
	res, err := c.Image(context.Background(), providers.ImageRequest{
		Provider: testProvider(srv.URL),
		Model:    "dall-e-3",
		Prompt:   "a cat",
	})
	if err != nil {
		t.Fatalf("Image: %v", err)
	}
	if res.Text != "https://cdn.example.com/img.png" {
		t.Fatalf("url = %q", res.Text)
	}
	if len(res.Data) != 0 {
		t.Fatalf("unexpected binary data: %v", res.Data)
	}
}

func TestSpeechReturnsRawAudio(t *testing.T) {
	audio := []byte("mp3-bytes")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/audio/speech" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var payload map[string]any
		json.NewDecoder(r.Body).Decode(&payload)
		if payload["voice"] != "alloy" {
			t.Errorf("voice = %v, want default alloy", payload["voice"])
		}
		w.Write(audio)
	}))
	defer srv.Close()

	c := New(testClient())
	res, err := c.Speech(context.Background(), providers.SpeechRequest{
		Provider: testProvider(srv.URL),
		Model:    "tts-1",
		Text:     "hello",
	})
	if err != nil {
		t.Fatalf("Speech: %v", err)
	}
	if string(res.Data) != string(audio) || res.MimeType != "audio/mpeg" {
		t.Fatalf("result = %q %q", res.Data, res.MimeType)
	}
}

func TestListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/models" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"id": "gpt-4o-mini"}, {"id": "o3-mini"}},
		})
	}))
	defer srv.Close()

	c := New(testClient())
	names, err := c.ListModels(context.Background(), testProvider(srv.URL))
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}
	if len(names) != 2 || names[0] != "gpt-4o-mini" || names[1] != "o3-mini" {
		t.Fatalf("names = %v", names)
	}
}
