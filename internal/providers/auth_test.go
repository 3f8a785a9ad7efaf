package providers

import "testing"

func TestAuthAttemptsExplicitConfig(t *testing.T) {
	p := Provider{
		Name:    "custom",
		BaseURL: "https://llm.example.com",
		APIKey:  "sk-test",
		Auth:    &AuthConfig{Method: AuthHeader, HeaderName: "X-Token"},
	}
	attempts := AuthAttempts(p, nil)
	if len(attempts) != 1 {
		t.Fatalf("explicit config must yield one attempt, got %d", len(attempts))
	}
	if got := attempts[0].Headers["X-Token"]; got != "sk-test" {
		t.Fatalf("expected X-Token header with key, got %q", got)
	}
}

func TestAuthAttemptsVendorClassification(t *testing.T) {
	anthropic := Provider{BaseURL: "https://api.anthropic.com", APIKey: "k"}
	attempts := AuthAttempts(anthropic, nil)
	if len(attempts) != 1 || attempts[0].Headers["X-Api-Key"] != "k" {
		t.Fatalf("anthropic URL should yield one x-api-key attempt, got %+v", attempts)
	}

	google := Provider{BaseURL: "https://generativelanguage.googleapis.com", APIKey: "k"}
	attempts = AuthAttempts(google, nil)
	if len(attempts) != 1 || attempts[0].Query["key"] != "k" {
		t.Fatalf("google URL should yield one key query attempt, got %+v", attempts)
	}

	openai := Provider{BaseURL: "https://api.openai.com", APIKey: "k"}
	attempts = AuthAttempts(openai, nil)
	if len(attempts) != 1 || attempts[0].Headers["Authorization"] != "Bearer k" {
		t.Fatalf("openai URL should yield one bearer attempt, got %+v", attempts)
	}
}

func TestAuthAttemptsUnknownHostFallbackChain(t *testing.T) {
	p := Provider{BaseURL: "https://api.acme.ai", APIKey: "k"}
	attempts := AuthAttempts(p, nil)
	if len(attempts) != 3 {
		t.Fatalf("unknown host should yield three attempts, got %d", len(attempts))
	}
	if attempts[0].Headers["Authorization"] != "Bearer k" {
		t.Fatalf("first attempt should be bearer, got %+v", attempts[0])
	}
	if attempts[1].Headers["X-Api-Key"] != "k" {
		t.Fatalf("second attempt should be x-api-key, got %+v", attempts[1])
	}
	if attempts[2].Query["key"] != "k" {
		t.Fatalf("third attempt should be key query, got %+v", attempts[2])
	}
}

func TestAuthAttemptsPreferredCompatReorders(t *testing.T) {
	p := Provider{BaseURL: "https://api.acme.ai", APIKey: "k", PreferredCompat: CompatGemini}
	attempts := AuthAttempts(p, nil)
	if attempts[0].Query["key"] != "k" {
		t.Fatalf("gemini preference should put key query first, got %+v", attempts[0])
	}

	p.PreferredCompat = CompatClaude
	attempts = AuthAttempts(p, nil)
	if attempts[0].Headers["X-Api-Key"] != "k" {
		t.Fatalf("claude preference should put x-api-key first, got %+v", attempts[0])
	}
}

func TestAuthAttemptsExtraHeadersCarried(t *testing.T) {
	p := Provider{BaseURL: "https://api.openai.com", APIKey: "k"}
	attempts := AuthAttempts(p, map[string]string{"Accept": "application/json"})
	if attempts[0].Headers["Accept"] != "application/json" {
		t.Fatalf("extra header dropped: %+v", attempts[0].Headers)
	}
	if attempts[0].Headers["Content-Type"] != "application/json" {
		t.Fatalf("content type missing: %+v", attempts[0].Headers)
	}
}
