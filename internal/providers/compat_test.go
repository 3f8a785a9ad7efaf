package providers

import "testing"

func TestDetectCompat(t *testing.T) {
	cases := []struct {
		model string
		want  Compat
	}{
		{"claude-sonnet-4", CompatClaude},
		{"CLAUDE-3-haiku", CompatClaude},
		{"gemini-2.0-flash", CompatGemini},
		{"models/Gemini-pro", CompatGemini},
		{"gpt-4o-mini", CompatOpenAI},
		{"o3-mini", CompatOpenAI},
		{"chatgpt-4o-latest", CompatOpenAI},
		{"dall-e-3", CompatOpenAI},
		{"tts-1-hd", CompatOpenAI},
		{"llama-3.3-70b", CompatOpenAI},
		{"", CompatOpenAI},
	}
	for _, tc := range cases {
		if got := DetectCompat(tc.model); got != tc.want {
			t.Fatalf("DetectCompat(%q) = %s, want %s", tc.model, got, tc.want)
		}
	}
}

func TestCorrectCompatSpecificWins(t *testing.T) {
	if got := CorrectCompat(CompatOpenAI, CompatGemini); got != CompatGemini {
		t.Fatalf("expected gemini to replace default openai, got %s", got)
	}
	if got := CorrectCompat(CompatOpenAI, CompatClaude); got != CompatClaude {
		t.Fatalf("expected claude to replace default openai, got %s", got)
	}
}

func TestCorrectCompatNeverDowngrades(t *testing.T) {
	if got := CorrectCompat(CompatGemini, CompatOpenAI); got != CompatGemini {
		t.Fatalf("gemini downgraded to %s", got)
	}
	if got := CorrectCompat(CompatClaude, CompatOpenAI); got != CompatClaude {
		t.Fatalf("claude downgraded to %s", got)
	}
	if got := CorrectCompat(CompatClaude, CompatGemini); got != CompatClaude {
		t.Fatalf("established claude changed to %s", got)
	}
}
