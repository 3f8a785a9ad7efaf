package providers

import (
	"regexp"
	"strings"
)

var (
	claudePattern = regexp.MustCompile(`(?i)claude`)
	geminiPattern = regexp.MustCompile(`(?i)gemini`)
	openaiPattern = regexp.MustCompile(`(?i)^(gpt-|chatgpt|o[1-9]|dall-e|tts-1|whisper|text-embedding)`)
)

// DetectCompat guesses the wire family from a model name alone. Unrecognized
// names default to openai, the least specific family.
func DetectCompat(model string) Compat {
	name := strings.TrimSpace(model)
	switch {
	case claudePattern.MatchString(name):
		return CompatClaude
	case geminiPattern.MatchString(name):
		return CompatGemini
	case openaiPattern.MatchString(name):
		return CompatOpenAI
	default:
		return CompatOpenAI
	}
}

// CorrectCompat merges a newly observed classification into an existing one.
// Gemini and Claude name patterns are specific, so they win over a default
// openai guess; an established specific family is never downgraded.
func CorrectCompat(existing, observed Compat) Compat {
	if existing == observed {
		return existing
	}
	if existing == CompatOpenAI && (observed == CompatGemini || observed == CompatClaude) {
		return observed
	}
	return existing
}
