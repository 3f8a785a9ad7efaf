package worker

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"polybot/internal/providers"
)

func TestTerminal(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"unsupported", fmt.Errorf("claude image generation: %w", providers.ErrUnsupported), true},
		{"config", &providers.ConfigError{Msg: "no model configured"}, true},
		{"auth", &providers.AuthError{Adapter: "openai", Status: 401}, true},
		{"upstream", &providers.UpstreamError{Adapter: "openai", Status: 500}, false},
		{"plain", errors.New("boom"), false},
	}
	for _, tc := range cases {
		if got := terminal(tc.err); got != tc.want {
			t.Errorf("%s: terminal(%v) = %v, want %v", tc.name, tc.err, got, tc.want)
		}
	}
}

func TestShouldCollapse(t *testing.T) {
	long := strings.Repeat("the quick brown fox ", 100)
	cases := []struct {
		name string
		kind providers.Kind
		text string
		want bool
	}{
		{"long chat", providers.KindChat, long, true},
		{"long search", providers.KindSearch, long, true},
		{"short chat", providers.KindChat, "brief", false},
		{"image kind", providers.KindImage, long, false},
		{"quoted line", providers.KindChat, long + "\n> cited source\n" + long, false},
		{"existing blockquote", providers.KindChat, "<blockquote>" + long + "</blockquote>", false},
	}
	for _, tc := range cases {
		if got := shouldCollapse(tc.kind, tc.text); got != tc.want {
			t.Errorf("%s: shouldCollapse = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestPageTitle(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"", "Answer"},
		{"   ", "Answer"},
		{"explain goroutines", "explain goroutines"},
		{"first line\nsecond line", "first line"},
		{strings.Repeat("a", 200), strings.Repeat("a", 80)},
	}
	for _, tc := range cases {
		if got := pageTitle(tc.in); got != tc.want {
			t.Errorf("pageTitle(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
