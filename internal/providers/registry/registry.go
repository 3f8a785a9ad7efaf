package registry

import (
	"fmt"

	"polybot/internal/providers"
	"polybot/internal/providers/claude_compat"
	"polybot/internal/providers/gemini_compat"
	"polybot/internal/providers/openai_compat"
)

// Registry is the single dispatch table from compat family to adapter. All
// adapters share one retrying HTTP client and are reused across requests.
type Registry struct {
	adapters map[providers.Compat]providers.Adapter
	claude   *claude_compat.Client
}

func New(httpClient *providers.Client) *Registry {
	claude := claude_compat.New(httpClient)
	return &Registry{
		adapters: map[providers.Compat]providers.Adapter{
			providers.CompatOpenAI: openai_compat.New(httpClient),
			providers.CompatGemini: gemini_compat.New(httpClient),
			providers.CompatClaude: claude,
		},
		claude: claude,
	}
}

// For returns the adapter speaking the given wire family.
func (r *Registry) For(compat providers.Compat) (providers.Adapter, error) {
	a, ok := r.adapters[compat]
	if !ok {
		return nil, fmt.Errorf("unsupported compat family %q", compat)
	}
	return a, nil
}

// All returns every registered adapter, for catalog probing.
func (r *Registry) All() []providers.Adapter {
	out := make([]providers.Adapter, 0, len(r.adapters))
	for _, compat := range []providers.Compat{providers.CompatOpenAI, providers.CompatGemini, providers.CompatClaude} {
		out = append(out, r.adapters[compat])
	}
	return out
}

// InvalidateProvider drops per-endpoint caches tied to a base URL.
func (r *Registry) InvalidateProvider(baseURL string) {
	r.claude.Invalidate(baseURL)
}
