package gateway

import (
	"context"
	"strings"

	"polybot/internal/providers"
)

// probeHandle is a broadcast-once result that late subscribers can await
// without re-issuing the probe. done is closed exactly once, after compat
// and err are set.
type probeHandle struct {
	done   chan struct{}
	compat providers.Compat
	err    error
}

func (h *probeHandle) wait(ctx context.Context) (providers.Compat, error) {
	select {
	case <-h.done:
		return h.compat, h.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// ResolveCompat determines the wire family for (provider, model).
//
// Order: manual override, then catalog cache, then a name heuristic. The
// heuristic answer is returned immediately; a probe of the provider's model
// listings runs in the background so later calls get a verified catalog
// entry. Probe failure is non-fatal, the heuristic value is cached so
// subsequent calls skip the probe.
func (g *Gateway) ResolveCompat(ctx context.Context, prov providers.Provider, model string) providers.Compat {
	lower := strings.ToLower(strings.TrimSpace(model))

	if c, ok := g.store.Override(prov.Name, lower); ok {
		g.metrics.CompatCacheHits.Inc()
		return c
	}
	if c, ok := g.store.CatalogEntry(lower); ok {
		g.metrics.CompatCacheHits.Inc()
		return c
	}

	guess := providers.DetectCompat(model)
	g.scheduleProbe(prov, lower, guess)
	return guess
}

// ResolveCompatWait is ResolveCompat for callers that want the verified
// answer and can afford to block on the probe.
func (g *Gateway) ResolveCompatWait(ctx context.Context, prov providers.Provider, model string) (providers.Compat, error) {
	lower := strings.ToLower(strings.TrimSpace(model))

	if c, ok := g.store.Override(prov.Name, lower); ok {
		return c, nil
	}
	if c, ok := g.store.CatalogEntry(lower); ok {
		return c, nil
	}

	guess := providers.DetectCompat(model)
	h, created := g.probeHandleFor(prov.Name, lower)
	if created {
		g.runProbe(h, prov, lower, guess)
	}
	if _, err := h.wait(ctx); err != nil {
		return guess, err
	}

	// The handle publishes whichever model its creator asked about. A
	// joiner on the coarse provider key wants its own model, which the
	// probe merged into the catalog when the provider listed it.
	if c, ok := g.store.CatalogEntry(lower); ok {
		return c, nil
	}
	g.store.SetCatalogEntry(lower, guess)
	return guess, nil
}

// probeHandleFor returns the shared in-flight handle for the resolution key,
// creating one when none exists. The coarse provider-only key lets callers
// resolving different models of the same provider share one enumeration.
func (g *Gateway) probeHandleFor(providerName, modelLower string) (*probeHandle, bool) {
	key := providerName + "::" + modelLower

	g.mu.Lock()
	defer g.mu.Unlock()

	if h, ok := g.inflight[key]; ok {
		return h, false
	}
	if h, ok := g.inflight[providerName]; ok {
		return h, false
	}
	h := &probeHandle{done: make(chan struct{})}
	g.inflight[key] = h
	g.inflight[providerName] = h
	return h, true
}

func (g *Gateway) scheduleProbe(prov providers.Provider, modelLower string, guess providers.Compat) {
	h, created := g.probeHandleFor(prov.Name, modelLower)
	if !created {
		return
	}
	go g.runProbe(h, prov, modelLower, guess)
}

// runProbe enumerates the provider's models across all three families,
// merges observations into the catalog, and publishes the resolved family
// for modelLower on the handle. Runs at most once per handle.
func (g *Gateway) runProbe(h *probeHandle, prov providers.Provider, modelLower string, guess providers.Compat) {
	g.metrics.CompatProbes.Inc()

	ctx, cancel := context.WithTimeout(context.Background(), providers.TimeoutList*3)
	defer cancel()

	observed, err := g.probeProvider(ctx, prov)
	if err != nil || len(observed) == 0 {
		// Cache the guess so the next call does not probe again.
		g.store.SetCatalogEntry(modelLower, guess)
		g.logger.Debug().Err(err).
			Str("provider", prov.Name).
			Str("model", modelLower).
			Str("compat", string(guess)).
			Msg("compat probe failed, caching heuristic")
		g.finishProbe(h, prov.Name, modelLower, guess, nil)
		return
	}

	g.store.MergeCatalog(observed)
	g.store.SetCatalogEntry(modelLower, guess)

	resolved := guess
	if c, ok := g.store.CatalogEntry(modelLower); ok {
		resolved = c
	}
	g.finishProbe(h, prov.Name, modelLower, resolved, nil)
}

func (g *Gateway) finishProbe(h *probeHandle, providerName, modelLower string, compat providers.Compat, err error) {
	h.compat = compat
	h.err = err
	close(h.done)

	g.mu.Lock()
	delete(g.inflight, providerName+"::"+modelLower)
	delete(g.inflight, providerName)
	g.mu.Unlock()
}

// probeProvider lists models from every family adapter, best effort. Each
// observed name is classified by the family that served the listing,
// corrected by the name pattern when that is more specific.
func (g *Gateway) probeProvider(ctx context.Context, prov providers.Provider) (map[string]providers.Compat, error) {
	observed := map[string]providers.Compat{}
	var lastErr error

	for _, adapter := range g.registry.All() {
		names, err := adapter.ListModels(ctx, prov)
		if err != nil {
			lastErr = err
			continue
		}
		family := adapter.Compat()
		for _, name := range names {
			lower := strings.ToLower(strings.TrimSpace(name))
			if lower == "" {
				continue
			}
			compat := providers.CorrectCompat(family, providers.DetectCompat(lower))
			if prev, ok := observed[lower]; ok {
				compat = providers.CorrectCompat(prev, compat)
			}
			observed[lower] = compat
		}
	}

	if len(observed) == 0 {
		return nil, lastErr
	}
	return observed, nil
}
