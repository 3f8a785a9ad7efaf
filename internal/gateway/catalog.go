package gateway

import (
	"context"
)

// refreshHandle collapses concurrent catalog refreshes: every caller that
// arrives while a refresh is running awaits the same in-flight result.
type refreshHandle struct {
	done chan struct{}
	err  error
}

// RefreshCatalog enumerates models from every configured provider across all
// three families and unions the results into the catalog. Provider and
// family combinations that error are skipped. A force=false call while a
// refresh is already running joins the in-flight one instead of starting a
// second.
func (g *Gateway) RefreshCatalog(ctx context.Context, force bool) error {
	g.mu.Lock()
	if h := g.refresh; h != nil {
		g.mu.Unlock()
		select {
		case <-h.done:
			return h.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	h := &refreshHandle{done: make(chan struct{})}
	g.refresh = h
	g.mu.Unlock()

	h.err = g.refreshAll(ctx)
	close(h.done)

	g.mu.Lock()
	g.refresh = nil
	g.mu.Unlock()
	return h.err
}

func (g *Gateway) refreshAll(ctx context.Context) error {
	g.metrics.CatalogRefreshes.Inc()

	provs, err := g.store.Providers()
	if err != nil {
		return err
	}

	var lastErr error
	total := 0
	for _, prov := range provs {
		observed, err := g.probeProvider(ctx, prov)
		if err != nil {
			lastErr = err
			g.logger.Debug().Err(err).Str("provider", prov.Name).Msg("catalog refresh skipped provider")
			continue
		}
		g.store.MergeCatalog(observed)
		total += len(observed)
	}

	size, updated := g.store.CatalogSize()
	g.logger.Info().
		Int("observed", total).
		Int("catalog_size", size).
		Time("updated_at", updated).
		Msg("catalog refreshed")

	if total == 0 && lastErr != nil {
		return lastErr
	}
	return nil
}
