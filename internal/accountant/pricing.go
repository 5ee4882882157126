package accountant

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tokenwatch/monitor/internal/models"
)

// CostFor computes (input/1000)*pricing.input + (output/1000)*pricing.output.
func CostFor(pricing models.Pricing, inputTokens, outputTokens int) float64 {
	return float64(inputTokens)/1000*pricing.InputPer1K + float64(outputTokens)/1000*pricing.OutputPer1K
}

// PricingRefresher periodically refreshes provider pricing for providers
// with AutoUpdate enabled, at the minimum UpdateInterval across them. A
// refresh failure leaves existing pricing untouched and is only logged.
type PricingRefresher struct {
	table    *ProviderTable
	fetch    func(ctx context.Context, providerID models.ProviderID) (map[models.ModelID]models.Pricing, error)
	interval time.Duration
}

// NewPricingRefresher returns a refresher that calls fetch for every
// AutoUpdate-enabled provider on the minimum configured interval. fetch is
// the integration point for a real pricing API; a nil fetch makes Run a
// no-op, which is the default when no provider has AutoUpdate set.
func NewPricingRefresher(table *ProviderTable, fetch func(context.Context, models.ProviderID) (map[models.ModelID]models.Pricing, error)) *PricingRefresher {
	min := time.Duration(0)
	for _, p := range table.List() {
		if !p.Pricing.AutoUpdate {
			continue
		}
		if min == 0 || p.Pricing.UpdateInterval < min {
			min = p.Pricing.UpdateInterval
		}
	}
	if min == 0 {
		min = time.Hour
	}
	return &PricingRefresher{table: table, fetch: fetch, interval: min}
}

// Run blocks, refreshing pricing on PricingRefresher.interval until ctx is
// canceled.
func (r *PricingRefresher) Run(ctx context.Context) {
	if r.fetch == nil {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.refreshOnce(ctx)
		}
	}
}

func (r *PricingRefresher) refreshOnce(ctx context.Context) {
	for _, p := range r.table.List() {
		if !p.Pricing.AutoUpdate {
			continue
		}
		if !r.table.tryReserveRefresh(p.ID) {
			log.Warn().Str("provider", string(p.ID)).Msg("accountant: pricing refresh rate-limited, skipping this cycle")
			continue
		}
		fresh, err := r.fetch(ctx, p.ID)
		if err != nil {
			log.Warn().Err(err).Str("provider", string(p.ID)).Msg("accountant: pricing refresh failed, keeping existing pricing")
			continue
		}
		r.table.mu.Lock()
		if live, ok := r.table.byID[p.ID]; ok {
			for i := range live.Models {
				if np, has := fresh[live.Models[i].ID]; has {
					live.Models[i].Pricing = np
				}
			}
		}
		r.table.mu.Unlock()
	}
}
