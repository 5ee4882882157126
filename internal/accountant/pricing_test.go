package accountant

import (
	"context"
	"testing"

	"github.com/tokenwatch/monitor/internal/models"
)

func TestTryReserveRefreshAllowsWithinBurst(t *testing.T) {
	table := NewProviderTable()
	p, ok := table.Get("anthropic")
	if !ok {
		t.Fatal("expected anthropic to be a built-in provider")
	}
	for i := 0; i < p.RateLimits.RequestsPerMinute; i++ {
		if !table.tryReserveRefresh("anthropic") {
			t.Fatalf("tryReserveRefresh() denied on attempt %d, want allowed within burst", i)
		}
	}
	if table.tryReserveRefresh("anthropic") {
		t.Error("tryReserveRefresh() allowed once burst was exhausted")
	}
	if !table.IsRateLimited("anthropic") {
		t.Error("IsRateLimited() = false after the limiter denied a reservation")
	}
}

func TestTryReserveRefreshUnlimitedForZeroRate(t *testing.T) {
	table := NewProviderTable()
	for i := 0; i < 1000; i++ {
		if !table.tryReserveRefresh("ollama") {
			t.Fatal("tryReserveRefresh() denied for a provider with no configured request limit")
		}
	}
	if table.IsRateLimited("ollama") {
		t.Error("IsRateLimited() = true for a provider with no configured request limit")
	}
}

func TestPricingRefresherSkipsRateLimitedProvider(t *testing.T) {
	table := NewProviderTable()
	calls := 0
	refresher := &PricingRefresher{
		table: table,
		fetch: func(ctx context.Context, id models.ProviderID) (map[models.ModelID]models.Pricing, error) {
			calls++
			return map[models.ModelID]models.Pricing{}, nil
		},
	}

	if err := table.SetEnabled("anthropic", true); err != nil {
		t.Fatal(err)
	}
	p, _ := table.Get("anthropic")
	p.Pricing.AutoUpdate = true
	table.mu.Lock()
	table.byID["anthropic"].Pricing.AutoUpdate = true
	table.mu.Unlock()

	for i := 0; i < p.RateLimits.RequestsPerMinute; i++ {
		table.tryReserveRefresh("anthropic")
	}

	refresher.refreshOnce(context.Background())
	if calls != 0 {
		t.Errorf("fetch called %d times for an exhausted-limiter provider, want 0", calls)
	}
}
