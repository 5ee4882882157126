// Package accountant attributes detected usage to a provider/model/agent
// triple, prices it, persists it, and answers the rolled-up usage and
// limit-prediction queries the dashboard and alerting engine depend on
// (C3).
package accountant

import (
	"fmt"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"github.com/tokenwatch/monitor/internal/models"
)

// ProviderPattern is a built-in attribution rule: if Gate matches the
// lowercased metadata blob, the record is attributed to Provider, and
// ModelPatterns are walked in order to pick a model (first match wins,
// otherwise the provider's default model is used).
type ProviderPattern struct {
	Provider      models.ProviderID
	Gate          string // substring, matched against the lowercased blob
	ModelPatterns []ModelPattern
}

// ModelPattern maps a substring of the metadata blob to a concrete model.
type ModelPattern struct {
	Contains string
	ModelID  models.ModelID
}

// defaultAttributionRules mirrors the provider-detection heuristics of
// internal/ai/cost/resolve.go's inferProviderAndModel, in
// registration order — first gate match wins.
func defaultAttributionRules() []ProviderPattern {
	return []ProviderPattern{
		{
			Provider: "anthropic",
			Gate:     "anthropic",
			ModelPatterns: []ModelPattern{
				{Contains: "claude-3-5-sonnet", ModelID: "claude-3-5-sonnet-20241022"},
				{Contains: "claude-3-opus", ModelID: "claude-3-opus-20240229"},
				{Contains: "claude-3-haiku", ModelID: "claude-3-haiku-20240307"},
			},
		},
		{
			Provider: "openai",
			Gate:     "openai",
			ModelPatterns: []ModelPattern{
				{Contains: "gpt-4o-mini", ModelID: "gpt-4o-mini"},
				{Contains: "gpt-4o", ModelID: "gpt-4o"},
				{Contains: "gpt-4", ModelID: "gpt-4-turbo"},
			},
		},
		{
			Provider: "deepseek",
			Gate:     "deepseek",
			ModelPatterns: []ModelPattern{
				{Contains: "deepseek-reasoner", ModelID: "deepseek-reasoner"},
				{Contains: "deepseek-chat", ModelID: "deepseek-chat"},
			},
		},
		{
			Provider:      "ollama",
			Gate:          "ollama",
			ModelPatterns: []ModelPattern{},
		},
	}
}

// defaultProviders seeds the Accountant with the providers the built-in
// attribution rules name, each with its registered models and their
// pricing defaults; integrators add or override via API.
func defaultProviders() []models.Provider {
	return []models.Provider{
		{
			ID: "anthropic", DisplayName: "Anthropic", Enabled: true,
			RateLimits: models.RateLimits{RequestsPerMinute: 50, TokensPerMinute: 100_000, TokensPerDay: 2_000_000},
			Pricing:    models.PricingPolicy{Currency: "USD", AutoUpdate: false},
			Models: []models.Model{
				{ID: "claude-3-5-sonnet-20241022", DisplayName: "Claude 3.5 Sonnet", ContextWindow: 200_000, Pricing: models.Pricing{InputPer1K: 0.003, OutputPer1K: 0.015}},
				{ID: "claude-3-opus-20240229", DisplayName: "Claude 3 Opus", ContextWindow: 200_000, Pricing: models.Pricing{InputPer1K: 0.015, OutputPer1K: 0.075}},
				{ID: "claude-3-haiku-20240307", DisplayName: "Claude 3 Haiku", ContextWindow: 200_000, Pricing: models.Pricing{InputPer1K: 0.00025, OutputPer1K: 0.00125}},
			},
		},
		{
			ID: "openai", DisplayName: "OpenAI", Enabled: true,
			RateLimits: models.RateLimits{RequestsPerMinute: 60, TokensPerMinute: 150_000, TokensPerDay: 3_000_000},
			Pricing:    models.PricingPolicy{Currency: "USD", AutoUpdate: false},
			Models: []models.Model{
				{ID: "gpt-4o", DisplayName: "GPT-4o", ContextWindow: 128_000, Pricing: models.Pricing{InputPer1K: 0.0025, OutputPer1K: 0.01}},
				{ID: "gpt-4o-mini", DisplayName: "GPT-4o mini", ContextWindow: 128_000, Pricing: models.Pricing{InputPer1K: 0.00015, OutputPer1K: 0.0006}},
				{ID: "gpt-4-turbo", DisplayName: "GPT-4 Turbo", ContextWindow: 128_000, Pricing: models.Pricing{InputPer1K: 0.01, OutputPer1K: 0.03}},
			},
		},
		{
			ID: "deepseek", DisplayName: "DeepSeek", Enabled: true,
			RateLimits: models.RateLimits{RequestsPerMinute: 60, TokensPerMinute: 200_000, TokensPerDay: 5_000_000},
			Pricing:    models.PricingPolicy{Currency: "USD", AutoUpdate: false},
			Models: []models.Model{
				{ID: "deepseek-chat", DisplayName: "DeepSeek Chat", ContextWindow: 64_000, Pricing: models.Pricing{InputPer1K: 0.00014, OutputPer1K: 0.00028}},
				{ID: "deepseek-reasoner", DisplayName: "DeepSeek Reasoner", ContextWindow: 64_000, Pricing: models.Pricing{InputPer1K: 0.00055, OutputPer1K: 0.00219}},
			},
		},
		{
			ID: "ollama", DisplayName: "Ollama (local)", Enabled: true,
			RateLimits: models.RateLimits{RequestsPerMinute: 0, TokensPerMinute: 0, TokensPerDay: 0},
			Pricing:    models.PricingPolicy{Currency: "USD", AutoUpdate: false},
			Models: []models.Model{
				{ID: "local", DisplayName: "local model", ContextWindow: 32_000, Pricing: models.Pricing{InputPer1K: 0, OutputPer1K: 0}},
			},
		},
	}
}

// ProviderTable owns the process-global, mutable set of Providers.
// Mutations (enable/disable, pricing refresh) are serialized here.
type ProviderTable struct {
	mu          sync.RWMutex
	byID        map[models.ProviderID]*models.Provider
	rules       []ProviderPattern
	limiters    map[models.ProviderID]*rate.Limiter
	rateLimited map[models.ProviderID]bool
}

// NewProviderTable returns a ProviderTable seeded with the built-in
// providers and attribution rules.
func NewProviderTable() *ProviderTable {
	t := &ProviderTable{
		byID:        make(map[models.ProviderID]*models.Provider),
		rules:       defaultAttributionRules(),
		limiters:    make(map[models.ProviderID]*rate.Limiter),
		rateLimited: make(map[models.ProviderID]bool),
	}
	for _, p := range defaultProviders() {
		p := p
		t.byID[p.ID] = &p
	}
	return t
}

// limiterFor lazily builds the per-provider rate.Limiter gating the
// Accountant's own outbound pricing-refresh calls, sized off the
// provider's own RequestsPerMinute so the refresher never exceeds the
// rate the provider itself advertises. A provider with no configured
// request limit (e.g. a local Ollama install) is never limited.
func (t *ProviderTable) limiterFor(id models.ProviderID) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()

	if l, ok := t.limiters[id]; ok {
		return l
	}
	p, ok := t.byID[id]
	if !ok || p.RateLimits.RequestsPerMinute <= 0 {
		t.limiters[id] = nil
		return nil
	}
	l := rate.NewLimiter(rate.Limit(float64(p.RateLimits.RequestsPerMinute)/60), p.RateLimits.RequestsPerMinute)
	t.limiters[id] = l
	return l
}

// tryReserveRefresh reports whether a pricing-refresh call for id may
// proceed right now, recording the outcome so IsRateLimited can surface
// it on the read API without the caller threading state through.
func (t *ProviderTable) tryReserveRefresh(id models.ProviderID) bool {
	limiter := t.limiterFor(id)
	allowed := limiter == nil || limiter.Allow()

	t.mu.Lock()
	t.rateLimited[id] = !allowed
	t.mu.Unlock()
	return allowed
}

// IsRateLimited reports whether the most recent pricing-refresh attempt
// for id was throttled by its rate.Limiter.
func (t *ProviderTable) IsRateLimited(id models.ProviderID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.rateLimited[id]
}

// Get returns a copy of the provider with the given id.
func (t *ProviderTable) Get(id models.ProviderID) (models.Provider, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.byID[id]
	if !ok {
		return models.Provider{}, false
	}
	return *p, true
}

// List returns a copy of every registered provider.
func (t *ProviderTable) List() []models.Provider {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]models.Provider, 0, len(t.byID))
	for _, p := range t.byID {
		out = append(out, *p)
	}
	return out
}

// SetEnabled toggles whether a provider is eligible for attribution.
func (t *ProviderTable) SetEnabled(id models.ProviderID, enabled bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.byID[id]
	if !ok {
		return fmt.Errorf("accountant: unknown provider %q", id)
	}
	p.Enabled = enabled
	return nil
}

// Attribute serializes metadata to a lowercased blob, walks provider
// gates in order, then walks that provider's model patterns (falling
// back to its default model). Returns ok=false if no enabled
// provider's gate matches — the caller must drop the record rather
// than synthesize one.
func (t *ProviderTable) Attribute(blob string) (providerID models.ProviderID, modelID models.ModelID, ok bool) {
	blob = strings.ToLower(blob)

	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, rule := range t.rules {
		if !strings.Contains(blob, rule.Gate) {
			continue
		}
		p, exists := t.byID[rule.Provider]
		if !exists || !p.Enabled {
			continue
		}
		for _, mp := range rule.ModelPatterns {
			if strings.Contains(blob, mp.Contains) {
				return rule.Provider, mp.ModelID, true
			}
		}
		if dm, has := p.DefaultModel(); has {
			return rule.Provider, dm.ID, true
		}
		return rule.Provider, "", true
	}
	return "", "", false
}

// PricingFor returns the pricing for a provider/model pair.
func (t *ProviderTable) PricingFor(providerID models.ProviderID, modelID models.ModelID) (models.Pricing, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.byID[providerID]
	if !ok {
		return models.Pricing{}, false
	}
	m, ok := p.ModelByID(modelID)
	if !ok {
		return models.Pricing{}, false
	}
	return m.Pricing, true
}
