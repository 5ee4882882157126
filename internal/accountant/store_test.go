package accountant

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/tokenwatch/monitor/internal/bus"
	"github.com/tokenwatch/monitor/internal/models"
)

func TestCostForMatchesFormula(t *testing.T) {
	pricing := models.Pricing{InputPer1K: 0.003, OutputPer1K: 0.015}
	got := CostFor(pricing, 1000, 500)
	want := (1000.0/1000)*0.003 + (500.0/1000)*0.015
	if got != want {
		t.Errorf("CostFor() = %v, want %v", got, want)
	}
}

func TestAttributeFirstGateWins(t *testing.T) {
	table := NewProviderTable()
	providerID, modelID, ok := table.Attribute("ANTHROPIC usage: claude-3-5-sonnet tokens: 100")
	if !ok {
		t.Fatal("expected attribution to succeed")
	}
	if providerID != "anthropic" {
		t.Errorf("providerID = %q, want anthropic", providerID)
	}
	if modelID != "claude-3-5-sonnet-20241022" {
		t.Errorf("modelID = %q, want claude-3-5-sonnet-20241022", modelID)
	}
}

func TestAttributeFallsBackToDefaultModel(t *testing.T) {
	table := NewProviderTable()
	providerID, modelID, ok := table.Attribute("ollama local inference")
	if !ok {
		t.Fatal("expected attribution to succeed")
	}
	if providerID != "ollama" {
		t.Errorf("providerID = %q, want ollama", providerID)
	}
	if modelID != "local" {
		t.Errorf("modelID = %q, want local", modelID)
	}
}

func TestAttributeNoGateMatch(t *testing.T) {
	table := NewProviderTable()
	_, _, ok := table.Attribute("nothing recognizable here")
	if ok {
		t.Error("expected attribution to fail for an unrecognized blob")
	}
}

func TestAttributeDisabledProviderSkipped(t *testing.T) {
	table := NewProviderTable()
	if err := table.SetEnabled("anthropic", false); err != nil {
		t.Fatalf("SetEnabled() error: %v", err)
	}
	_, _, ok := table.Attribute("anthropic usage: tokens: 10")
	if ok {
		t.Error("expected a disabled provider's gate to be skipped")
	}
}

func newTestAccountant(t *testing.T) (*Accountant, *bus.Bus) {
	t.Helper()
	b := bus.New()
	a := New(b, filepath.Join(t.TempDir(), "usage.json"))
	return a, b
}

func TestRecordComputesCostAndPublishes(t *testing.T) {
	a, b := newTestAccountant(t)

	var got *models.UsageRecord
	b.Subscribe(bus.EventUsageRecorded, func(ev bus.Event) { got = ev.Usage })

	rec, ok := a.Record("anthropic", "claude-3-5-sonnet-20241022", "agent-1", "chat", 1000, 500, models.MetadataEnvelope{})
	if !ok {
		t.Fatal("expected Record() to succeed")
	}
	if rec.TotalTokens != 1500 {
		t.Errorf("TotalTokens = %d, want 1500", rec.TotalTokens)
	}
	if got == nil || got.ID != rec.ID {
		t.Error("expected usage:recorded event to be published with the new record")
	}
}

func TestRecordRejectsZeroTokens(t *testing.T) {
	a, _ := newTestAccountant(t)
	_, ok := a.Record("anthropic", "claude-3-5-sonnet-20241022", "", "", 0, 0, models.MetadataEnvelope{})
	if ok {
		t.Error("expected a zero-token record to be rejected")
	}
}

func TestEntityCostAccumulates(t *testing.T) {
	a, _ := newTestAccountant(t)
	a.Record("anthropic", "claude-3-5-sonnet-20241022", "agent-1", "chat", 1000, 0, models.MetadataEnvelope{})
	a.Record("anthropic", "claude-3-5-sonnet-20241022", "agent-1", "chat", 1000, 0, models.MetadataEnvelope{})

	cost := a.EntityCost("agent-1")
	if cost <= 0 {
		t.Errorf("EntityCost() = %v, want > 0", cost)
	}
}

func TestSubscribeRecordsFromDetectionEvent(t *testing.T) {
	a, b := newTestAccountant(t)
	Subscribe(b, a)

	var got *models.UsageRecord
	b.Subscribe(bus.EventUsageRecorded, func(ev bus.Event) { got = ev.Usage })

	det := models.DetectionEvent{
		Source:       models.SourceTerminal,
		SourceID:     "pane-1",
		RawLine:      "anthropic usage: claude-3-5-sonnet tokens: 1500",
		InputTokens:  1000,
		OutputTokens: 500,
		TotalTokens:  1500,
		PatternID:    "anthropic-usage",
		Confidence:   0.9,
		Timestamp:    time.Now(),
	}
	b.Publish(bus.Event{Kind: bus.EventDetection, Detection: &det})

	if got == nil {
		t.Fatal("expected a detection event to produce a usage record via Subscribe")
	}
	if got.ProviderID != "anthropic" {
		t.Errorf("ProviderID = %q, want anthropic", got.ProviderID)
	}
	if got.TotalTokens != 1500 {
		t.Errorf("TotalTokens = %d, want 1500", got.TotalTokens)
	}

	events := a.ListEvents(time.Hour)
	if len(events) != 1 {
		t.Fatalf("expected the accountant to retain 1 record, got %d", len(events))
	}
}

func TestCheckLimitWatchEmitsExceeded(t *testing.T) {
	a, b := newTestAccountant(t)
	if err := a.table.SetEnabled("ollama", false); err != nil {
		t.Fatal(err)
	}

	var gotExceeded bool
	b.Subscribe(bus.EventLimitExceeded, func(ev bus.Event) { gotExceeded = true })

	provider, _ := a.table.Get("anthropic")
	_, ok := a.Record("anthropic", provider.Models[0].ID, "agent-1", "chat", provider.RateLimits.TokensPerDay+1, 0, models.MetadataEnvelope{})
	if !ok {
		t.Fatal("expected Record() to succeed")
	}
	if !gotExceeded {
		t.Error("expected limit:exceeded to fire once daily usage exceeds the provider's TokensPerDay")
	}
}

func TestBudgetThresholdFires(t *testing.T) {
	a, b := newTestAccountant(t)
	a.SetMonthlyBudget("anthropic", 1.0, 0.5, 0.9)

	var thresholds []float64
	a.SetOnBudgetThreshold(func(providerID models.ProviderID, entity string, threshold, current float64) {
		thresholds = append(thresholds, threshold)
	})

	var published int
	b.Subscribe(bus.EventCostThreshold, func(ev bus.Event) { published++ })

	provider, _ := a.table.Get("anthropic")
	model := provider.Models[2] // claude-3-haiku, cheapest
	// Drive enough cost to cross 0.5 then 0.9 of a $1 budget.
	a.Record("anthropic", model.ID, "agent-1", "chat", 2_000_000, 0, models.MetadataEnvelope{})
	a.Record("anthropic", model.ID, "agent-1", "chat", 2_000_000, 0, models.MetadataEnvelope{})

	if len(thresholds) == 0 {
		t.Fatal("expected at least one budget threshold crossing")
	}
	if published == 0 {
		t.Error("expected cost:threshold to be published on the bus")
	}
}

func TestGetProviderUsageRollsUpWindows(t *testing.T) {
	a, _ := newTestAccountant(t)
	a.Record("anthropic", "claude-3-5-sonnet-20241022", "agent-1", "chat", 1000, 500, models.MetadataEnvelope{})

	summaries := a.GetProviderUsage()
	var found bool
	for _, s := range summaries {
		if s.ProviderID != "anthropic" {
			continue
		}
		found = true
		if s.TotalTokens != 1500 {
			t.Errorf("TotalTokens = %d, want 1500", s.TotalTokens)
		}
		if s.Daily.Tokens != 1500 {
			t.Errorf("Daily.Tokens = %d, want 1500", s.Daily.Tokens)
		}
		if s.ByAgent["agent-1"] <= 0 {
			t.Errorf("ByAgent[agent-1] = %v, want > 0", s.ByAgent["agent-1"])
		}
	}
	if !found {
		t.Fatal("expected a summary for anthropic")
	}
}

func TestGetAgentCostMatchesEntityCost(t *testing.T) {
	a, _ := newTestAccountant(t)
	a.Record("anthropic", "claude-3-5-sonnet-20241022", "agent-1", "chat", 1000, 0, models.MetadataEnvelope{})

	if got, want := a.GetAgentCost("agent-1"), a.EntityCost("agent-1"); got != want || got <= 0 {
		t.Errorf("GetAgentCost() = %v, want %v (> 0)", got, want)
	}
}

func TestGetLimitPredictionsRequiresMinimumSamples(t *testing.T) {
	a, _ := newTestAccountant(t)
	a.Record("anthropic", "claude-3-5-sonnet-20241022", "agent-1", "chat", 1000, 0, models.MetadataEnvelope{})
	a.Record("anthropic", "claude-3-5-sonnet-20241022", "agent-1", "chat", 1000, 0, models.MetadataEnvelope{})

	predictions := a.GetLimitPredictions()
	if len(predictions) != 0 {
		t.Errorf("expected no predictions with fewer than 3 samples, got %d", len(predictions))
	}

	a.Record("anthropic", "claude-3-5-sonnet-20241022", "agent-1", "chat", 1000, 0, models.MetadataEnvelope{})
	predictions = a.GetLimitPredictions()
	if len(predictions) != 1 {
		t.Fatalf("expected one prediction once 3 samples exist, got %d", len(predictions))
	}
	if predictions[0].ProviderID != "anthropic" {
		t.Errorf("ProviderID = %q, want anthropic", predictions[0].ProviderID)
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	a, _ := newTestAccountant(t)
	a.Record("anthropic", "claude-3-5-sonnet-20241022", "agent-1", "chat", 1000, 500, models.MetadataEnvelope{})

	if err := a.Flush(); err != nil {
		t.Fatalf("Flush() error: %v", err)
	}

	reloaded := New(bus.New(), a.persistPath)
	if err := reloaded.Load(); err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	events := reloaded.ListEvents(24 * time.Hour)
	if len(events) != 1 {
		t.Fatalf("expected 1 record reloaded from disk, got %d", len(events))
	}
}

func TestLoadPrunesRecordsOlderThanRetention(t *testing.T) {
	a, _ := newTestAccountant(t)
	a.mu.Lock()
	a.records = append(a.records, models.UsageRecord{
		ID: "old", ProviderID: "anthropic", ModelID: "claude-3-5-sonnet-20241022",
		InputTokens: 10, OutputTokens: 0, TotalTokens: 10,
		Timestamp: time.Now().AddDate(0, 0, -DefaultMaxDays-1),
	})
	a.mu.Unlock()
	if err := a.Flush(); err != nil {
		t.Fatalf("Flush() error: %v", err)
	}

	reloaded := New(bus.New(), a.persistPath)
	if err := reloaded.Load(); err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if len(reloaded.ListEvents(365 * 24 * time.Hour)) != 0 {
		t.Error("expected stale record to be pruned on load")
	}
}
