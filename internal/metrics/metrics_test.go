package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/tokenwatch/monitor/internal/bus"
	"github.com/tokenwatch/monitor/internal/models"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("Write: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestEnforcerStatusValueMapping(t *testing.T) {
	cases := map[string]float64{
		"normal": 0, "warning": 1, "critical": 2, "blocked": 3, "bogus": 0,
	}
	for status, want := range cases {
		if got := EnforcerStatusValue(status); got != want {
			t.Errorf("EnforcerStatusValue(%q) = %v, want %v", status, got, want)
		}
	}
}

func TestSubscribeRecordsUsageEvent(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := newMetrics(registry)
	b := bus.New()
	Subscribe(b, m)

	b.Publish(bus.Event{Kind: bus.EventUsageRecorded, Usage: &models.UsageRecord{
		ProviderID: "anthropic", ModelID: "claude", InputTokens: 100, OutputTokens: 50, Cost: 1.5,
	}})

	tokens := counterValue(t, m.AccountantTokensTotal.WithLabelValues("anthropic", "claude"))
	if tokens != 150 {
		t.Errorf("AccountantTokensTotal = %v, want 150", tokens)
	}
	cost := counterValue(t, m.AccountantCostUSDTotal.WithLabelValues("anthropic"))
	if cost != 1.5 {
		t.Errorf("AccountantCostUSDTotal = %v, want 1.5", cost)
	}
}

func TestSubscribeRecordsAlertTriggered(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := newMetrics(registry)
	b := bus.New()
	Subscribe(b, m)

	b.Publish(bus.Event{Kind: bus.EventAlertTriggered, Alert: &models.AlertInstance{
		RuleID: "high-cost", Severity: models.SeverityCritical,
	}})

	got := counterValue(t, m.AlertsTriggeredTotal.WithLabelValues("high-cost", "critical"))
	if got != 1 {
		t.Errorf("AlertsTriggeredTotal = %v, want 1", got)
	}
}

func TestSubscribeIgnoresNilPayloads(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := newMetrics(registry)
	b := bus.New()
	Subscribe(b, m)

	// Must not panic despite missing payload.
	b.Publish(bus.Event{Kind: bus.EventUsageRecorded})
	b.Publish(bus.Event{Kind: bus.EventEnforcementTrigger})
	b.Publish(bus.Event{Kind: bus.EventAlertTriggered})
	b.Publish(bus.Event{Kind: bus.EventAlertEscalated})
	b.Publish(bus.Event{Kind: bus.EventDetection})
}
