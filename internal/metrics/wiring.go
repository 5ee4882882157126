package metrics

import (
	"github.com/tokenwatch/monitor/internal/bus"
)

// Subscribe wires m to b so every usage/enforcement/alert event the
// core publishes is also reflected in Prometheus, without the
// accountant/enforcer/alerts packages importing prometheus directly
// (the same bus-mediated decoupling as the websocket hub and
// dashboard aggregator).
func Subscribe(b *bus.Bus, m *Metrics) {
	b.Subscribe(bus.EventUsageRecorded, func(ev bus.Event) {
		if ev.Usage == nil {
			return
		}
		provider := string(ev.Usage.ProviderID)
		model := string(ev.Usage.ModelID)
		m.AccountantTokensTotal.WithLabelValues(provider, model).Add(float64(ev.Usage.InputTokens + ev.Usage.OutputTokens))
		m.AccountantCostUSDTotal.WithLabelValues(provider).Add(ev.Usage.Cost)
	})

	b.Subscribe(bus.EventEnforcementTrigger, func(ev bus.Event) {
		if ev.Enforcement == nil {
			return
		}
		m.EnforcerStatus.WithLabelValues(ev.Enforcement.Component).Set(EnforcerStatusValue(string(ev.Enforcement.To)))
	})

	b.Subscribe(bus.EventAlertTriggered, func(ev bus.Event) {
		if ev.Alert == nil {
			return
		}
		m.AlertsTriggeredTotal.WithLabelValues(string(ev.Alert.RuleID), string(ev.Alert.Severity)).Inc()
	})

	b.Subscribe(bus.EventAlertEscalated, func(ev bus.Event) {
		if ev.Alert == nil {
			return
		}
		m.AlertsEscalatedTotal.WithLabelValues(string(ev.Alert.RuleID)).Inc()
	})

	b.Subscribe(bus.EventDetection, func(ev bus.Event) {
		if ev.Detection == nil {
			return
		}
		m.DetectorEventsTotal.WithLabelValues(string(ev.Detection.Source)).Inc()
	})
}
