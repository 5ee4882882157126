// Package metrics registers the Prometheus instrumentation exposed
// alongside the read API's /metrics endpoint, following the
// Namespace/Subsystem convention of internal/ai/patrol_metrics.go and
// the modelgate telemetry package's per-domain grouping (TokensInput,
// CostUSD, ProviderRequests, CircuitBreakerState).
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "tokenwatch"

// Metrics holds every counter/gauge registered for the monitor. Each
// subsystem's fields are grouped the way patrol_metrics.go groups a
// single component's instrumentation.
type Metrics struct {
	DetectorEventsTotal *prometheus.CounterVec

	AccountantTokensTotal *prometheus.CounterVec
	AccountantCostUSDTotal *prometheus.CounterVec

	EnforcerStatus *prometheus.GaugeVec

	AlertsTriggeredTotal *prometheus.CounterVec
	AlertsEscalatedTotal *prometheus.CounterVec

	WebsocketClients  prometheus.Gauge
	WebsocketDropped  *prometheus.CounterVec
}

var (
	instance *Metrics
	once     sync.Once
)

// Get returns the process-wide singleton, registering it against
// registry on first call (nil uses prometheus.DefaultRegisterer, the
// same registry metrics_server.go wires promhttp.Handler() against).
func Get(registry prometheus.Registerer) *Metrics {
	once.Do(func() {
		instance = newMetrics(registry)
	})
	return instance
}

func newMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		DetectorEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "detector",
				Name:      "events_total",
				Help:      "Total raw detection events observed, by source kind.",
			},
			[]string{"source_kind"},
		),
		AccountantTokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "accountant",
				Name:      "tokens_total",
				Help:      "Total tokens recorded, by provider and model.",
			},
			[]string{"provider", "model"},
		),
		AccountantCostUSDTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "accountant",
				Name:      "cost_usd_total",
				Help:      "Total attributed cost in USD, by provider.",
			},
			[]string{"provider"},
		),
		EnforcerStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "enforcer",
				Name:      "status",
				Help:      "Component enforcement status: 0=normal 1=warning 2=critical 3=blocked.",
			},
			[]string{"component"},
		),
		AlertsTriggeredTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "alerts",
				Name:      "triggered_total",
				Help:      "Total alerts triggered, by rule and severity.",
			},
			[]string{"rule", "severity"},
		),
		AlertsEscalatedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "alerts",
				Name:      "escalated_total",
				Help:      "Total alert escalations, by rule.",
			},
			[]string{"rule"},
		),
		WebsocketClients: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "websocket",
				Name:      "clients",
				Help:      "Currently connected websocket clients.",
			},
		),
		WebsocketDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "websocket",
				Name:      "dropped_total",
				Help:      "Total broadcast messages dropped for slow clients, by reason.",
			},
			[]string{"reason"},
		),
	}

	registry.MustRegister(
		m.DetectorEventsTotal,
		m.AccountantTokensTotal,
		m.AccountantCostUSDTotal,
		m.EnforcerStatus,
		m.AlertsTriggeredTotal,
		m.AlertsEscalatedTotal,
		m.WebsocketClients,
		m.WebsocketDropped,
	)
	return m
}

// EnforcerStatusValue maps an enforcement status name to its gauge
// value: 0=normal 1=warning 2=critical 3=blocked.
func EnforcerStatusValue(status string) float64 {
	switch status {
	case "warning":
		return 1
	case "critical":
		return 2
	case "blocked":
		return 3
	default:
		return 0
	}
}
