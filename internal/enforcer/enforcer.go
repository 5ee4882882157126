// Package enforcer implements the Cap Enforcer (C4): short-window usage
// caps on a small, named set of components (typically "inspector" and
// "orchestrator"), with threshold-driven advisory events and optional
// invasive actions gated behind explicit config.
//
// The status ladder and window-crossing convention are generalized from
// internal/ai/circuit.Breaker, which tracks a single
// failure/success counter through a closed/open/half-open state machine
// with a callback fired on every transition; here the counter is a
// per-component token tally compared against a limit, and the
// four-way normal/warning/critical/blocked ladder replaces the
// breaker's three states.
package enforcer

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tokenwatch/monitor/internal/bus"
	"github.com/tokenwatch/monitor/internal/models"
)

// DefaultWindow is the rolling window over which a component's usage
// accumulates before resetting, per spec's "default rolling daily".
const DefaultWindow = 24 * time.Hour

// ComponentLimit configures one enforced component.
type ComponentLimit struct {
	Component string
	Limit     int64
	Window    time.Duration
}

// Config controls invasive-action gating; actions are advisory-only
// (an emitted event) unless explicitly enabled.
type Config struct {
	EnableInvasiveActions bool
}

type componentState struct {
	usage      int64
	limit      int64
	window     time.Duration
	status     models.Status
	lastUpdate time.Time
	windowFrom time.Time
}

// Enforcer tracks ComponentUsage counters and emits enforcement_triggered
// on upward threshold crossings. One mutex serializes all components;
// the expected component count is small (two, per spec) so a single
// lock never becomes a bottleneck.
type Enforcer struct {
	cfg Config
	bus *bus.Bus

	mu         sync.Mutex
	components map[string]*componentState
}

// New returns an Enforcer with no components registered; call
// RegisterComponent for each cap to track.
func New(b *bus.Bus, cfg Config) *Enforcer {
	return &Enforcer{cfg: cfg, bus: b, components: make(map[string]*componentState)}
}

// Subscribe wires e into the bus's usage stream: every UsageRecord the
// Accountant publishes feeds RecordUsage for its producing agent, so
// registered components' windowed caps advance off real token flow
// rather than only the direct RecordUsage calls a caller might make.
// Records with no agent identity are skipped — there is no component to
// charge them against. Grounded on internal/metrics/wiring.go's Subscribe.
func Subscribe(b *bus.Bus, e *Enforcer) {
	b.Subscribe(bus.EventUsageRecorded, func(ev bus.Event) {
		if ev.Usage == nil || ev.Usage.AgentID == "" {
			return
		}
		if _, err := e.RecordUsage(string(ev.Usage.AgentID), int64(ev.Usage.TotalTokens)); err != nil {
			log.Warn().Err(err).Str("agent", string(ev.Usage.AgentID)).Msg("enforcer: failed to record usage from bus")
		}
	})
}

// RegisterComponent adds or replaces a tracked component's limit/window.
// A zero Window falls back to DefaultWindow.
func (e *Enforcer) RegisterComponent(cl ComponentLimit) {
	window := cl.Window
	if window <= 0 {
		window = DefaultWindow
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.components[cl.Component] = &componentState{
		limit:      cl.Limit,
		window:     window,
		status:     models.StatusNormal,
		windowFrom: time.Now(),
	}
}

// RecordUsage adds tokens to a component's current window, resetting the
// window first if its boundary has passed, and emits
// enforcement_triggered on any upward status crossing. Over-recording
// beyond the limit is accepted, never dropped (spec's failure
// semantics) — the component simply reports blocked with usage above
// 100%.
func (e *Enforcer) RecordUsage(component string, tokens int64) (models.ComponentUsage, error) {
	now := time.Now()

	e.mu.Lock()
	st, ok := e.components[component]
	if !ok {
		st = &componentState{limit: 0, window: DefaultWindow, status: models.StatusNormal, windowFrom: now}
		e.components[component] = st
	}

	if now.Sub(st.windowFrom) >= st.window {
		st.usage = 0
		st.windowFrom = now
		st.status = models.StatusNormal
	}

	from := st.status
	st.usage += tokens
	st.lastUpdate = now

	ratio := 0.0
	if st.limit > 0 {
		ratio = float64(st.usage) / float64(st.limit)
	}
	to := models.StatusForRatio(ratio)
	st.status = to

	usage := models.ComponentUsage{
		Component:       component,
		CurrentUsage:    st.usage,
		Limit:           st.limit,
		Status:          st.status,
		LastUpdate:      st.lastUpdate,
		LastWindowReset: st.windowFrom,
	}
	e.mu.Unlock()

	if statusRank(to) > statusRank(from) {
		e.triggerEnforcement(component, from, to, usage.CurrentUsage, usage.Limit)
	}

	return usage, nil
}

func statusRank(s models.Status) int {
	switch s {
	case models.StatusNormal:
		return 0
	case models.StatusWarning:
		return 1
	case models.StatusCritical:
		return 2
	case models.StatusBlocked:
		return 3
	default:
		return 0
	}
}

// triggerEnforcement publishes enforcement_triggered. Invasive actions
// (killing a session, closing a pane) are never taken here — the
// Enforcer only ever emits; a consumer wired with EnableInvasiveActions
// decides whether to act on the Invasive flag.
func (e *Enforcer) triggerEnforcement(component string, from, to models.Status, usage, limit int64) {
	action := models.EnforcementAction{
		Component: component,
		From:      from,
		To:        to,
		Usage:     usage,
		Limit:     limit,
		Invasive:  to == models.StatusBlocked && e.cfg.EnableInvasiveActions,
		Timestamp: time.Now(),
	}

	log.Warn().
		Str("component", component).
		Str("from", string(from)).
		Str("to", string(to)).
		Int64("usage", usage).
		Int64("limit", limit).
		Bool("invasive", action.Invasive).
		Msg("enforcer: component crossed threshold")

	if e.bus != nil {
		e.bus.Publish(bus.Event{Kind: bus.EventEnforcementTrigger, Enforcement: &action})
	}
}

// GetCurrentStatus returns a stable-ordered snapshot of every
// registered component plus a system-level worst-of summary.
func (e *Enforcer) GetCurrentStatus() ([]models.ComponentUsage, models.SystemStatus) {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]models.ComponentUsage, 0, len(e.components))
	worst := models.StatusNormal
	active := 0
	for name, st := range e.components {
		cu := models.ComponentUsage{
			Component:       name,
			CurrentUsage:    st.usage,
			Limit:           st.limit,
			Status:          st.status,
			LastUpdate:      st.lastUpdate,
			LastWindowReset: st.windowFrom,
		}
		out = append(out, cu)
		if statusRank(st.status) > statusRank(worst) {
			worst = st.status
		}
		if st.status != models.StatusNormal {
			active++
		}
	}

	return out, models.SystemStatus{
		SystemStatus:       worst,
		ActiveEnforcements: active,
		Timestamp:          time.Now(),
	}
}
