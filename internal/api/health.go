// Package api composes the Accountant, Enforcer, Dashboard Aggregator,
// and Alerting Engine into the health-aware Integration layer's read
// API, grounded on internal/api/agent_handlers_base.go's
// composition-over-a-shared-monitor-reference pattern and
// internal/ai/investigation/orchestrator.go's context-first
// lifecycle/shutdown style.
package api

import (
	"sync"
	"time"

	"github.com/tokenwatch/monitor/internal/models"
)

// HealthTracker maintains the per-component health records the
// Integration layer's health model is built from: components age from
// running to degraded (30s unreported) to error (60s unreported).
type HealthTracker struct {
	mu         sync.RWMutex
	components map[string]models.ComponentHealth
}

// NewHealthTracker returns a tracker with no components registered yet;
// Touch registers a component on first call.
func NewHealthTracker() *HealthTracker {
	return &HealthTracker{components: make(map[string]models.ComponentHealth)}
}

// Touch records a successful check-in for component at now, resetting
// its status to running and clearing its last error.
func (h *HealthTracker) Touch(component string, now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c := h.components[component]
	c.Name = component
	c.Status = models.ComponentRunning
	c.LastCheck = now
	h.components[component] = c
}

// RecordError marks component as having failed a check, bumping its
// error count and last error and setting its status to error.
func (h *HealthTracker) RecordError(component string, err error, now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c := h.components[component]
	c.Name = component
	c.Status = models.ComponentError
	c.LastCheck = now
	c.ErrorCount++
	if err != nil {
		c.LastError = err.Error()
	}
	h.components[component] = c
}

// Snapshot ages every component by elapsed time since its last check
// (per DegradedAfter/ErrorAfter) and returns the composite SystemHealth
// reading.
func (h *HealthTracker) Snapshot(now time.Time) models.SystemHealth {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make(map[string]models.ComponentHealth, len(h.components))
	for name, c := range h.components {
		aged := c
		elapsed := now.Sub(c.LastCheck)
		switch {
		case elapsed >= models.ErrorAfter:
			aged.Status = models.ComponentError
		case elapsed >= models.DegradedAfter:
			aged.Status = models.ComponentDegraded
		}
		out[name] = aged
		h.components[name] = aged
	}

	return models.SystemHealth{
		Status:     models.LevelFor(out),
		Components: out,
		Timestamp:  now,
	}
}
