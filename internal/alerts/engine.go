// Package alerts implements the Alerting Engine (C6): rule evaluation
// against a pluggable metric resolver, cooldown and hourly-frequency
// gating, a delayed escalation ladder, action dispatch, and
// acknowledge/resolve lifecycle.
package alerts

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tokenwatch/monitor/internal/bus"
	"github.com/tokenwatch/monitor/internal/models"
)

// DefaultCheckInterval is the rule-evaluation cadence.
const DefaultCheckInterval = 30 * time.Second

// DefaultFlappingWindow, DefaultFlappingThreshold, and
// DefaultFlappingCooldown mirror internal/alerts/alerts.go's
// FlappingWindowSeconds/FlappingThreshold/FlappingCooldownMinutes defaults.
const (
	DefaultFlappingWindow    = 5 * time.Minute
	DefaultFlappingThreshold = 5
	DefaultFlappingCooldown  = 15 * time.Minute
)

// resolverCacheTTL bounds pressure from bursty checks re-reading the
// same metric name.
const resolverCacheTTL = 60 * time.Second

// MetricResolver answers "unknown" (ok=false) for names it doesn't
// recognize; the Engine treats that as fail-closed (condition is false,
// never true on missing data).
type MetricResolver func(metric string) (value float64, ok bool)

// ActionDispatcher executes one ActionSpec against an AlertInstance and
// reports success/failure/duration for the instance's ActionRecords.
// Implementations live in internal/notifications; the Engine only
// depends on this function type to avoid an import cycle.
type ActionDispatcher func(action models.ActionSpec, instance models.AlertInstance, rule models.AlertRule) error

type cachedValue struct {
	value float64
	ok    bool
	at    time.Time
}

type ruleState struct {
	rule             models.AlertRule
	hourWindowStart  time.Time
	hourCount        int
	pendingEscalate  map[models.AlertID]*escalationTimer
	triggerHistory   []time.Time // trigger-attempt timestamps, for flapping detection
	flappingUntil    time.Time
}

// QuietHoursConfig suppresses webhook/email/slack action dispatch during
// a daily window, grounded on internal/alerts/alerts.go's QuietHours
// struct and isInQuietHours. log/emit actions are never suppressed.
type QuietHoursConfig struct {
	Enabled  bool
	Start    string // "HH:MM", 24-hour
	End      string // "HH:MM", 24-hour; before Start wraps past midnight
	Timezone string // IANA zone; empty uses local time
}

// FlappingConfig marks a rule Flapping and extends its effective cooldown
// once it has triggered Threshold times within Window, grounded on
// internal/alerts/alerts.go's checkFlappingLocked.
type FlappingConfig struct {
	Enabled   bool
	Window    time.Duration
	Threshold int
	Cooldown  time.Duration
}

type escalationTimer struct {
	nextLevel int
	deadline  time.Time
}

// Engine evaluates AlertRules on a ticker, grounded on cc-top's
// Engine.evaluate loop shape (ticker + mutex-guarded in-memory alert
// slice + an EvaluateAt hook for deterministic tests) generalized to a
// richer rule/condition/escalation model.
type Engine struct {
	bus      *bus.Bus
	dispatch ActionDispatcher
	interval time.Duration
	retain   time.Duration

	mu       sync.Mutex
	rules    map[models.RuleID]*ruleState
	active   map[models.AlertID]*models.AlertInstance
	history  []models.AlertInstance

	flapping FlappingConfig

	quietHours    QuietHoursConfig
	quietHoursLoc *time.Location

	resolverMu sync.Mutex
	resolver   MetricResolver
	cache      map[string]cachedValue
}

// New returns an Engine with no rules registered.
func New(b *bus.Bus, dispatch ActionDispatcher, checkInterval, retention time.Duration) *Engine {
	if checkInterval <= 0 {
		checkInterval = DefaultCheckInterval
	}
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	return &Engine{
		bus:      b,
		dispatch: dispatch,
		interval: checkInterval,
		retain:   retention,
		rules:    make(map[models.RuleID]*ruleState),
		active:   make(map[models.AlertID]*models.AlertInstance),
		cache:    make(map[string]cachedValue),
	}
}

// SetResolver installs the pluggable metric resolver. Called by the
// integration layer's periodic feeder whenever fresh values are ready.
func (e *Engine) SetResolver(r MetricResolver) {
	e.resolverMu.Lock()
	e.resolver = r
	e.cache = make(map[string]cachedValue)
	e.resolverMu.Unlock()
}

// SetFlappingConfig installs the flapping-detection policy; a zero value
// leaves flapping detection disabled (internal/alerts/alerts.go defaults
// it on, but an integrator must opt in explicitly here since it changes
// alerting latency).
func (e *Engine) SetFlappingConfig(cfg FlappingConfig) {
	if cfg.Enabled {
		if cfg.Window <= 0 {
			cfg.Window = DefaultFlappingWindow
		}
		if cfg.Threshold <= 0 {
			cfg.Threshold = DefaultFlappingThreshold
		}
		if cfg.Cooldown <= 0 {
			cfg.Cooldown = DefaultFlappingCooldown
		}
	}
	e.mu.Lock()
	e.flapping = cfg
	e.mu.Unlock()
}

// SetQuietHours installs the quiet-hours policy and resolves its
// timezone once, so every check reuses the cached *time.Location rather
// than re-parsing it per evaluation.
func (e *Engine) SetQuietHours(cfg QuietHoursConfig) {
	loc := time.Local
	if cfg.Timezone != "" {
		if l, err := time.LoadLocation(cfg.Timezone); err == nil {
			loc = l
		} else {
			log.Warn().Err(err).Str("timezone", cfg.Timezone).Msg("alerts: invalid quiet hours timezone, using local time")
		}
	}
	e.mu.Lock()
	e.quietHours = cfg
	e.quietHoursLoc = loc
	e.mu.Unlock()
}

// recordTriggerAttemptLocked appends now to the rule's trigger-attempt
// history, trims entries outside the flapping window, and reports
// whether the rule has now crossed the flapping threshold. Caller must
// hold e.mu.
func (e *Engine) recordTriggerAttemptLocked(st *ruleState, now time.Time) bool {
	if !e.flapping.Enabled {
		return false
	}

	st.triggerHistory = append(st.triggerHistory, now)
	cutoff := now.Add(-e.flapping.Window)
	kept := st.triggerHistory[:0]
	for _, t := range st.triggerHistory {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	st.triggerHistory = kept

	return len(st.triggerHistory) >= e.flapping.Threshold
}

// isInQuietHoursLocked reports whether now falls within the configured
// quiet-hours window. Caller must hold e.mu.
func (e *Engine) isInQuietHoursLocked(now time.Time) bool {
	if !e.quietHours.Enabled {
		return false
	}
	loc := e.quietHoursLoc
	if loc == nil {
		loc = time.Local
	}

	start, err := time.ParseInLocation("15:04", e.quietHours.Start, loc)
	if err != nil {
		log.Warn().Err(err).Str("start", e.quietHours.Start).Msg("alerts: invalid quiet hours start, treating as not quiet")
		return false
	}
	end, err := time.ParseInLocation("15:04", e.quietHours.End, loc)
	if err != nil {
		log.Warn().Err(err).Str("end", e.quietHours.End).Msg("alerts: invalid quiet hours end, treating as not quiet")
		return false
	}

	t := now.In(loc)
	start = time.Date(t.Year(), t.Month(), t.Day(), start.Hour(), start.Minute(), 0, 0, loc)
	end = time.Date(t.Year(), t.Month(), t.Day(), end.Hour(), end.Minute(), 0, 0, loc)

	if end.Before(start) {
		return t.After(start) || t.Before(end)
	}
	return t.After(start) && t.Before(end)
}

// isExternalAction reports whether kind leaves the process (and so is
// eligible for quiet-hours suppression); log/emit never leave it.
func isExternalAction(kind models.ActionKind) bool {
	switch kind {
	case models.ActionWebhook, models.ActionEmail, models.ActionSlack:
		return true
	default:
		return false
	}
}

// AddRule registers or replaces a rule.
func (e *Engine) AddRule(rule models.AlertRule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules[rule.ID] = &ruleState{rule: rule, pendingEscalate: make(map[models.AlertID]*escalationTimer)}
}

// Run blocks, evaluating on a ticker (each pass also sweeps pending
// escalations) and pruning retained history once an hour, until stop is
// closed.
func (e *Engine) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	pruneTicker := time.NewTicker(time.Hour)
	defer pruneTicker.Stop()

	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			e.EvaluateAt(now)
		case <-pruneTicker.C:
			e.prune(time.Now())
		}
	}
}

// EvaluateAt runs one full evaluation pass — per-rule
// cooldown/frequency/condition checks, then the pending-escalation
// sweep — at a caller-supplied time, for deterministic tests.
func (e *Engine) EvaluateAt(now time.Time) {
	e.mu.Lock()
	states := make([]*ruleState, 0, len(e.rules))
	for _, st := range e.rules {
		states = append(states, st)
	}
	e.mu.Unlock()

	for _, st := range states {
		e.evaluateRule(st, now)
	}
	e.sweepEscalations(now)
}

func (e *Engine) evaluateRule(st *ruleState, now time.Time) {
	e.mu.Lock()
	rule := st.rule
	if !rule.Enabled {
		e.mu.Unlock()
		return
	}

	if now.Sub(st.hourWindowStart) >= time.Hour {
		st.hourWindowStart = now
		st.hourCount = 0
	}
	if rule.MaxPerHour > 0 && st.hourCount >= rule.MaxPerHour {
		e.mu.Unlock()
		return
	}

	if e.hasRecentActiveLocked(rule.ID, now, rule.Cooldown) {
		e.mu.Unlock()
		return
	}
	inFlappingCooldown := now.Before(st.flappingUntil)
	e.mu.Unlock()

	values, allTrue := e.evaluateConditions(rule.Conditions, now)
	if !allTrue {
		return
	}

	e.mu.Lock()
	flapping := e.recordTriggerAttemptLocked(st, now)
	if flapping {
		st.flappingUntil = now.Add(e.flapping.Cooldown)
	}
	e.mu.Unlock()

	if inFlappingCooldown {
		log.Debug().Str("rule", string(rule.ID)).Msg("alerts: rule suppressed, still within flapping cooldown")
		return
	}

	instance := models.AlertInstance{
		ID:           models.NewAlertID(),
		RuleID:       rule.ID,
		Timestamp:    now,
		Severity:     rule.Severity,
		Title:        rule.Name,
		Message:      rule.Name,
		MetricValues: values,
		Flapping:     flapping,
	}
	if flapping {
		log.Warn().Str("rule", string(rule.ID)).Int("occurrences", len(st.triggerHistory)).Msg("alerts: rule flapping, cooldown extended")
	}

	e.mu.Lock()
	st.hourCount++
	e.active[instance.ID] = &instance
	if len(rule.Escalation) > 0 {
		st.pendingEscalate[instance.ID] = &escalationTimer{nextLevel: 0, deadline: now.Add(rule.Escalation[0].Delay)}
	}
	e.mu.Unlock()

	e.runActions(rule.Actions, &instance, rule)
	e.publish(bus.EventAlertTriggered, instance)
}

// evaluateConditions requires every condition to hold; a resolver miss
// for any metric fails the whole rule closed (spec's fail-closed
// semantics for missing data).
func (e *Engine) evaluateConditions(conditions []models.AlertCondition, now time.Time) (map[string]float64, bool) {
	values := make(map[string]float64, len(conditions))
	for _, c := range conditions {
		v, ok := e.resolve(c.Metric, now)
		if !ok {
			return values, false
		}
		values[c.Metric] = v
		if !applyOperator(c.Operator, v, c.Value) {
			return values, false
		}
	}
	return values, true
}

func applyOperator(op models.Operator, value, target float64) bool {
	switch op {
	case models.OpGT:
		return value > target
	case models.OpGTE:
		return value >= target
	case models.OpLT:
		return value < target
	case models.OpLTE:
		return value <= target
	case models.OpEQ:
		return value == target
	case models.OpNEQ:
		return value != target
	case models.OpChange, models.OpRate:
		// Change/rate conditions compare against a resolver-supplied
		// pre-computed delta or rate value; the resolver is expected to
		// already encode the timeframe/aggregation, so the comparison
		// collapses to the same greater-than check as a threshold rule.
		return value > target
	default:
		return false
	}
}

func (e *Engine) resolve(metric string, now time.Time) (float64, bool) {
	e.resolverMu.Lock()
	defer e.resolverMu.Unlock()

	if cached, ok := e.cache[metric]; ok && now.Sub(cached.at) < resolverCacheTTL {
		return cached.value, cached.ok
	}
	if e.resolver == nil {
		e.cache[metric] = cachedValue{at: now}
		return 0, false
	}
	v, ok := e.resolver(metric)
	e.cache[metric] = cachedValue{value: v, ok: ok, at: now}
	return v, ok
}

// hasRecentActiveLocked reports whether an active instance of ruleID is
// younger than cooldown. Caller must hold e.mu.
func (e *Engine) hasRecentActiveLocked(ruleID models.RuleID, now time.Time, cooldown time.Duration) bool {
	for _, inst := range e.active {
		if inst.RuleID == ruleID && now.Sub(inst.Timestamp) < cooldown {
			return true
		}
	}
	return false
}

// sweepEscalations bumps any pending escalation whose delay has
// elapsed, per instance, to the next rung.
func (e *Engine) sweepEscalations(now time.Time) {
	e.mu.Lock()
	type due struct {
		instance *models.AlertInstance
		rule     models.AlertRule
		rung     models.EscalationRung
		level    int
	}
	var dues []due

	for _, st := range e.rules {
		rule := st.rule
		for alertID, timer := range st.pendingEscalate {
			inst, active := e.active[alertID]
			if !active || inst.Resolved || inst.Acknowledged {
				delete(st.pendingEscalate, alertID)
				continue
			}
			if now.Before(timer.deadline) {
				continue
			}
			if timer.nextLevel >= len(rule.Escalation) {
				delete(st.pendingEscalate, alertID)
				continue
			}
			rung := rule.Escalation[timer.nextLevel]
			dues = append(dues, due{instance: inst, rule: rule, rung: rung, level: timer.nextLevel})

			timer.nextLevel++
			if timer.nextLevel < len(rule.Escalation) {
				timer.deadline = now.Add(rule.Escalation[timer.nextLevel].Delay)
			} else {
				delete(st.pendingEscalate, alertID)
			}
		}
	}
	e.mu.Unlock()

	for _, d := range dues {
		e.mu.Lock()
		d.instance.Severity = d.rung.Severity
		d.instance.Escalated = true
		d.instance.EscalationLevel = d.level + 1
		snapshot := *d.instance
		e.mu.Unlock()

		e.runActions(d.rung.Actions, d.instance, d.rule)
		e.publish(bus.EventAlertEscalated, snapshot)
	}
}

// runActions dispatches every action, recording outcome on the
// instance regardless of failure (spec's "action failures do not abort
// the alert" semantics).
func (e *Engine) runActions(actions []models.ActionSpec, instance *models.AlertInstance, rule models.AlertRule) {
	e.mu.Lock()
	quiet := e.isInQuietHoursLocked(time.Now())
	e.mu.Unlock()

	for _, action := range actions {
		if quiet && isExternalAction(action.Kind) {
			e.mu.Lock()
			instance.Suppressed = true
			instance.ActionRecords = append(instance.ActionRecords, models.ActionRecord{
				Timestamp: time.Now(),
				Kind:      action.Kind,
				Success:   true,
			})
			e.mu.Unlock()
			log.Debug().Str("rule", string(rule.ID)).Str("kind", string(action.Kind)).Msg("alerts: action suppressed during quiet hours")
			continue
		}

		start := time.Now()
		var err error
		if action.Kind == models.ActionLog {
			log.Info().Str("rule", string(rule.ID)).Str("title", instance.Title).Msg("alerts: " + instance.Message)
		} else if action.Kind == models.ActionEmit {
			if e.bus != nil {
				cp := *instance
				e.bus.Publish(bus.Event{Kind: bus.EventAlert, Alert: &cp})
			}
		} else if e.dispatch != nil {
			err = e.dispatch(action, *instance, rule)
		}

		record := models.ActionRecord{
			Timestamp: start,
			Kind:      action.Kind,
			Success:   err == nil,
			Duration:  time.Since(start),
		}
		if err != nil {
			record.Error = err.Error()
			log.Warn().Err(err).Str("kind", string(action.Kind)).Msg("alerts: action dispatch failed")
		}

		e.mu.Lock()
		instance.ActionRecords = append(instance.ActionRecords, record)
		e.mu.Unlock()
	}
}

func (e *Engine) publish(kind bus.EventKind, instance models.AlertInstance) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(bus.Event{Kind: kind, Alert: &instance})
	if instance.Severity == models.SeverityCritical {
		cp := instance
		e.bus.Publish(bus.Event{Kind: bus.EventCriticalAlert, Alert: &cp})
	}
}

// AcknowledgeAlert sets acknowledged=true and cancels any pending
// escalation. Idempotent: acknowledging twice is a no-op the second
// time.
func (e *Engine) AcknowledgeAlert(id models.AlertID, by string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	inst, ok := e.active[id]
	if !ok || inst.Acknowledged {
		return ok
	}
	now := time.Now()
	inst.Acknowledged = true
	inst.AcknowledgedBy = by
	inst.AcknowledgedAt = &now

	if e.bus != nil {
		cp := *inst
		e.bus.Publish(bus.Event{Kind: bus.EventAlertAcknowledged, Alert: &cp})
	}
	return true
}

// ResolveAlert sets resolved=true, removes the instance from the
// active set, and cancels its escalation timer. Idempotent.
func (e *Engine) ResolveAlert(id models.AlertID, resolution string) bool {
	e.mu.Lock()
	inst, ok := e.active[id]
	if !ok {
		e.mu.Unlock()
		return false
	}
	now := time.Now()
	inst.Resolved = true
	inst.ResolvedAt = &now
	inst.Resolution = resolution

	snapshot := *inst
	e.history = append(e.history, snapshot)
	delete(e.active, id)
	for _, st := range e.rules {
		delete(st.pendingEscalate, id)
	}
	e.mu.Unlock()

	if e.bus != nil {
		e.bus.Publish(bus.Event{Kind: bus.EventAlertResolved, Alert: &snapshot})
	}
	return true
}

// ActiveAlerts returns a snapshot of every unresolved instance.
func (e *Engine) ActiveAlerts() []models.AlertInstance {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]models.AlertInstance, 0, len(e.active))
	for _, inst := range e.active {
		out = append(out, *inst)
	}
	return out
}

// History returns every resolved instance still within the retention
// window.
func (e *Engine) History() []models.AlertInstance {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]models.AlertInstance(nil), e.history...)
}

// prune drops resolved history older than the retention window, per
// spec's hourly sweep.
func (e *Engine) prune(now time.Time) {
	cutoff := now.Add(-e.retain)
	e.mu.Lock()
	defer e.mu.Unlock()
	kept := e.history[:0]
	for _, inst := range e.history {
		if inst.ResolvedAt == nil || inst.ResolvedAt.After(cutoff) {
			kept = append(kept, inst)
		}
	}
	e.history = kept
}
