package alerts

import (
	"errors"
	"testing"
	"time"

	"github.com/tokenwatch/monitor/internal/bus"
	"github.com/tokenwatch/monitor/internal/models"
)

func thresholdRule(id models.RuleID, metric string, value float64) models.AlertRule {
	return models.AlertRule{
		ID:       id,
		Kind:     models.RuleThreshold,
		Name:     "test rule " + string(id),
		Severity: models.SeverityWarning,
		Conditions: []models.AlertCondition{
			{Metric: metric, Operator: models.OpGT, Value: value},
		},
		Cooldown:   time.Minute,
		MaxPerHour: 10,
		Actions:    []models.ActionSpec{{Kind: models.ActionEmit}},
		Enabled:    true,
	}
}

func TestEvaluateAtTriggersOnConditionMet(t *testing.T) {
	b := bus.New()
	e := New(b, nil, time.Second, time.Hour)
	e.SetResolver(func(metric string) (float64, bool) { return 95, true })
	e.AddRule(thresholdRule("r1", "cost.hourly_total", 90))

	var got *models.AlertInstance
	b.Subscribe(bus.EventAlertTriggered, func(ev bus.Event) { got = ev.Alert })

	e.EvaluateAt(time.Now())

	if got == nil {
		t.Fatal("expected an alert_triggered event")
	}
	if got.RuleID != "r1" {
		t.Errorf("RuleID = %q, want r1", got.RuleID)
	}
}

func TestUnresolvedMetricFailsClosed(t *testing.T) {
	b := bus.New()
	e := New(b, nil, time.Second, time.Hour)
	e.SetResolver(func(metric string) (float64, bool) { return 0, false })
	e.AddRule(thresholdRule("r1", "unknown.metric", 1))

	called := false
	b.Subscribe(bus.EventAlertTriggered, func(ev bus.Event) { called = true })

	e.EvaluateAt(time.Now())
	if called {
		t.Error("expected no trigger when the resolver reports unknown")
	}
}

func TestCooldownSuppressesRetrigger(t *testing.T) {
	b := bus.New()
	e := New(b, nil, time.Second, time.Hour)
	e.SetResolver(func(metric string) (float64, bool) { return 95, true })
	e.AddRule(thresholdRule("r1", "cost.hourly_total", 90))

	var count int
	b.Subscribe(bus.EventAlertTriggered, func(ev bus.Event) { count++ })

	base := time.Now()
	e.EvaluateAt(base)
	e.EvaluateAt(base.Add(10 * time.Second)) // still within 1-minute cooldown

	if count != 1 {
		t.Errorf("expected cooldown to suppress the second evaluation, got %d triggers", count)
	}
}

func TestMaxPerHourSuppressesAfterLimit(t *testing.T) {
	b := bus.New()
	e := New(b, nil, time.Second, time.Hour)
	e.SetResolver(func(metric string) (float64, bool) { return 95, true })
	rule := thresholdRule("r1", "cost.hourly_total", 90)
	rule.Cooldown = 0
	rule.MaxPerHour = 1
	e.AddRule(rule)

	var count int
	b.Subscribe(bus.EventAlertTriggered, func(ev bus.Event) { count++ })

	base := time.Now()
	e.EvaluateAt(base)
	// Resolve so cooldown doesn't also suppress, isolating the frequency gate.
	for _, inst := range e.ActiveAlerts() {
		e.ResolveAlert(inst.ID, "test")
	}
	e.EvaluateAt(base.Add(time.Second))

	if count != 1 {
		t.Errorf("expected MaxPerHour=1 to suppress the second trigger within the hour, got %d", count)
	}
}

func TestEscalationBumpsSeverityAfterDelay(t *testing.T) {
	b := bus.New()
	e := New(b, nil, time.Second, time.Hour)
	e.SetResolver(func(metric string) (float64, bool) { return 95, true })

	rule := thresholdRule("r1", "cost.hourly_total", 90)
	rule.Escalation = []models.EscalationRung{
		{Delay: 5 * time.Minute, Severity: models.SeverityCritical, Actions: []models.ActionSpec{{Kind: models.ActionEmit}}},
	}
	e.AddRule(rule)

	var escalated *models.AlertInstance
	b.Subscribe(bus.EventAlertEscalated, func(ev bus.Event) { escalated = ev.Alert })

	base := time.Now()
	e.EvaluateAt(base)
	e.sweepEscalations(base.Add(4 * time.Minute)) // before delay elapses
	if escalated != nil {
		t.Fatal("expected no escalation before the rung's delay elapses")
	}

	e.sweepEscalations(base.Add(6 * time.Minute))
	if escalated == nil {
		t.Fatal("expected escalation once the rung's delay elapses")
	}
	if escalated.Severity != models.SeverityCritical {
		t.Errorf("Severity = %v, want critical", escalated.Severity)
	}
}

func TestAcknowledgeIsIdempotentAndCancelsEscalation(t *testing.T) {
	b := bus.New()
	e := New(b, nil, time.Second, time.Hour)
	e.SetResolver(func(metric string) (float64, bool) { return 95, true })

	rule := thresholdRule("r1", "cost.hourly_total", 90)
	rule.Escalation = []models.EscalationRung{{Delay: time.Minute, Severity: models.SeverityCritical}}
	e.AddRule(rule)

	base := time.Now()
	e.EvaluateAt(base)

	active := e.ActiveAlerts()
	if len(active) != 1 {
		t.Fatalf("expected 1 active alert, got %d", len(active))
	}
	id := active[0].ID

	if !e.AcknowledgeAlert(id, "alice") {
		t.Fatal("expected first acknowledge to succeed")
	}
	if !e.AcknowledgeAlert(id, "bob") {
		t.Error("expected second acknowledge on an already-acked alert to be a no-op that still reports success")
	}

	var escalated bool
	b.Subscribe(bus.EventAlertEscalated, func(ev bus.Event) { escalated = true })
	e.sweepEscalations(base.Add(2 * time.Minute))
	if escalated {
		t.Error("expected acknowledging to cancel the pending escalation")
	}
}

func TestResolveAlertIsIdempotentAndRemovesFromActive(t *testing.T) {
	b := bus.New()
	e := New(b, nil, time.Second, time.Hour)
	e.SetResolver(func(metric string) (float64, bool) { return 95, true })
	e.AddRule(thresholdRule("r1", "cost.hourly_total", 90))

	e.EvaluateAt(time.Now())
	active := e.ActiveAlerts()
	id := active[0].ID

	if !e.ResolveAlert(id, "handled") {
		t.Fatal("expected first resolve to succeed")
	}
	if e.ResolveAlert(id, "handled again") {
		t.Error("expected second resolve on an already-resolved alert to report false")
	}
	if len(e.ActiveAlerts()) != 0 {
		t.Error("expected resolved alert to be removed from the active set")
	}
	if len(e.History()) != 1 {
		t.Error("expected resolved alert to land in history")
	}
}

func TestActionFailureDoesNotAbortAlert(t *testing.T) {
	b := bus.New()
	dispatch := func(action models.ActionSpec, instance models.AlertInstance, rule models.AlertRule) error {
		return errors.New("webhook unreachable")
	}
	e := New(b, dispatch, time.Second, time.Hour)
	e.SetResolver(func(metric string) (float64, bool) { return 95, true })

	rule := thresholdRule("r1", "cost.hourly_total", 90)
	rule.Actions = []models.ActionSpec{{Kind: models.ActionWebhook, Target: "http://example.invalid"}}
	e.AddRule(rule)

	e.EvaluateAt(time.Now())

	active := e.ActiveAlerts()
	if len(active) != 1 {
		t.Fatalf("expected the alert to remain active despite the action failure, got %d active", len(active))
	}
	if len(active[0].ActionRecords) != 1 || active[0].ActionRecords[0].Success {
		t.Error("expected one failed ActionRecord to be recorded on the instance")
	}
}

func TestFlappingMarksInstanceAndExtendsCooldown(t *testing.T) {
	b := bus.New()
	e := New(b, nil, time.Second, time.Hour)
	e.SetResolver(func(metric string) (float64, bool) { return 95, true })
	e.SetFlappingConfig(FlappingConfig{Enabled: true, Window: time.Minute, Threshold: 3, Cooldown: time.Hour})

	rule := thresholdRule("r1", "cost.hourly_total", 90)
	rule.Cooldown = 0
	rule.MaxPerHour = 100
	e.AddRule(rule)

	var triggered []models.AlertInstance
	b.Subscribe(bus.EventAlertTriggered, func(ev bus.Event) { triggered = append(triggered, *ev.Alert) })

	base := time.Now()
	for i := 0; i < 3; i++ {
		e.EvaluateAt(base.Add(time.Duration(i) * time.Second))
		for _, inst := range e.ActiveAlerts() {
			e.ResolveAlert(inst.ID, "test")
		}
	}

	if len(triggered) != 3 {
		t.Fatalf("expected 3 triggers before flapping suppresses further ones, got %d", len(triggered))
	}
	if !triggered[2].Flapping {
		t.Error("expected the 3rd trigger (crossing the flapping threshold) to be marked Flapping")
	}

	// A 4th attempt inside the extended flapping cooldown must not trigger.
	e.EvaluateAt(base.Add(4 * time.Second))
	if len(triggered) != 3 {
		t.Errorf("expected the flapping cooldown to suppress a 4th trigger, got %d total", len(triggered))
	}
}

func TestQuietHoursSuppressesExternalActionsNotLog(t *testing.T) {
	b := bus.New()
	e := New(b, nil, time.Second, time.Hour)
	e.SetResolver(func(metric string) (float64, bool) { return 95, true })

	now := time.Now()
	// A 00:00–23:59 quiet-hours window covers every local wall-clock time
	// except exactly midnight and the final minute of the day.
	e.SetQuietHours(QuietHoursConfig{Enabled: true, Start: "00:00", End: "23:59"})

	rule := thresholdRule("r1", "cost.hourly_total", 90)
	rule.Actions = []models.ActionSpec{
		{Kind: models.ActionLog},
		{Kind: models.ActionWebhook, Target: "http://example.invalid"},
	}
	e.AddRule(rule)

	e.EvaluateAt(now)

	active := e.ActiveAlerts()
	if len(active) != 1 {
		t.Fatalf("expected 1 active alert, got %d", len(active))
	}
	if !active[0].Suppressed {
		t.Error("expected Suppressed to be set when an external action is skipped for quiet hours")
	}
	if len(active[0].ActionRecords) != 2 {
		t.Fatalf("expected both actions to record, got %d", len(active[0].ActionRecords))
	}
	if !active[0].ActionRecords[1].Success {
		t.Error("expected the suppressed webhook record to still report Success (never attempted, not failed)")
	}
}

func TestPruneDropsOldResolvedHistory(t *testing.T) {
	e := New(bus.New(), nil, time.Second, time.Hour)
	old := time.Now().Add(-2 * time.Hour)
	e.history = append(e.history, models.AlertInstance{ID: "a1", Resolved: true, ResolvedAt: &old})

	e.prune(time.Now())
	if len(e.History()) != 0 {
		t.Error("expected history older than the retention window to be pruned")
	}
}
