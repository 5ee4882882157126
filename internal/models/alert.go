package models

import "time"

// Severity is an alert's current severity, also used as an escalation
// ladder rung.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// RuleKind categorizes an AlertRule by what kind of evaluation it performs.
type RuleKind string

const (
	RuleThreshold   RuleKind = "threshold"
	RuleTrend       RuleKind = "trend"
	RuleAnomaly     RuleKind = "anomaly"
	RuleProjection  RuleKind = "projection"
	RuleEnforcement RuleKind = "enforcement"
)

// Operator is a comparison applied by an AlertCondition.
type Operator string

const (
	OpGT     Operator = ">"
	OpGTE    Operator = ">="
	OpLT     Operator = "<"
	OpLTE    Operator = "<="
	OpEQ     Operator = "="
	OpNEQ    Operator = "!="
	OpChange Operator = "change"
	OpRate   Operator = "rate"
)

// AlertCondition names a metric, an operator, and the value to compare
// against. Aggregation and Timeframe only apply to change/rate operators.
type AlertCondition struct {
	Metric      string   `json:"metric"`
	Operator    Operator `json:"operator"`
	Value       float64  `json:"value"`
	Aggregation string   `json:"aggregation,omitempty"`
	Timeframe   string   `json:"timeframe,omitempty"`
}

// ActionKind is a kind of action a rule or escalation rung can dispatch.
type ActionKind string

const (
	ActionLog           ActionKind = "log"
	ActionEmit          ActionKind = "emit"
	ActionWebhook       ActionKind = "webhook"
	ActionEmail         ActionKind = "email"
	ActionSlack         ActionKind = "slack"
	ActionNudge         ActionKind = "nudge"
	ActionSystemCommand ActionKind = "system_command"
)

// ActionSpec configures one dispatched action. The fields used depend on
// Kind: Webhook uses Target as the URL, Email uses Target as recipient
// override, Slack uses Target as channel override, SystemCommand uses
// Target as the command line.
type ActionSpec struct {
	Kind   ActionKind `json:"kind"`
	Target string     `json:"target,omitempty"`
}

// EscalationRung is one step of an escalation ladder: after Delay has
// elapsed with the alert still active and unacknowledged, bump to Severity
// and run Actions.
type EscalationRung struct {
	Delay    time.Duration `json:"delay"`
	Severity Severity      `json:"severity"`
	Actions  []ActionSpec  `json:"actions"`
}

// AlertRule is a named evaluation: a set of conditions that must all hold,
// subject to cooldown and frequency limits, with an optional escalation
// ladder for instances that go unacknowledged.
type AlertRule struct {
	ID          RuleID           `json:"id"`
	Kind        RuleKind         `json:"kind"`
	Name        string           `json:"name"`
	Severity    Severity         `json:"severity"`
	Conditions  []AlertCondition `json:"conditions"`
	Cooldown    time.Duration    `json:"cooldown"`
	MaxPerHour  int              `json:"maxFrequency"`
	Escalation  []EscalationRung `json:"escalation,omitempty"`
	Actions     []ActionSpec     `json:"actions"`
	Enabled     bool             `json:"enabled"`
}

// ActionRecord is the outcome of one dispatched action, kept on the
// AlertInstance that triggered it.
type ActionRecord struct {
	Timestamp time.Time     `json:"timestamp"`
	Kind      ActionKind    `json:"kind"`
	Success   bool          `json:"success"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"durationMs"`
}

// AlertInstance is one triggered (or escalated) occurrence of an AlertRule.
type AlertInstance struct {
	ID               AlertID          `json:"id"`
	RuleID           RuleID           `json:"ruleId"`
	Timestamp        time.Time        `json:"timestamp"`
	Severity         Severity         `json:"severity"`
	Title            string           `json:"title"`
	Message          string           `json:"message"`
	MetricValues     map[string]float64 `json:"metricValues,omitempty"`
	Acknowledged     bool             `json:"acknowledged"`
	AcknowledgedBy   string           `json:"acknowledgedBy,omitempty"`
	AcknowledgedAt   *time.Time       `json:"acknowledgedAt,omitempty"`
	Resolved         bool             `json:"resolved"`
	ResolvedAt       *time.Time       `json:"resolvedAt,omitempty"`
	Resolution       string           `json:"resolution,omitempty"`
	Escalated        bool             `json:"escalated"`
	EscalationLevel  int              `json:"escalationLevel"`
	ActionRecords    []ActionRecord   `json:"actionRecords,omitempty"`
	Flapping         bool             `json:"flapping,omitempty"`
	Suppressed       bool             `json:"suppressed,omitempty"`
}

// IsActive reports whether the instance has not been resolved.
func (a *AlertInstance) IsActive() bool {
	return !a.Resolved
}
