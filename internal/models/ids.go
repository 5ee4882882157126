// Package models defines the data types shared across the detector,
// accountant, enforcer, dashboard, and alerting subsystems.
package models

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// ProviderID identifies a named LLM vendor (e.g. "anthropic", "openai").
type ProviderID string

// ModelID identifies a model within a provider (e.g. "claude-3-5-sonnet-20241022").
type ModelID string

// AgentID identifies the producing agent/session.
type AgentID string

// OperationID identifies the kind of operation that produced a usage record
// (e.g. "chat", "completion", "embedding").
type OperationID string

// AlertID is an opaque identifier for an AlertInstance.
type AlertID string

// RuleID is an opaque identifier for an AlertRule.
type RuleID string

// RecordID is an opaque identifier for a UsageRecord, unique within a
// process lifetime.
type RecordID string

// newID returns a random opaque identifier with the given prefix, of the
// form "<prefix>-<hex>".
func newID(prefix string) string {
	var buf [12]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand failures are effectively unrecoverable on any
		// supported platform; fall back to a fixed suffix rather than
		// panicking so callers never observe an error from ID generation.
		return fmt.Sprintf("%s-0000000000000000000000", prefix)
	}
	return fmt.Sprintf("%s-%s", prefix, hex.EncodeToString(buf[:]))
}

// NewRecordID returns a fresh, unique RecordID.
func NewRecordID() RecordID { return RecordID(newID("rec")) }

// NewAlertID returns a fresh, unique AlertID.
func NewAlertID() AlertID { return AlertID(newID("alert")) }
