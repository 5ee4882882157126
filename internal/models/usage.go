package models

import "time"

// StringMap is a flat string-keyed bag for attribution fields that don't
// warrant their own struct field.
type StringMap map[string]string

// MetadataEnvelope is the typed replacement for the free-form metadata
// dictionaries a naive port would carry through attribution. Populated
// field-by-field as the attribution step resolves each part of the
// (provider, model, agent, operation) tuple; anything left over that the
// detector extracted but the envelope has no field for goes in Extra.
type MetadataEnvelope struct {
	Provider  ProviderID  `json:"provider,omitempty"`
	Model     ModelID     `json:"model,omitempty"`
	Operation OperationID `json:"operation,omitempty"`
	Agent     AgentID     `json:"agent,omitempty"`
	Extra     StringMap   `json:"extra,omitempty"`
}

// UsageRecord is the canonical unit of accounting. Records are append-only;
// retention is a rolling window enforced by the Accountant.
type UsageRecord struct {
	ID           RecordID         `json:"id"`
	Timestamp    time.Time        `json:"timestamp"`
	ProviderID   ProviderID       `json:"providerId"`
	ModelID      ModelID          `json:"modelId"`
	AgentID      AgentID          `json:"agentId,omitempty"`
	Operation    OperationID      `json:"operation,omitempty"`
	InputTokens  int              `json:"inputTokens"`
	OutputTokens int              `json:"outputTokens"`
	TotalTokens  int              `json:"totalTokens"`
	Cost         float64          `json:"cost"`
	Currency     string           `json:"currency"`
	Metadata     MetadataEnvelope `json:"metadata,omitempty"`
}

// Valid reports whether r satisfies the UsageRecord invariants: totalTokens
// equals the sum of input and output, both are non-negative, at least one
// of them is positive, and cost is non-negative.
func (r UsageRecord) Valid() bool {
	if r.InputTokens < 0 || r.OutputTokens < 0 {
		return false
	}
	if r.InputTokens == 0 && r.OutputTokens == 0 {
		return false
	}
	if r.TotalTokens != r.InputTokens+r.OutputTokens {
		return false
	}
	return r.Cost >= 0
}
