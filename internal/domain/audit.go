package domain

import "time"

// Audit action types.
const (
	AuditTrustAssess       = "trust_score.assess"
	AuditMigrationStart    = "trust_score.migration_start"
	AuditMigrationComplete = "trust_score.migration_complete"
	AuditWeightsUpdated    = "trust_score.weights_updated"
	AuditRulesReplaced     = "trust_score.rules_replaced"
	AuditLoyaltyEarn       = "loyalty.earn"
	AuditLoyaltySpend      = "loyalty.spend"
)

// AuditEntry is a structured operational log entry.
type AuditEntry struct {
	ID         string         `json:"id"`
	Operator   string         `json:"operator"`
	Role       string         `json:"role,omitempty"`
	ActionType string         `json:"actionType"`
	Target     string         `json:"target"`
	Detail     map[string]any `json:"detail,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
}
