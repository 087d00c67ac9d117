package models

import (
	"encoding/json"
	"time"
)

// RuleID identifies the detection pass that produced a threat.
type RuleID string

const (
	RuleDupInDBTxID         RuleID = "DUP_IN_DB__TXID"
	RuleDupInDBCanonical    RuleID = "DUP_IN_DB__CANONICAL"
	RuleDupInBatchTxID      RuleID = "DUP_IN_BATCH__TXID"
	RuleDupInBatchCanonical RuleID = "DUP_IN_BATCH__CANONICAL"
	RuleSimilarityMatch     RuleID = "SIMILARITY_MATCH"
)

// RuleOrder is the fixed pass order used for emission and reporting.
var RuleOrder = []RuleID{
	RuleDupInDBTxID,
	RuleDupInDBCanonical,
	RuleDupInBatchTxID,
	RuleDupInBatchCanonical,
	RuleSimilarityMatch,
}

// Severity levels shared by threats and alerts.
const (
	SeverityInfo     = "info"
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// IsValidSeverity reports whether s is a known severity.
func IsValidSeverity(s string) bool {
	switch s {
	case SeverityInfo, SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// Threat statuses.
const (
	ThreatStatusOpen      = "open"
	ThreatStatusConfirmed = "confirmed"
	ThreatStatusDismissed = "dismissed"
)

// Threat is one detected suspicious condition.
type Threat struct {
	ID             string          `json:"id"`
	TenantID       string          `json:"tenantId"`
	UploadID       string          `json:"uploadId"`
	AnchorRecordID string          `json:"anchorRecordId"`
	RuleID         RuleID          `json:"ruleId"`
	ClusterKey     string          `json:"clusterKey"`
	Confidence     float64         `json:"confidence"`
	Description    string          `json:"description"`
	Context        json.RawMessage `json:"context"`
	Status         string          `json:"status"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// Alert is the notification derived from a threat.
type Alert struct {
	ID        string                 `json:"id"`
	TenantID  string                 `json:"tenantId"`
	ThreatID  string                 `json:"threatId"`
	UploadID  string                 `json:"uploadId"`
	Title     string                 `json:"title"`
	Summary   string                 `json:"summary"`
	Severity  string                 `json:"severity"`
	Payload   map[string]interface{} `json:"payload"`
	CreatedAt time.Time              `json:"createdAt"`
}

// ClampConfidence bounds c to [0,1].
func ClampConfidence(c float64) float64 {
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}
