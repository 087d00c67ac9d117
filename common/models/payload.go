package models

import "time"

// ThreatCreatedData is the data of a threat.created webhook.
type ThreatCreatedData struct {
	ThreatID       string    `json:"threatId"`
	AlertID        string    `json:"alertId"`
	UploadID       string    `json:"uploadId"`
	RuleID         RuleID    `json:"ruleId"`
	Severity       string    `json:"severity"`
	Confidence     float64   `json:"confidence"`
	Title          string    `json:"title"`
	Description    string    `json:"description"`
	AnchorRecordID string    `json:"anchorRecordId"`
	RecordIDs      []string  `json:"recordIds"`
	FlaggedValue   float64   `json:"flaggedValue"`
	Currency       string    `json:"currency,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// UploadFailedData is the data of an upload.failed webhook.
type UploadFailedData struct {
	UploadID string    `json:"uploadId"`
	Error    string    `json:"error"`
	FailedAt time.Time `json:"failedAt"`
}

// WebhookTestData is the data of a webhook.test delivery.
type WebhookTestData struct {
	Message string    `json:"message"`
	SentAt  time.Time `json:"sentAt"`
}
