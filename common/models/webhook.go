package models

import (
	"encoding/json"
	"time"
)

// WebhookSubscription is a tenant-owned endpoint registration. The pipeline
// only reads it.
type WebhookSubscription struct {
	ID       string   `json:"id"`
	TenantID string   `json:"companyId"`
	URL      string   `json:"url"`
	Secret   string   `json:"-"`
	Events   EventSet `json:"events"`
	Active   bool     `json:"active"`

	LastDeliveryAt      *time.Time `json:"lastDeliveryAt,omitempty"`
	LastDeliveryStatus  *int       `json:"lastDeliveryStatus,omitempty"`
	LastDeliverySuccess *bool      `json:"lastDeliverySuccess,omitempty"`
}

// Accepts reports whether the subscription should receive event.
func (w *WebhookSubscription) Accepts(event WebhookEvent) bool {
	return w != nil && w.Active && w.Events.Has(event)
}

// WebhookDelivery is the audit row for one delivery attempt.
type WebhookDelivery struct {
	ID             string          `json:"id"`
	WebhookID      string          `json:"webhookId"`
	TenantID       string          `json:"companyId"`
	Event          WebhookEvent    `json:"event"`
	Payload        json.RawMessage `json:"payload"`
	Success        bool            `json:"success"`
	StatusCode     *int            `json:"statusCode,omitempty"`
	Attempt        int             `json:"attempt"`
	Error          string          `json:"error,omitempty"`
	ResponseTimeMs int64           `json:"responseTimeMs"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// DeliveryJob is the queue message for one webhook delivery.
type DeliveryJob struct {
	WebhookID   string          `json:"webhookId"`
	TenantID    string          `json:"companyId"`
	Event       WebhookEvent    `json:"event"`
	Data        json.RawMessage `json:"data"`
	Attempt     int             `json:"attempt"`
	Environment string          `json:"environment"`
}

// Next returns a copy of the job for the following retry hop.
func (j DeliveryJob) Next() DeliveryJob {
	j.Attempt++
	return j
}

// DeadLetter is the message published when a job fails terminally.
type DeadLetter struct {
	DeliveryJob
	Error        string    `json:"error"`
	ErrorCode    string    `json:"errorCode"`
	FinalAttempt int       `json:"finalAttempt"`
	Timestamp    time.Time `json:"timestamp"`
}

// WebhookBody is the JSON body posted to subscriber endpoints.
type WebhookBody struct {
	Event       WebhookEvent    `json:"event"`
	Data        json.RawMessage `json:"data"`
	Timestamp   time.Time       `json:"timestamp"`
	WebhookID   string          `json:"webhookId"`
	Environment string          `json:"environment"`
}
