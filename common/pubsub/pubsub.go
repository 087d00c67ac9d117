// Package pubsub fans internally generated events out on Redis pub/sub so the
// realtime service can push them to dashboards.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/telhawk-systems/ledgerwatch/common/config"
	"github.com/telhawk-systems/ledgerwatch/common/logging"
	"github.com/telhawk-systems/ledgerwatch/common/models"
	"github.com/telhawk-systems/ledgerwatch/common/retry"
)

// Channel is a Redis pub/sub channel name.
type Channel string

const (
	ChannelAlerts        Channel = "alerts"
	ChannelUploadStatus  Channel = "upload_status"
	// Threat status changes are published here by the threat management
	// API; this module only relays them.
	ChannelThreatUpdates Channel = "threat_updates"
)

// Channels lists every channel the realtime bridge subscribes to.
var Channels = []Channel{ChannelAlerts, ChannelUploadStatus, ChannelThreatUpdates}

// EventType names the client-facing event an envelope becomes.
type EventType string

const (
	EventAlert          EventType = "alert"
	EventUploadProgress EventType = "upload_progress"
	EventUploadComplete EventType = "upload_complete"
	EventUploadError    EventType = "upload_error"
	EventThreatUpdate   EventType = "threat_update"
)

// Metadata is attached by the publisher to every envelope.
type Metadata struct {
	PublishedAt time.Time `json:"publishedAt"`
	Attempt     int       `json:"attempt"`
	Channel     Channel   `json:"channel"`
}

// Envelope is the wire format on every channel. Type repeats Event on
// upload_status so subscribers can route sub-types without parsing Data.
type Envelope struct {
	CompanyID string          `json:"companyId"`
	Event     EventType       `json:"event"`
	Type      EventType       `json:"type,omitempty"`
	Data      json.RawMessage `json:"data"`
	Metadata  Metadata        `json:"_metadata"`
}

// UploadProgress is the data of an upload_progress event.
type UploadProgress struct {
	UploadID  string `json:"uploadId"`
	Stage     string `json:"stage"`
	Processed int    `json:"processed"`
	Total     int    `json:"total"`
}

// UploadError is the data of an upload_error event.
type UploadError struct {
	UploadID string `json:"uploadId"`
	Error    string `json:"error"`
}

// Publisher publishes envelopes with bounded retries. It never returns an
// error: real-time notification is best-effort and callers only learn
// whether the message went out.
type Publisher struct {
	client   redis.Cmdable
	attempts int
	timeout  time.Duration
	backoff  retry.Backoff
	sleeper  retry.Sleeper
	logger   *logging.Logger
	now      func() time.Time
}

// NewPublisher creates a Publisher over client.
func NewPublisher(client redis.Cmdable, cfg config.PubSubConfig, logger *logging.Logger) *Publisher {
	attempts := cfg.PublishAttempts
	if attempts <= 0 {
		attempts = 3
	}
	timeout := cfg.PublishTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	base := cfg.RetryBase
	if base <= 0 {
		base = 200 * time.Millisecond
	}
	return &Publisher{
		client:   client,
		attempts: attempts,
		timeout:  timeout,
		backoff:  retry.Exponential(base, 0),
		sleeper:  retry.RealSleeper,
		logger:   logger,
		now:      time.Now,
	}
}

// Publish sends data to channel as event for tenantID. It returns false
// after all attempts failed.
func (p *Publisher) Publish(ctx context.Context, channel Channel, tenantID string, event EventType, data interface{}) bool {
	raw, err := json.Marshal(data)
	if err != nil {
		p.logger.ErrorContext(ctx, "failed to marshal pub/sub payload", logging.Channel(string(channel)), logging.Error(err))
		return false
	}

	env := Envelope{CompanyID: tenantID, Event: event, Data: raw}
	if channel == ChannelUploadStatus {
		env.Type = event
	}

	policy := retry.Policy{MaxAttempts: p.attempts, Backoff: p.backoff, Sleeper: p.sleeper}
	err = policy.Do(ctx, func(ctx context.Context, attempt int) error {
		env.Metadata = Metadata{PublishedAt: p.now().UTC(), Attempt: attempt + 1, Channel: channel}
		payload, err := json.Marshal(env)
		if err != nil {
			return retry.Permanent(err)
		}

		actx, cancel := context.WithTimeout(ctx, p.timeout)
		defer cancel()
		if err := p.client.Publish(actx, string(channel), payload).Err(); err != nil {
			return fmt.Errorf("publish %s: %w", channel, err)
		}
		return nil
	})
	if err != nil {
		p.logger.WarnContext(ctx, "pub/sub publish failed",
			logging.Channel(string(channel)),
			logging.TenantID(tenantID),
			logging.Event(string(event)),
			logging.Error(err),
		)
		return false
	}
	return true
}

// PublishAlert announces a newly created alert.
func (p *Publisher) PublishAlert(ctx context.Context, alert *models.Alert) bool {
	return p.Publish(ctx, ChannelAlerts, alert.TenantID, EventAlert, alert)
}

// PublishUploadProgress reports a processing stage for an upload.
func (p *Publisher) PublishUploadProgress(ctx context.Context, tenantID string, progress UploadProgress) bool {
	return p.Publish(ctx, ChannelUploadStatus, tenantID, EventUploadProgress, progress)
}

// PublishUploadComplete reports the final run summary.
func (p *Publisher) PublishUploadComplete(ctx context.Context, summary *models.Summary) bool {
	return p.Publish(ctx, ChannelUploadStatus, summary.TenantID, EventUploadComplete, summary)
}

// PublishUploadError reports a failed run.
func (p *Publisher) PublishUploadError(ctx context.Context, tenantID, uploadID string, cause error) bool {
	return p.Publish(ctx, ChannelUploadStatus, tenantID, EventUploadError, UploadError{UploadID: uploadID, Error: cause.Error()})
}

// Decode parses an envelope received from a channel.
func Decode(payload string) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.CompanyID == "" || env.Event == "" {
		return nil, fmt.Errorf("decode envelope: companyId and event are required")
	}
	return &env, nil
}
