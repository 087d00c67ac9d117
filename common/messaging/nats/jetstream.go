package nats

import (
	"context"
	"errors"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/telhawk-systems/ledgerwatch/common/logging"
	"github.com/telhawk-systems/ledgerwatch/common/messaging"
)

// DefaultNakDelay is the redelivery delay for handler errors that do not
// carry their own delay.
const DefaultNakDelay = 5 * time.Second

// StreamConfig defines a JetStream stream configuration.
type StreamConfig struct {
	// Name is the stream name.
	Name string

	// Subjects are the subjects this stream captures.
	Subjects []string

	// MaxAge is the maximum age of messages in the stream.
	MaxAge time.Duration

	// MaxBytes is the maximum total size of the stream.
	MaxBytes int64

	// MaxMsgs is the maximum number of messages in the stream.
	MaxMsgs int64

	// Retention policy (LimitsPolicy, InterestPolicy, WorkQueuePolicy).
	Retention jetstream.RetentionPolicy

	// Storage type (FileStorage, MemoryStorage).
	Storage jetstream.StorageType
}

func (c StreamConfig) jetStream() jetstream.StreamConfig {
	return jetstream.StreamConfig{
		Name:      c.Name,
		Subjects:  c.Subjects,
		MaxAge:    c.MaxAge,
		MaxBytes:  c.MaxBytes,
		MaxMsgs:   c.MaxMsgs,
		Retention: c.Retention,
		Storage:   c.Storage,
	}
}

// ConsumerConfig defines a durable JetStream pull consumer.
type ConsumerConfig struct {
	// Name is the durable consumer name.
	Name string

	// FilterSubject filters which messages this consumer receives.
	FilterSubject string

	// AckWait is time to wait for acknowledgment before redelivery.
	AckWait time.Duration

	// MaxDeliver caps delivery attempts. -1 means unlimited, which the retry
	// forwarder needs because every early NAK counts as a delivery.
	MaxDeliver int

	// MaxAckPending bounds unacknowledged messages (the prefetch). Zero uses
	// the manager's configured prefetch.
	MaxAckPending int
}

func (c ConsumerConfig) jetStream() jetstream.ConsumerConfig {
	return jetstream.ConsumerConfig{
		Name:          c.Name,
		Durable:       c.Name,
		FilterSubject: c.FilterSubject,
		AckWait:       c.AckWait,
		MaxDeliver:    c.MaxDeliver,
		MaxAckPending: c.MaxAckPending,
		AckPolicy:     jetstream.AckExplicitPolicy,
	}
}

// DefaultConsumerConfig returns sensible defaults for a consumer.
func DefaultConsumerConfig(name, filterSubject string) ConsumerConfig {
	return ConsumerConfig{
		Name:          name,
		FilterSubject: filterSubject,
		AckWait:       45 * time.Second,
		MaxDeliver:    -1,
	}
}

// Predefined stream configurations for the webhook pipeline.
var (
	// WebhooksStream is the primary delivery queue.
	WebhooksStream = StreamConfig{
		Name:      messaging.StreamWebhooks,
		Subjects:  []string{messaging.SubjectWebhooksDeliver},
		MaxAge:    72 * time.Hour,
		MaxBytes:  1024 * 1024 * 1024, // 1GB
		MaxMsgs:   1000000,
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
	}

	// WebhooksRetryStream holds jobs waiting out their backoff.
	WebhooksRetryStream = StreamConfig{
		Name:      messaging.StreamWebhooksRetry,
		Subjects:  []string{messaging.SubjectWebhooksRetry},
		MaxAge:    72 * time.Hour,
		MaxBytes:  512 * 1024 * 1024, // 512MB
		MaxMsgs:   1000000,
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
	}

	// WebhooksDLQStream keeps dead letters for inspection.
	WebhooksDLQStream = StreamConfig{
		Name:      messaging.StreamWebhooksDLQ,
		Subjects:  []string{messaging.SubjectWebhooksDLQ},
		MaxAge:    7 * 24 * time.Hour,
		MaxBytes:  512 * 1024 * 1024, // 512MB
		MaxMsgs:   500000,
		Retention: jetstream.LimitsPolicy,
		Storage:   jetstream.FileStorage,
	}
)

// toMessage converts a JetStream message to our Message type.
func toMessage(msg jetstream.Msg) *messaging.Message {
	m := &messaging.Message{
		Subject:   msg.Subject(),
		Data:      msg.Data(),
		Timestamp: time.Now(),
	}
	if meta, err := msg.Metadata(); err == nil && meta != nil {
		m.Timestamp = meta.Timestamp
		m.NumDelivered = meta.NumDelivered
	}
	if headers := msg.Headers(); headers != nil {
		m.Metadata = make(map[string]string, len(headers))
		for k := range headers {
			m.Metadata[k] = headers.Get(k)
		}
	}
	return m
}

// handleMsg runs handler and settles msg only after it returns.
func handleMsg(ctx context.Context, msg jetstream.Msg, handler messaging.MessageHandler, logger *logging.Logger) {
	m := toMessage(msg)

	err := handler(ctx, m)
	if err == nil {
		if ackErr := msg.Ack(); ackErr != nil {
			logger.Warn("failed to ack message", logging.Subject(m.Subject), logging.Error(ackErr))
		}
		return
	}

	var delay *messaging.DelayError
	if errors.As(err, &delay) {
		_ = msg.NakWithDelay(delay.Delay)
		return
	}

	logger.Warn("message handler failed, redelivering",
		logging.Subject(m.Subject),
		logging.Error(err),
		"delivered", m.NumDelivered,
	)
	_ = msg.NakWithDelay(DefaultNakDelay)
}
