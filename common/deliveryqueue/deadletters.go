package deliveryqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/telhawk-systems/ledgerwatch/common/logging"
	"github.com/telhawk-systems/ledgerwatch/common/messaging"
	natsq "github.com/telhawk-systems/ledgerwatch/common/messaging/nats"
	"github.com/telhawk-systems/ledgerwatch/common/models"
)

// StreamProvider hands out streams through the connection manager.
type StreamProvider interface {
	EnsureStream(ctx context.Context, cfg natsq.StreamConfig) (jetstream.Stream, error)
}

// DeadLetters reads the dead-letter stream for operators.
type DeadLetters struct {
	streams StreamProvider
	logger  *logging.Logger
}

// NewDeadLetters creates a reader over the dead-letter stream.
func NewDeadLetters(streams StreamProvider, logger *logging.Logger) *DeadLetters {
	return &DeadLetters{streams: streams, logger: logger}
}

// Stats describes the dead-letter stream.
type Stats struct {
	Messages  uint64 `json:"totalMessages"`
	Bytes     uint64 `json:"totalBytes"`
	FirstSeq  uint64 `json:"firstSeq"`
	LastSeq   uint64 `json:"lastSeq"`
	Consumers int    `json:"consumerCount"`
}

// Stats returns dead-letter stream counters.
func (d *DeadLetters) Stats(ctx context.Context) (Stats, error) {
	stream, err := d.streams.EnsureStream(ctx, natsq.WebhooksDLQStream)
	if err != nil {
		return Stats{}, err
	}
	info, err := stream.Info(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("dead-letter stream info: %w", err)
	}
	return Stats{
		Messages:  info.State.Msgs,
		Bytes:     info.State.Bytes,
		FirstSeq:  info.State.FirstSeq,
		LastSeq:   info.State.LastSeq,
		Consumers: info.State.Consumers,
	}, nil
}

// List returns up to limit dead letters, oldest first, without removing them.
func (d *DeadLetters) List(ctx context.Context, limit int) ([]models.DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	stream, err := d.streams.EnsureStream(ctx, natsq.WebhooksDLQStream)
	if err != nil {
		return nil, err
	}

	consumer, err := stream.OrderedConsumer(ctx, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{messaging.SubjectWebhooksDLQ},
		DeliverPolicy:  jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("create list consumer: %w", err)
	}

	batch, err := consumer.Fetch(limit, jetstream.FetchMaxWait(2*time.Second))
	if err != nil {
		return nil, fmt.Errorf("fetch dead letters: %w", err)
	}

	letters := make([]models.DeadLetter, 0, limit)
	for msg := range batch.Messages() {
		var dl models.DeadLetter
		if err := json.Unmarshal(msg.Data(), &dl); err != nil {
			d.logger.Warn("skipping malformed dead letter", logging.Error(err))
			continue
		}
		letters = append(letters, dl)
	}
	if batch.Error() != nil {
		d.logger.Warn("dead-letter fetch completed with error", logging.Error(batch.Error()))
	}
	return letters, nil
}

// Purge removes all dead letters.
func (d *DeadLetters) Purge(ctx context.Context) error {
	stream, err := d.streams.EnsureStream(ctx, natsq.WebhooksDLQStream)
	if err != nil {
		return err
	}
	if err := stream.Purge(ctx); err != nil {
		return fmt.Errorf("purge dead letters: %w", err)
	}
	return nil
}
