// Package deliveryqueue is the producer side of the webhook delivery
// topology: the primary queue, the delay queue and the dead-letter queue.
package deliveryqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/telhawk-systems/ledgerwatch/common/messaging"
	"github.com/telhawk-systems/ledgerwatch/common/middleware"
	"github.com/telhawk-systems/ledgerwatch/common/models"
)

// Queue publishes delivery jobs. It holds no connection of its own; every
// publish goes through the connection manager behind messaging.Publisher.
type Queue struct {
	pub messaging.Publisher
	now func() time.Time
}

// New creates a Queue over pub.
func New(pub messaging.Publisher) *Queue {
	return &Queue{pub: pub, now: time.Now}
}

// Enqueue puts a job on the primary delivery queue.
func (q *Queue) Enqueue(ctx context.Context, job models.DeliveryJob) error {
	return q.publish(ctx, messaging.SubjectWebhooksDeliver, job, job.Event, nil)
}

// ScheduleRetry parks job on the delay queue until delay has elapsed. The
// retry forwarder moves it back to the primary queue when due.
func (q *Queue) ScheduleRetry(ctx context.Context, job models.DeliveryJob, delay time.Duration) error {
	due := q.now().Add(delay).UTC()
	return q.publish(ctx, messaging.SubjectWebhooksRetry, job, job.Event, map[string]string{
		messaging.HeaderDeliverAfter: due.Format(time.RFC3339Nano),
	})
}

// DeadLetter publishes a permanently failed job.
func (q *Queue) DeadLetter(ctx context.Context, dl models.DeadLetter) error {
	if dl.Timestamp.IsZero() {
		dl.Timestamp = q.now().UTC()
	}
	return q.publish(ctx, messaging.SubjectWebhooksDLQ, dl, dl.Event, nil)
}

func (q *Queue) publish(ctx context.Context, subject string, v interface{}, event models.WebhookEvent, extra map[string]string) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s message: %w", subject, err)
	}
	headers := map[string]string{messaging.HeaderEvent: string(event)}
	if reqID := middleware.GetRequestID(ctx); reqID != "" {
		headers[messaging.HeaderRequestID] = reqID
	}
	for k, v := range extra {
		headers[k] = v
	}
	if err := q.pub.Publish(ctx, subject, data, headers); err != nil {
		return fmt.Errorf("enqueue %s: %w", subject, err)
	}
	return nil
}

// DueAt reads the X-Deliver-After header of a delay-queue message. A missing
// or unparseable header means the message is due now.
func DueAt(msg *messaging.Message) time.Time {
	raw := msg.Header(messaging.HeaderDeliverAfter)
	if raw == "" {
		return time.Time{}
	}
	due, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return due
}

// DecodeJob parses a primary or delay queue message.
func DecodeJob(msg *messaging.Message) (models.DeliveryJob, error) {
	var job models.DeliveryJob
	if err := json.Unmarshal(msg.Data, &job); err != nil {
		return job, fmt.Errorf("decode delivery job: %w", err)
	}
	if job.WebhookID == "" || job.Event == "" {
		return job, fmt.Errorf("decode delivery job: webhookId and event are required")
	}
	return job, nil
}
