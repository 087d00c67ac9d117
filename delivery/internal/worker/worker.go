// Package worker consumes webhook delivery jobs and applies the retry
// policy: reschedule on the delay queue or dead-letter.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/telhawk-systems/ledgerwatch/common/config"
	"github.com/telhawk-systems/ledgerwatch/common/deliveryqueue"
	"github.com/telhawk-systems/ledgerwatch/common/logging"
	"github.com/telhawk-systems/ledgerwatch/common/messaging"
	"github.com/telhawk-systems/ledgerwatch/common/models"
	"github.com/telhawk-systems/ledgerwatch/common/retry"
	"github.com/telhawk-systems/ledgerwatch/delivery/internal/deliverer"
	"github.com/telhawk-systems/ledgerwatch/delivery/internal/metrics"
	"github.com/telhawk-systems/ledgerwatch/delivery/internal/repository"
)

// DefaultBackoff is the delay before retry n (clamped to the last step).
var DefaultBackoff = []time.Duration{
	1 * time.Second, 5 * time.Second, 15 * time.Second, 30 * time.Second, 60 * time.Second,
}

// DefaultMaxRetries bounds retries after the initial attempt.
const DefaultMaxRetries = 5

// Store is the persistence the worker needs.
type Store interface {
	Subscription(ctx context.Context, id string) (*models.WebhookSubscription, error)
	RecordDelivery(ctx context.Context, d *models.WebhookDelivery) error
}

// Deliverer performs one attempt.
type Deliverer interface {
	Deliver(ctx context.Context, sub *models.WebhookSubscription, job models.DeliveryJob) deliverer.Result
}

// Queue is the producer side of the delivery topology.
type Queue interface {
	Enqueue(ctx context.Context, job models.DeliveryJob) error
	ScheduleRetry(ctx context.Context, job models.DeliveryJob, delay time.Duration) error
	DeadLetter(ctx context.Context, dl models.DeadLetter) error
}

// Outcome is what ProcessJob decided for a job.
type Outcome string

const (
	OutcomeDelivered    Outcome = "delivered"
	OutcomeSkipped      Outcome = "skipped"
	OutcomeRetrying     Outcome = "retrying"
	OutcomeDeadLettered Outcome = "dead_lettered"
	OutcomeDropped      Outcome = "dropped"
)

// Worker processes primary-queue messages.
type Worker struct {
	store      Store
	deliverer  Deliverer
	queue      Queue
	maxRetries int
	backoff    retry.Backoff
	now        func() time.Time
	logger     *logging.Logger
}

// New creates a Worker from the delivery configuration.
func New(store Store, d Deliverer, queue Queue, cfg config.DeliveryConfig, logger *logging.Logger) *Worker {
	steps := cfg.Backoff
	if len(steps) == 0 {
		steps = DefaultBackoff
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Worker{
		store:      store,
		deliverer:  d,
		queue:      queue,
		maxRetries: maxRetries,
		backoff:    retry.Ladder(steps...),
		now:        time.Now,
		logger:     logger,
	}
}

// Handle is the messaging handler for the primary queue. It returns nil once
// the retry decision is durable, so the broker acks only after processing.
func (w *Worker) Handle(ctx context.Context, msg *messaging.Message) error {
	job, err := deliveryqueue.DecodeJob(msg)
	if err != nil {
		metrics.JobsDropped.WithLabelValues("malformed").Inc()
		w.logger.ErrorContext(ctx, "dropping malformed delivery job", logging.Subject(msg.Subject), logging.Error(err))
		return nil
	}
	_, err = w.ProcessJob(ctx, job)
	return err
}

// ProcessJob runs one delivery attempt for job. An error means the attempt
// was interrupted or its decision could not be recorded, and the message
// should be redelivered.
func (w *Worker) ProcessJob(ctx context.Context, job models.DeliveryJob) (Outcome, error) {
	log := w.logger.With(logging.WebhookID(job.WebhookID), logging.TenantID(job.TenantID),
		logging.Event(string(job.Event)), logging.Attempt(job.Attempt))

	sub, err := w.store.Subscription(ctx, job.WebhookID)
	if errors.Is(err, repository.ErrNotFound) {
		metrics.JobsDropped.WithLabelValues("not_found").Inc()
		log.WarnContext(ctx, "webhook no longer exists, dropping job")
		return OutcomeDropped, nil
	}
	if err != nil {
		return "", fmt.Errorf("load subscription: %w", err)
	}
	if !sub.Accepts(job.Event) {
		metrics.JobsDropped.WithLabelValues("inactive").Inc()
		log.InfoContext(ctx, "webhook inactive or unsubscribed, dropping job")
		return OutcomeDropped, nil
	}

	res := w.deliverer.Deliver(ctx, sub, job)
	if err := ctx.Err(); err != nil && !res.Success {
		// Interrupted, not failed: leave the message unacked for redelivery.
		log.WarnContext(ctx, "webhook delivery interrupted", logging.Error(err))
		return "", fmt.Errorf("deliver: %w", err)
	}
	w.audit(ctx, log, job, res)

	if res.Success {
		if !res.Sent {
			metrics.AttemptsTotal.WithLabelValues(string(job.Event), "skipped").Inc()
			return OutcomeSkipped, nil
		}
		metrics.AttemptsTotal.WithLabelValues(string(job.Event), "success").Inc()
		log.InfoContext(ctx, "webhook delivered", logging.Status(res.StatusCode), logging.Duration(res.ResponseTime))
		return OutcomeDelivered, nil
	}
	metrics.AttemptsTotal.WithLabelValues(string(job.Event), "failure").Inc()

	if res.Retryable && job.Attempt < w.maxRetries {
		delay := w.backoff(job.Attempt)
		if err := w.queue.ScheduleRetry(ctx, job.Next(), delay); err != nil {
			return "", fmt.Errorf("schedule retry: %w", err)
		}
		metrics.RetriesScheduled.Inc()
		log.WarnContext(ctx, "webhook delivery failed, retry scheduled",
			"delay", delay.String(), "error_code", res.ErrorCode, logging.Error(errors.New(res.Error)))
		return OutcomeRetrying, nil
	}

	w.deadLetter(ctx, log, job, res)
	return OutcomeDeadLettered, nil
}

// audit writes one row per attempt. A failed write is logged and does not
// change the retry decision.
func (w *Worker) audit(ctx context.Context, log *logging.Logger, job models.DeliveryJob, res deliverer.Result) {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	row := &models.WebhookDelivery{
		ID:             id.String(),
		WebhookID:      job.WebhookID,
		TenantID:       job.TenantID,
		Event:          job.Event,
		Payload:        res.Body,
		Success:        res.Success,
		Attempt:        job.Attempt,
		Error:          res.Error,
		ResponseTimeMs: res.ResponseTime.Milliseconds(),
		CreatedAt:      w.now().UTC(),
	}
	if res.StatusCode != 0 {
		status := res.StatusCode
		row.StatusCode = &status
	}
	if err := w.store.RecordDelivery(ctx, row); err != nil {
		log.WarnContext(ctx, "failed to record delivery attempt", logging.Error(err))
	}
}

// deadLetter never fails the message: a publish error is logged as critical
// and the job is acknowledged anyway.
func (w *Worker) deadLetter(ctx context.Context, log *logging.Logger, job models.DeliveryJob, res deliverer.Result) {
	dl := models.DeadLetter{
		DeliveryJob:  job,
		Error:        res.Error,
		ErrorCode:    res.ErrorCode,
		FinalAttempt: job.Attempt,
		Timestamp:    w.now().UTC(),
	}
	if err := w.queue.DeadLetter(ctx, dl); err != nil {
		metrics.DeadLettered.WithLabelValues("publish_failed").Inc()
		log.ErrorContext(ctx, "failed to publish dead letter, job lost",
			logging.Critical(), "error_code", res.ErrorCode, logging.Error(err))
		return
	}
	metrics.DeadLettered.WithLabelValues("published").Inc()
	log.ErrorContext(ctx, "webhook delivery failed permanently, dead-lettered",
		"error_code", res.ErrorCode, "final_attempt", job.Attempt, logging.Error(errors.New(res.Error)))
}

// Forwarder moves due jobs from the delay queue back to the primary queue.
type Forwarder struct {
	queue  Queue
	now    func() time.Time
	logger *logging.Logger
}

// NewForwarder creates a Forwarder.
func NewForwarder(queue Queue, logger *logging.Logger) *Forwarder {
	if logger == nil {
		logger = logging.Default()
	}
	return &Forwarder{queue: queue, now: time.Now, logger: logger}
}

// Handle is the messaging handler for the delay queue. A job that is not yet
// due is handed back to the broker with the remaining delay.
func (f *Forwarder) Handle(ctx context.Context, msg *messaging.Message) error {
	job, err := deliveryqueue.DecodeJob(msg)
	if err != nil {
		metrics.JobsDropped.WithLabelValues("malformed").Inc()
		f.logger.ErrorContext(ctx, "dropping malformed retry job", logging.Subject(msg.Subject), logging.Error(err))
		return nil
	}
	if wait := deliveryqueue.DueAt(msg).Sub(f.now()); wait > 0 {
		return messaging.RetryAfter(wait)
	}
	if err := f.queue.Enqueue(ctx, job); err != nil {
		return fmt.Errorf("forward retry: %w", err)
	}
	metrics.RetriesForwarded.Inc()
	return nil
}
