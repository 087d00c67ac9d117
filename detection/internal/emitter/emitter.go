// Package emitter turns detector emissions into persisted threats and alerts
// and then dispatches notifications. The database write is the commit point;
// pub/sub and webhook dispatch run afterwards and never undo it.
package emitter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/telhawk-systems/ledgerwatch/common/logging"
	"github.com/telhawk-systems/ledgerwatch/common/models"
	"github.com/telhawk-systems/ledgerwatch/detection/internal/detector"
	"github.com/telhawk-systems/ledgerwatch/detection/internal/evidence"
	"github.com/telhawk-systems/ledgerwatch/detection/internal/repository"
)

// Store is the persistence the emitter needs.
type Store interface {
	CreateThreat(ctx context.Context, threat *models.Threat, alert *models.Alert, recordIDs []string) error
	ActiveSubscriptions(ctx context.Context, tenantID string) ([]*models.WebhookSubscription, error)
}

// Notifier publishes real-time events. It reports failure by returning false.
type Notifier interface {
	PublishAlert(ctx context.Context, alert *models.Alert) bool
	PublishUploadComplete(ctx context.Context, summary *models.Summary) bool
}

// JobQueue accepts webhook delivery jobs.
type JobQueue interface {
	Enqueue(ctx context.Context, job models.DeliveryJob) error
}

// Emitter persists emissions and fans out notifications.
type Emitter struct {
	store       Store
	notifier    Notifier
	queue       JobQueue
	environment string
	logger      *logging.Logger
	now         func() time.Time
}

// New creates an Emitter. notifier and queue may be nil to disable that
// side channel.
func New(store Store, notifier Notifier, queue JobQueue, environment string, logger *logging.Logger) *Emitter {
	if logger == nil {
		logger = logging.Default()
	}
	return &Emitter{
		store:       store,
		notifier:    notifier,
		queue:       queue,
		environment: environment,
		logger:      logger,
		now:         time.Now,
	}
}

// Stats counts what a run produced.
type Stats struct {
	Created        int
	Duplicates     int
	PersistErrors  int
	NotifyFailures int
	EnqueueErrors  int
}

// Run is the emitter state for one detection run. Subscriptions are loaded
// once per run.
type Run struct {
	e        *Emitter
	tenantID string
	uploadID string

	subs      []*models.WebhookSubscription
	subsReady bool

	threatIDs map[string]string
	stats     Stats
}

// Begin starts a run for an upload.
func (e *Emitter) Begin(tenantID, uploadID string) *Run {
	return &Run{
		e:         e,
		tenantID:  tenantID,
		uploadID:  uploadID,
		threatIDs: make(map[string]string),
	}
}

// Stats returns the counters accumulated so far.
func (r *Run) Stats() Stats {
	return r.stats
}

// ThreatIDs maps emission keys to the ids of threats created in this run.
func (r *Run) ThreatIDs() map[string]string {
	return r.threatIDs
}

// Emit persists one emission as a threat and its alert, then notifies. An
// emission whose cluster already has a threat is skipped without notifying.
// Only persistence failures are returned.
func (r *Run) Emit(ctx context.Context, em detector.Emission) (*models.Threat, error) {
	threat, alert, err := r.build(em)
	if err != nil {
		r.stats.PersistErrors++
		return nil, err
	}

	if err := r.e.store.CreateThreat(ctx, threat, alert, recordIDs(em)); err != nil {
		if errors.Is(err, repository.ErrThreatExists) {
			r.stats.Duplicates++
			r.e.logger.DebugContext(ctx, "threat already recorded for cluster",
				logging.RuleID(string(em.RuleID)), logging.UploadID(r.uploadID))
			return nil, nil
		}
		r.stats.PersistErrors++
		return nil, fmt.Errorf("persist threat for %s: %w", em.Key(), err)
	}
	r.stats.Created++
	r.threatIDs[em.Key()] = threat.ID

	if r.e.notifier != nil && !r.e.notifier.PublishAlert(ctx, alert) {
		r.stats.NotifyFailures++
	}

	data, err := json.Marshal(models.ThreatCreatedData{
		ThreatID:       threat.ID,
		AlertID:        alert.ID,
		UploadID:       r.uploadID,
		RuleID:         em.RuleID,
		Severity:       alert.Severity,
		Confidence:     threat.Confidence,
		Title:          alert.Title,
		Description:    threat.Description,
		AnchorRecordID: threat.AnchorRecordID,
		RecordIDs:      recordIDs(em),
		FlaggedValue:   em.FlaggedValue(),
		Currency:       em.Evidence.Currency,
		CreatedAt:      threat.CreatedAt,
	})
	if err == nil {
		r.dispatch(ctx, models.EventThreatCreated, data)
	}
	return threat, nil
}

// Complete builds the run summary, publishes upload_complete and enqueues
// upload.complete for subscribers.
func (r *Run) Complete(ctx context.Context, totalRecords int, report *detector.Report) *models.Summary {
	summary := BuildSummary(r.tenantID, r.uploadID, totalRecords, report, r.threatIDs)
	summary.Threats = r.stats.Created
	summary.Errors += r.stats.PersistErrors

	if r.e.notifier != nil && !r.e.notifier.PublishUploadComplete(ctx, summary) {
		r.stats.NotifyFailures++
	}
	if data, err := json.Marshal(summary); err == nil {
		r.dispatch(ctx, models.EventUploadComplete, data)
	}
	return summary
}

// Fail enqueues upload.failed for subscribers.
func (r *Run) Fail(ctx context.Context, cause error) {
	data, err := json.Marshal(models.UploadFailedData{
		UploadID: r.uploadID,
		Error:    cause.Error(),
		FailedAt: r.e.now().UTC(),
	})
	if err != nil {
		return
	}
	r.dispatch(ctx, models.EventUploadFailed, data)
}

// dispatch enqueues one job per subscription accepting event. Failures are
// logged and counted.
func (r *Run) dispatch(ctx context.Context, event models.WebhookEvent, data json.RawMessage) {
	if r.e.queue == nil {
		return
	}
	for _, sub := range r.subscriptions(ctx) {
		if !sub.Accepts(event) {
			continue
		}
		job := models.DeliveryJob{
			WebhookID:   sub.ID,
			TenantID:    r.tenantID,
			Event:       event,
			Data:        data,
			Attempt:     0,
			Environment: r.e.environment,
		}
		if err := r.e.queue.Enqueue(ctx, job); err != nil {
			r.stats.EnqueueErrors++
			r.e.logger.ErrorContext(ctx, "failed to enqueue webhook delivery",
				logging.WebhookID(sub.ID), logging.Event(string(event)), logging.Error(err))
		}
	}
}

func (r *Run) subscriptions(ctx context.Context) []*models.WebhookSubscription {
	if r.subsReady {
		return r.subs
	}
	subs, err := r.e.store.ActiveSubscriptions(ctx, r.tenantID)
	if err != nil {
		r.e.logger.ErrorContext(ctx, "failed to load webhook subscriptions",
			logging.TenantID(r.tenantID), logging.Error(err))
		return nil
	}
	r.subs, r.subsReady = subs, true
	return subs
}

func (r *Run) build(em detector.Emission) (*models.Threat, *models.Alert, error) {
	if em.Anchor == nil || len(em.Flagged) == 0 {
		return nil, nil, fmt.Errorf("emission %s has no records", em.Key())
	}
	ctxJSON, err := em.Evidence.JSON()
	if err != nil {
		return nil, nil, fmt.Errorf("encode evidence for %s: %w", em.Key(), err)
	}

	threatID, err := uuid.NewV7()
	if err != nil {
		return nil, nil, fmt.Errorf("generate threat id: %w", err)
	}
	alertID, err := uuid.NewV7()
	if err != nil {
		return nil, nil, fmt.Errorf("generate alert id: %w", err)
	}
	now := r.e.now().UTC()

	threat := &models.Threat{
		ID:             threatID.String(),
		TenantID:       r.tenantID,
		UploadID:       r.uploadID,
		AnchorRecordID: em.Anchor.ID,
		RuleID:         em.RuleID,
		ClusterKey:     em.ClusterKey,
		Confidence:     models.ClampConfidence(em.Confidence),
		Description:    evidence.Describe(em.Evidence),
		Context:        ctxJSON,
		Status:         models.ThreatStatusOpen,
		CreatedAt:      now,
	}
	alert := &models.Alert{
		ID:       alertID.String(),
		TenantID: r.tenantID,
		ThreatID: threat.ID,
		UploadID: r.uploadID,
		Title:    evidence.Title(em.RuleID),
		Summary:  evidence.Summary(em.Evidence),
		Severity: em.Severity,
		Payload: map[string]interface{}{
			"ruleId":         string(em.RuleID),
			"clusterKey":     em.ClusterKey,
			"confidence":     threat.Confidence,
			"anchorRecordId": em.Anchor.ID,
			"recordIds":      recordIDs(em),
			"flaggedValue":   em.FlaggedValue(),
		},
		CreatedAt: now,
	}
	return threat, alert, nil
}

func recordIDs(em detector.Emission) []string {
	ids := make([]string, len(em.Flagged))
	for i, rec := range em.Flagged {
		ids[i] = rec.ID
	}
	return ids
}
