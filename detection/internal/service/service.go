// Package service runs a detection pass for one upload: persist, embed,
// detect, then emit.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/telhawk-systems/ledgerwatch/common/logging"
	"github.com/telhawk-systems/ledgerwatch/common/models"
	"github.com/telhawk-systems/ledgerwatch/common/pubsub"
	"github.com/telhawk-systems/ledgerwatch/detection/internal/detector"
	"github.com/telhawk-systems/ledgerwatch/detection/internal/embedding"
	"github.com/telhawk-systems/ledgerwatch/detection/internal/emitter"
	"github.com/telhawk-systems/ledgerwatch/detection/internal/fingerprint"
	"github.com/telhawk-systems/ledgerwatch/detection/internal/metrics"
)

// Upload progress stages.
const (
	StagePersisting = "persisting"
	StageEmbedding  = "embedding"
	StageDetecting  = "detecting"
	StageNotifying  = "notifying"
)

// ErrInvalidRequest is returned for requests missing tenant or upload ids.
var ErrInvalidRequest = errors.New("invalid detection request")

// Store is the record persistence the service needs.
type Store interface {
	SaveRecords(ctx context.Context, records []*models.Record) (int, error)
	ListUploadRecords(ctx context.Context, tenantID, uploadID string) ([]*models.Record, error)
}

// Backfiller embeds records that lack a vector.
type Backfiller interface {
	Backfill(ctx context.Context, records []*models.Record) embedding.Result
}

// Progress publishes upload status events.
type Progress interface {
	PublishUploadProgress(ctx context.Context, tenantID string, progress pubsub.UploadProgress) bool
	PublishUploadError(ctx context.Context, tenantID, uploadID string, cause error) bool
}

// Request is one detection job.
type Request struct {
	TenantID string
	UploadID string
	Records  []*models.Record
}

// Service wires the detection pipeline.
type Service struct {
	store      Store
	backfiller Backfiller
	detector   *detector.Detector
	emitter    *emitter.Emitter
	progress   Progress
	bucket     time.Duration
	logger     *logging.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithBackfiller enables embedding backfill before the similarity pass.
func WithBackfiller(b Backfiller) Option {
	return func(s *Service) { s.backfiller = b }
}

// WithProgress enables upload progress events.
func WithProgress(p Progress) Option {
	return func(s *Service) { s.progress = p }
}

// WithBucket overrides the canonical-key time bucket.
func WithBucket(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.bucket = d
		}
	}
}

// WithLogger sets the service logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// NewService creates a Service.
func NewService(store Store, det *detector.Detector, em *emitter.Emitter, opts ...Option) *Service {
	s := &Service{
		store:    store,
		detector: det,
		emitter:  em,
		bucket:   fingerprint.DefaultBucket,
		logger:   logging.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Detector exposes the detector for threshold reloads.
func (s *Service) Detector() *detector.Detector {
	return s.detector
}

// Process persists the batch and runs detection over it. The summary is
// returned even when notifications fail; an error means the run itself
// could not complete.
func (s *Service) Process(ctx context.Context, req Request) (*models.Summary, error) {
	if req.TenantID == "" || req.UploadID == "" {
		return nil, fmt.Errorf("%w: tenant id and upload id are required", ErrInvalidRequest)
	}
	for _, r := range req.Records {
		if r == nil {
			continue
		}
		if r.TenantID == "" {
			r.TenantID = req.TenantID
		}
		r.UploadID = req.UploadID
		fingerprint.Derive(r, s.bucket)
	}

	s.report(ctx, req, StagePersisting, 0)
	if _, err := s.store.SaveRecords(ctx, valid(req.Records, req.TenantID)); err != nil {
		return nil, s.fail(ctx, req, fmt.Errorf("persist records: %w", err))
	}
	return s.run(ctx, req)
}

// Rerun runs detection over an upload that is already stored.
func (s *Service) Rerun(ctx context.Context, tenantID, uploadID string) (*models.Summary, error) {
	if tenantID == "" || uploadID == "" {
		return nil, fmt.Errorf("%w: tenant id and upload id are required", ErrInvalidRequest)
	}
	req := Request{TenantID: tenantID, UploadID: uploadID}
	records, err := s.store.ListUploadRecords(ctx, tenantID, uploadID)
	if err != nil {
		return nil, s.fail(ctx, req, fmt.Errorf("load upload records: %w", err))
	}
	req.Records = records
	return s.run(ctx, req)
}

func (s *Service) run(ctx context.Context, req Request) (*models.Summary, error) {
	start := time.Now()
	log := s.logger.With(logging.TenantID(req.TenantID), logging.UploadID(req.UploadID))

	if s.backfiller != nil {
		s.report(ctx, req, StageEmbedding, 0)
		res := s.backfiller.Backfill(ctx, valid(req.Records, req.TenantID))
		metrics.EmbeddingsTotal.WithLabelValues("embedded").Add(float64(res.Embedded))
		metrics.EmbeddingsTotal.WithLabelValues("failed").Add(float64(res.Failed))
	}

	s.report(ctx, req, StageDetecting, 0)
	report, err := s.detector.Detect(ctx, req.TenantID, req.UploadID, req.Records)
	if err != nil {
		return nil, s.fail(ctx, req, fmt.Errorf("detect: %w", err))
	}
	metrics.SimilarityTimeouts.Add(float64(report.SearchTimeouts))

	s.report(ctx, req, StageNotifying, 0)
	run := s.emitter.Begin(req.TenantID, req.UploadID)
	for i, em := range report.Emissions {
		if _, err := run.Emit(ctx, em); err != nil {
			log.ErrorContext(ctx, "failed to emit threat", logging.RuleID(string(em.RuleID)), logging.Error(err))
			continue
		}
		metrics.ThreatsTotal.WithLabelValues(string(em.RuleID)).Inc()
		s.report(ctx, req, StageNotifying, i+1)
	}
	summary := run.Complete(ctx, len(req.Records), report)

	stats := run.Stats()
	metrics.NotificationFailures.WithLabelValues("pubsub").Add(float64(stats.NotifyFailures))
	metrics.NotificationFailures.WithLabelValues("webhook").Add(float64(stats.EnqueueErrors))
	metrics.RecordsTotal.WithLabelValues("flagged").Add(float64(summary.Flagged))
	metrics.RecordsTotal.WithLabelValues("skipped").Add(float64(summary.SkippedRecords))
	metrics.RecordsTotal.WithLabelValues("clean").Add(float64(summary.TotalRecords - summary.Flagged - summary.SkippedRecords))
	metrics.RunsTotal.WithLabelValues("completed").Inc()
	metrics.RunDuration.Observe(time.Since(start).Seconds())

	log.InfoContext(ctx, "detection run complete",
		"records", summary.TotalRecords,
		"flagged", summary.Flagged,
		"threats", summary.Threats,
		"duplicates_skipped", stats.Duplicates,
		logging.Duration(time.Since(start)),
	)
	return summary, nil
}

// report publishes a progress event. processed counts emitted clusters in
// the notifying stage and is zero otherwise.
func (s *Service) report(ctx context.Context, req Request, stage string, processed int) {
	if s.progress == nil {
		return
	}
	s.progress.PublishUploadProgress(ctx, req.TenantID, pubsub.UploadProgress{
		UploadID:  req.UploadID,
		Stage:     stage,
		Processed: processed,
		Total:     len(req.Records),
	})
}

func (s *Service) fail(ctx context.Context, req Request, err error) error {
	metrics.RunsTotal.WithLabelValues("failed").Inc()
	s.logger.ErrorContext(ctx, "detection run failed",
		logging.TenantID(req.TenantID), logging.UploadID(req.UploadID), logging.Error(err))
	if s.progress != nil {
		s.progress.PublishUploadError(ctx, req.TenantID, req.UploadID, err)
	}
	s.emitter.Begin(req.TenantID, req.UploadID).Fail(ctx, err)
	return err
}

// valid filters out records the detector would skip, so they are neither
// stored nor embedded.
func valid(records []*models.Record, tenantID string) []*models.Record {
	out := make([]*models.Record, 0, len(records))
	for _, r := range records {
		if fingerprint.Validate(r) == nil && r.TenantID == tenantID {
			out = append(out, r)
		}
	}
	return out
}
