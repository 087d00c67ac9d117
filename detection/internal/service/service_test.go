package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/ledgerwatch/common/logging"
	"github.com/telhawk-systems/ledgerwatch/common/models"
	"github.com/telhawk-systems/ledgerwatch/common/pubsub"
	"github.com/telhawk-systems/ledgerwatch/detection/internal/detector"
	"github.com/telhawk-systems/ledgerwatch/detection/internal/embedding"
	"github.com/telhawk-systems/ledgerwatch/detection/internal/emitter"
	"github.com/telhawk-systems/ledgerwatch/detection/internal/repository"
)

// memoryRepo is an in-memory stand-in for the postgres repository.
type memoryRepo struct {
	mu       sync.Mutex
	records  map[string]*models.Record
	threats  map[string]*models.Threat
	subs     []*models.WebhookSubscription
	saveErr  error
	saveArgs [][]*models.Record
}

func newMemoryRepo(subs ...*models.WebhookSubscription) *memoryRepo {
	return &memoryRepo{records: map[string]*models.Record{}, threats: map[string]*models.Threat{}, subs: subs}
}

func (m *memoryRepo) SaveRecords(ctx context.Context, records []*models.Record) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveArgs = append(m.saveArgs, records)
	if m.saveErr != nil {
		return 0, m.saveErr
	}
	n := 0
	for _, r := range records {
		if _, ok := m.records[r.ID]; !ok {
			m.records[r.ID] = r
			n++
		}
	}
	return n, nil
}

func (m *memoryRepo) ListUploadRecords(ctx context.Context, tenantID, uploadID string) ([]*models.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Record
	for _, r := range m.records {
		if r.TenantID == tenantID && r.UploadID == uploadID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memoryRepo) FindHistorical(ctx context.Context, tenantID, excludeUploadID string, txIDs, keys []string) ([]*models.Record, error) {
	return nil, nil
}

func (m *memoryRepo) CreateThreat(ctx context.Context, threat *models.Threat, alert *models.Alert, recordIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := threat.UploadID + "|" + string(threat.RuleID) + "|" + threat.ClusterKey
	if _, ok := m.threats[key]; ok {
		return repository.ErrThreatExists
	}
	m.threats[key] = threat
	return nil
}

func (m *memoryRepo) ActiveSubscriptions(ctx context.Context, tenantID string) ([]*models.WebhookSubscription, error) {
	return m.subs, nil
}

type fakeBus struct {
	mu        sync.Mutex
	stages    []string
	errors    []string
	alerts    int
	summaries []*models.Summary
}

func (f *fakeBus) PublishUploadProgress(ctx context.Context, tenantID string, p pubsub.UploadProgress) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stages = append(f.stages, p.Stage)
	return true
}

func (f *fakeBus) PublishUploadError(ctx context.Context, tenantID, uploadID string, cause error) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errors = append(f.errors, cause.Error())
	return true
}

func (f *fakeBus) PublishAlert(ctx context.Context, alert *models.Alert) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts++
	return true
}

func (f *fakeBus) PublishUploadComplete(ctx context.Context, s *models.Summary) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.summaries = append(f.summaries, s)
	return true
}

type fakeQueue struct {
	jobs []models.DeliveryJob
}

func (f *fakeQueue) Enqueue(ctx context.Context, job models.DeliveryJob) error {
	f.jobs = append(f.jobs, job)
	return nil
}

type fakeBackfiller struct {
	seen int
}

func (f *fakeBackfiller) Backfill(ctx context.Context, records []*models.Record) embedding.Result {
	f.seen += len(records)
	return embedding.Result{Embedded: len(records)}
}

type harness struct {
	repo    *memoryRepo
	bus     *fakeBus
	queue   *fakeQueue
	filler  *fakeBackfiller
	service *Service
}

func newHarness(subs ...*models.WebhookSubscription) *harness {
	h := &harness{repo: newMemoryRepo(subs...), bus: &fakeBus{}, queue: &fakeQueue{}, filler: &fakeBackfiller{}}
	det := detector.New(h.repo, nil, detector.DefaultThresholds(), logging.Discard())
	em := emitter.New(h.repo, h.bus, h.queue, "test", logging.Discard())
	h.service = NewService(h.repo, det, em,
		WithBackfiller(h.filler),
		WithProgress(h.bus),
		WithBucket(time.Hour),
		WithLogger(logging.Discard()),
	)
	return h
}

func allEvents() *models.WebhookSubscription {
	set, _ := models.NewEventSet(models.EventThreatCreated, models.EventUploadComplete, models.EventUploadFailed)
	return &models.WebhookSubscription{ID: "wh-1", TenantID: "t1", URL: "https://example.test/hook", Secret: "s", Events: set, Active: true}
}

func scenario() []*models.Record {
	ts := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	return []*models.Record{
		{ID: "A", TxID: "TX1", Partner: "Acme", Amount: 100.00, Currency: "USD", Timestamp: ts},
		{ID: "B", TxID: "TX2", Partner: "Acme", Amount: 100.00, Currency: "USD", Timestamp: ts},
		{ID: "C", TxID: "TX9", Partner: "Globex", Amount: 12.34, Currency: "EUR", Timestamp: ts.Add(5 * time.Hour)},
	}
}

func TestProcess_EndToEnd(t *testing.T) {
	h := newHarness(allEvents())

	summary, err := h.service.Process(context.Background(), Request{TenantID: "t1", UploadID: "u1", Records: scenario()})
	require.NoError(t, err)

	assert.Equal(t, 3, summary.TotalRecords)
	assert.Equal(t, 1, summary.Flagged)
	assert.Equal(t, 100.00, summary.FlaggedValue)
	assert.Equal(t, 1, summary.Threats)
	assert.Equal(t, 1, summary.ByRule[models.RuleDupInBatchCanonical].Clusters)

	assert.Len(t, h.repo.records, 3)
	for _, r := range h.repo.records {
		assert.Equal(t, "u1", r.UploadID)
		assert.Equal(t, "t1", r.TenantID)
		assert.NotEmpty(t, r.CanonicalKey)
	}
	assert.Equal(t, 3, h.filler.seen)

	assert.Equal(t, []string{StagePersisting, StageEmbedding, StageDetecting, StageNotifying, StageNotifying}, h.bus.stages)
	assert.Equal(t, 1, h.bus.alerts)
	require.Len(t, h.bus.summaries, 1)

	var events []models.WebhookEvent
	for _, j := range h.queue.jobs {
		events = append(events, j.Event)
	}
	assert.Equal(t, []models.WebhookEvent{models.EventThreatCreated, models.EventUploadComplete}, events)
}

func TestProcess_SkipsInvalidRecordsBeforeStorage(t *testing.T) {
	h := newHarness()
	records := scenario()
	records = append(records, &models.Record{ID: "bad", Partner: "x"}, nil)

	summary, err := h.service.Process(context.Background(), Request{TenantID: "t1", UploadID: "u1", Records: records})
	require.NoError(t, err)
	assert.Equal(t, 2, summary.SkippedRecords)
	assert.Len(t, h.repo.saveArgs[0], 3)
}

func TestProcess_PersistFailure(t *testing.T) {
	h := newHarness(allEvents())
	h.repo.saveErr = errors.New("connection refused")

	_, err := h.service.Process(context.Background(), Request{TenantID: "t1", UploadID: "u1", Records: scenario()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "persist records")

	require.Len(t, h.bus.errors, 1)
	require.Len(t, h.queue.jobs, 1)
	assert.Equal(t, models.EventUploadFailed, h.queue.jobs[0].Event)
	assert.Empty(t, h.bus.summaries)
}

func TestProcess_InvalidRequest(t *testing.T) {
	h := newHarness()
	_, err := h.service.Process(context.Background(), Request{UploadID: "u1"})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = h.service.Rerun(context.Background(), "t1", "")
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestRerun_IsIdempotent(t *testing.T) {
	h := newHarness(allEvents())
	_, err := h.service.Process(context.Background(), Request{TenantID: "t1", UploadID: "u1", Records: scenario()})
	require.NoError(t, err)

	summary, err := h.service.Rerun(context.Background(), "t1", "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Flagged)
	assert.Zero(t, summary.Threats, "cluster already has a threat")
	assert.Len(t, h.repo.threats, 1)
}
