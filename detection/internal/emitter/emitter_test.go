package emitter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/ledgerwatch/common/logging"
	"github.com/telhawk-systems/ledgerwatch/common/models"
	"github.com/telhawk-systems/ledgerwatch/detection/internal/detector"
	"github.com/telhawk-systems/ledgerwatch/detection/internal/fingerprint"
	"github.com/telhawk-systems/ledgerwatch/detection/internal/repository"
)

// calls records the order of side effects across the fakes.
type calls struct {
	mu  sync.Mutex
	log []string
}

func (c *calls) add(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.log = append(c.log, s)
}

type mockStore struct {
	calls                   *calls
	createThreatFunc        func(ctx context.Context, threat *models.Threat, alert *models.Alert, recordIDs []string) error
	activeSubscriptionsFunc func(ctx context.Context, tenantID string) ([]*models.WebhookSubscription, error)
	subscriptionLoads       int
}

func (m *mockStore) CreateThreat(ctx context.Context, threat *models.Threat, alert *models.Alert, recordIDs []string) error {
	m.calls.add("create")
	if m.createThreatFunc != nil {
		return m.createThreatFunc(ctx, threat, alert, recordIDs)
	}
	return nil
}

func (m *mockStore) ActiveSubscriptions(ctx context.Context, tenantID string) ([]*models.WebhookSubscription, error) {
	m.subscriptionLoads++
	if m.activeSubscriptionsFunc != nil {
		return m.activeSubscriptionsFunc(ctx, tenantID)
	}
	return nil, nil
}

type mockNotifier struct {
	calls     *calls
	fail      bool
	alerts    []*models.Alert
	summaries []*models.Summary
}

func (m *mockNotifier) PublishAlert(ctx context.Context, alert *models.Alert) bool {
	m.calls.add("alert")
	m.alerts = append(m.alerts, alert)
	return !m.fail
}

func (m *mockNotifier) PublishUploadComplete(ctx context.Context, summary *models.Summary) bool {
	m.calls.add("upload_complete")
	m.summaries = append(m.summaries, summary)
	return !m.fail
}

type mockQueue struct {
	calls *calls
	err   error
	jobs  []models.DeliveryJob
}

func (m *mockQueue) Enqueue(ctx context.Context, job models.DeliveryJob) error {
	m.calls.add("enqueue:" + string(job.Event))
	if m.err != nil {
		return m.err
	}
	m.jobs = append(m.jobs, job)
	return nil
}

func subscription(id string, active bool, events ...models.WebhookEvent) *models.WebhookSubscription {
	set, err := models.NewEventSet(events...)
	if err != nil {
		panic(err)
	}
	return &models.WebhookSubscription{ID: id, TenantID: "t1", URL: "https://hooks.example.com/" + id, Secret: "s", Events: set, Active: active}
}

type fixture struct {
	calls    *calls
	store    *mockStore
	notifier *mockNotifier
	queue    *mockQueue
	emitter  *Emitter
}

func newFixture(subs ...*models.WebhookSubscription) *fixture {
	c := &calls{}
	f := &fixture{
		calls:    c,
		store:    &mockStore{calls: c},
		notifier: &mockNotifier{calls: c},
		queue:    &mockQueue{calls: c},
	}
	f.store.activeSubscriptionsFunc = func(ctx context.Context, tenantID string) ([]*models.WebhookSubscription, error) {
		return subs, nil
	}
	f.emitter = New(f.store, f.notifier, f.queue, "staging", logging.Discard())
	f.emitter.now = func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }
	return f
}

func record(id string, amount float64) *models.Record {
	r := &models.Record{
		ID: id, TenantID: "t1", UploadID: "u1", TxID: "TX-" + id, Partner: "Acme",
		Amount: amount, Currency: "USD", Timestamp: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	fingerprint.Derive(r, time.Hour)
	return r
}

// detect runs the real detector over a batch with two canonical duplicates.
func detect(t *testing.T) *detector.Report {
	t.Helper()
	a, b := record("A", 100), record("B", 100)
	d := detector.New(nil, nil, detector.DefaultThresholds(), logging.Discard())
	report, err := d.Detect(context.Background(), "t1", "u1", []*models.Record{a, b, record("C", 7)})
	require.NoError(t, err)
	require.Len(t, report.Emissions, 1)
	return report
}

func TestEmit_PersistsThenNotifies(t *testing.T) {
	f := newFixture(
		subscription("wh-all", true, models.EventThreatCreated, models.EventUploadComplete),
		subscription("wh-complete-only", true, models.EventUploadComplete),
		subscription("wh-inactive", false, models.EventThreatCreated),
	)
	var persisted *models.Threat
	var persistedAlert *models.Alert
	var persistedIDs []string
	f.store.createThreatFunc = func(ctx context.Context, threat *models.Threat, alert *models.Alert, ids []string) error {
		persisted, persistedAlert, persistedIDs = threat, alert, ids
		return nil
	}

	report := detect(t)
	run := f.emitter.Begin("t1", "u1")
	threat, err := run.Emit(context.Background(), report.Emissions[0])
	require.NoError(t, err)
	require.NotNil(t, threat)

	assert.Equal(t, []string{"create", "alert", "enqueue:threat.created"}, f.calls.log)
	assert.Equal(t, threat, persisted)
	assert.Equal(t, []string{"B"}, persistedIDs)
	assert.Equal(t, "A", threat.AnchorRecordID)
	assert.Equal(t, models.RuleDupInBatchCanonical, threat.RuleID)
	assert.Equal(t, models.ThreatStatusOpen, threat.Status)
	assert.Equal(t, 0.85, threat.Confidence)
	assert.NotEmpty(t, threat.Description)
	assert.JSONEq(t, `"A"`, string(mustField(t, threat.Context, "anchorRecordId")))

	assert.Equal(t, threat.ID, persistedAlert.ThreatID)
	assert.Equal(t, models.SeverityMedium, persistedAlert.Severity)
	assert.Equal(t, "Duplicate transactions in upload", persistedAlert.Title)

	require.Len(t, f.queue.jobs, 1)
	job := f.queue.jobs[0]
	assert.Equal(t, "wh-all", job.WebhookID)
	assert.Equal(t, "t1", job.TenantID)
	assert.Equal(t, 0, job.Attempt)
	assert.Equal(t, "staging", job.Environment)

	var data models.ThreatCreatedData
	require.NoError(t, json.Unmarshal(job.Data, &data))
	assert.Equal(t, threat.ID, data.ThreatID)
	assert.Equal(t, []string{"B"}, data.RecordIDs)
	assert.Equal(t, 100.0, data.FlaggedValue)
	assert.Equal(t, map[string]string{report.Emissions[0].Key(): threat.ID}, run.ThreatIDs())
	assert.Equal(t, Stats{Created: 1}, run.Stats())
}

func mustField(t *testing.T, raw json.RawMessage, field string) json.RawMessage {
	t.Helper()
	var m map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &m))
	return m[field]
}

func TestEmit_ExistingThreatSkipsNotifications(t *testing.T) {
	f := newFixture(subscription("wh-1", true, models.EventThreatCreated))
	f.store.createThreatFunc = func(ctx context.Context, threat *models.Threat, alert *models.Alert, ids []string) error {
		return fmt.Errorf("insert threat: %w", repository.ErrThreatExists)
	}

	run := f.emitter.Begin("t1", "u1")
	threat, err := run.Emit(context.Background(), detect(t).Emissions[0])
	require.NoError(t, err)
	assert.Nil(t, threat)
	assert.Equal(t, []string{"create"}, f.calls.log)
	assert.Equal(t, Stats{Duplicates: 1}, run.Stats())
}

func TestEmit_PersistFailureReturnsError(t *testing.T) {
	f := newFixture(subscription("wh-1", true, models.EventThreatCreated))
	f.store.createThreatFunc = func(ctx context.Context, threat *models.Threat, alert *models.Alert, ids []string) error {
		return errors.New("connection refused")
	}

	run := f.emitter.Begin("t1", "u1")
	_, err := run.Emit(context.Background(), detect(t).Emissions[0])
	require.Error(t, err)
	assert.Empty(t, f.notifier.alerts)
	assert.Empty(t, f.queue.jobs)
	assert.Equal(t, 1, run.Stats().PersistErrors)
}

func TestEmit_NotificationFailuresKeepThreat(t *testing.T) {
	f := newFixture(subscription("wh-1", true, models.EventThreatCreated), subscription("wh-2", true, models.EventThreatCreated))
	f.notifier.fail = true
	f.queue.err = errors.New("nats: no responders")

	run := f.emitter.Begin("t1", "u1")
	threat, err := run.Emit(context.Background(), detect(t).Emissions[0])
	require.NoError(t, err)
	require.NotNil(t, threat)
	assert.Equal(t, Stats{Created: 1, NotifyFailures: 1, EnqueueErrors: 2}, run.Stats())
}

func TestEmit_RejectsEmptyEmission(t *testing.T) {
	f := newFixture()
	run := f.emitter.Begin("t1", "u1")
	_, err := run.Emit(context.Background(), detector.Emission{RuleID: models.RuleDupInBatchTxID, ClusterKey: "TX1"})
	require.Error(t, err)
	assert.Empty(t, f.calls.log)
}

func TestRun_SubscriptionsLoadedOnce(t *testing.T) {
	f := newFixture(subscription("wh-1", true, models.EventThreatCreated, models.EventUploadComplete))
	report := detect(t)

	run := f.emitter.Begin("t1", "u1")
	for i := 0; i < 3; i++ {
		em := report.Emissions[0]
		em.ClusterKey = fmt.Sprintf("%s-%d", em.ClusterKey, i)
		_, err := run.Emit(context.Background(), em)
		require.NoError(t, err)
	}
	run.Complete(context.Background(), 3, report)

	assert.Equal(t, 1, f.store.subscriptionLoads)
	assert.Len(t, f.queue.jobs, 4)
}

func TestRun_SubscriptionLoadFailureRetriedNextDispatch(t *testing.T) {
	f := newFixture()
	loads := 0
	f.store.activeSubscriptionsFunc = func(ctx context.Context, tenantID string) ([]*models.WebhookSubscription, error) {
		loads++
		if loads == 1 {
			return nil, errors.New("timeout")
		}
		return []*models.WebhookSubscription{subscription("wh-1", true, models.EventThreatCreated, models.EventUploadComplete)}, nil
	}

	run := f.emitter.Begin("t1", "u1")
	report := detect(t)
	_, err := run.Emit(context.Background(), report.Emissions[0])
	require.NoError(t, err)
	assert.Empty(t, f.queue.jobs)

	run.Complete(context.Background(), 3, report)
	require.Len(t, f.queue.jobs, 1)
	assert.Equal(t, models.EventUploadComplete, f.queue.jobs[0].Event)
}

func TestRun_Complete(t *testing.T) {
	f := newFixture(
		subscription("wh-1", true, models.EventUploadComplete),
		subscription("wh-2", true, models.EventThreatCreated),
	)
	report := detect(t)
	run := f.emitter.Begin("t1", "u1")
	threat, err := run.Emit(context.Background(), report.Emissions[0])
	require.NoError(t, err)

	summary := run.Complete(context.Background(), 3, report)
	assert.Equal(t, 3, summary.TotalRecords)
	assert.Equal(t, 1, summary.Flagged)
	assert.Equal(t, 100.0, summary.FlaggedValue)
	assert.Equal(t, 1, summary.Threats)

	canonical := summary.ByRule[models.RuleDupInBatchCanonical]
	assert.Equal(t, 1, canonical.Clusters)
	require.Len(t, canonical.TopClusters, 1)
	assert.Equal(t, threat.ID, canonical.TopClusters[0].ThreatID)

	require.Len(t, f.notifier.summaries, 1)
	assert.Same(t, summary, f.notifier.summaries[0])

	var completeJobs []models.DeliveryJob
	for _, j := range f.queue.jobs {
		if j.Event == models.EventUploadComplete {
			completeJobs = append(completeJobs, j)
		}
	}
	require.Len(t, completeJobs, 1)
	assert.Equal(t, "wh-1", completeJobs[0].WebhookID)

	var decoded models.Summary
	require.NoError(t, json.Unmarshal(completeJobs[0].Data, &decoded))
	assert.Equal(t, "u1", decoded.UploadID)
	assert.Equal(t, 1, decoded.Flagged)
}

func TestRun_Fail(t *testing.T) {
	f := newFixture(
		subscription("wh-1", true, models.EventUploadFailed),
		subscription("wh-2", true, models.EventThreatCreated),
	)
	run := f.emitter.Begin("t1", "u1")
	run.Fail(context.Background(), errors.New("embedding service unavailable"))

	require.Len(t, f.queue.jobs, 1)
	assert.Equal(t, models.EventUploadFailed, f.queue.jobs[0].Event)

	var data models.UploadFailedData
	require.NoError(t, json.Unmarshal(f.queue.jobs[0].Data, &data))
	assert.Equal(t, "u1", data.UploadID)
	assert.Equal(t, "embedding service unavailable", data.Error)
}

func TestEmitter_NilSideChannels(t *testing.T) {
	c := &calls{}
	e := New(&mockStore{calls: c}, nil, nil, "production", logging.Discard())
	run := e.Begin("t1", "u1")
	threat, err := run.Emit(context.Background(), detect(t).Emissions[0])
	require.NoError(t, err)
	assert.NotNil(t, threat)
	assert.NotNil(t, run.Complete(context.Background(), 3, nil))
}
