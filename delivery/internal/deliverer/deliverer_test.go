package deliverer

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/ledgerwatch/common/config"
	"github.com/telhawk-systems/ledgerwatch/common/logging"
	"github.com/telhawk-systems/ledgerwatch/common/models"
	"github.com/telhawk-systems/ledgerwatch/delivery/internal/signer"
)

type captured struct {
	header http.Header
	body   []byte
}

type endpoint struct {
	*httptest.Server
	mu       sync.Mutex
	requests []captured
}

func newEndpoint(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) *endpoint {
	t.Helper()
	e := &endpoint{}
	e.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		e.mu.Lock()
		e.requests = append(e.requests, captured{header: r.Header.Clone(), body: body})
		e.mu.Unlock()
		handler(w, r)
	}))
	t.Cleanup(e.Close)
	return e
}

func (e *endpoint) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.requests)
}

type mockLimiter struct {
	AllowFunc func(ctx context.Context, key string) (bool, error)
}

func (m *mockLimiter) Allow(ctx context.Context, key string) (bool, error) {
	return m.AllowFunc(ctx, key)
}

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testConfig() config.DeliveryConfig {
	return config.DeliveryConfig{
		RequestTimeout: 2 * time.Second,
		UserAgent:      "LedgerWatch-Webhooks/1.0",
		AllowPatterns:  []string{`^https?://(localhost|127\.0\.0\.1)(:\d+)?/`},
	}
}

func newDeliverer(t *testing.T, production bool, limiter *mockLimiter, opts ...Option) *Deliverer {
	t.Helper()
	opts = append([]Option{WithClock(func() time.Time { return fixedNow }), WithLogger(logging.Discard())}, opts...)
	var d *Deliverer
	var err error
	if limiter != nil {
		d, err = New(testConfig(), "staging", production, limiter, opts...)
	} else {
		d, err = New(testConfig(), "staging", production, nil, opts...)
	}
	require.NoError(t, err)
	return d
}

func threatJob() models.DeliveryJob {
	data, _ := json.Marshal(models.ThreatCreatedData{
		ThreatID: "th-1", RuleID: models.RuleDupInBatchTxID, Severity: "high",
		Title: "Duplicate transaction id in upload", Description: "TX1 appears 2 times",
		RecordIDs: []string{"r1", "r2"}, FlaggedValue: 40.5, Currency: "USD",
	})
	return models.DeliveryJob{
		WebhookID: "wh-1", TenantID: "acme", Event: models.EventThreatCreated,
		Data: data, Attempt: 2, Environment: "staging",
	}
}

func TestDeliver_SignedGenericPost(t *testing.T) {
	ep := newEndpoint(t, func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusAccepted) })
	sub := &models.WebhookSubscription{ID: "wh-1", URL: ep.URL + "/hook", Secret: "s3cret"}

	res := newDeliverer(t, false, nil).Deliver(context.Background(), sub, threatJob())

	require.True(t, res.Success, res.Error)
	assert.True(t, res.Sent)
	assert.Equal(t, http.StatusAccepted, res.StatusCode)
	require.Equal(t, 1, ep.count())

	req := ep.requests[0]
	assert.Equal(t, "application/json", req.header.Get("Content-Type"))
	assert.Equal(t, "LedgerWatch-Webhooks/1.0", req.header.Get("User-Agent"))
	assert.Equal(t, "threat.created", req.header.Get(HeaderEvent))
	assert.Equal(t, "staging", req.header.Get(HeaderEnvironment))
	assert.Equal(t, "2", req.header.Get(HeaderAttempt))
	assert.True(t, signer.Verify("s3cret", req.body, req.header.Get(HeaderSignature)))
	assert.Equal(t, req.body, res.Body)

	var body models.WebhookBody
	require.NoError(t, json.Unmarshal(req.body, &body))
	assert.Equal(t, models.EventThreatCreated, body.Event)
	assert.Equal(t, "wh-1", body.WebhookID)
	assert.Equal(t, "staging", body.Environment)
	assert.True(t, fixedNow.Equal(body.Timestamp))
	assert.JSONEq(t, string(threatJob().Data), string(body.Data))
}

func TestDeliver_StatusClassification(t *testing.T) {
	tests := []struct {
		status    int
		success   bool
		retryable bool
		code      string
	}{
		{status: 200, success: true},
		{status: 204, success: true},
		{status: 400, code: "HTTP_400"},
		{status: 404, code: "HTTP_404"},
		{status: 408, retryable: true, code: "HTTP_408"},
		{status: 429, retryable: true, code: "HTTP_429"},
		{status: 500, retryable: true, code: "HTTP_500"},
		{status: 503, retryable: true, code: "HTTP_503"},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			ep := newEndpoint(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, "upstream says no")
			})
			sub := &models.WebhookSubscription{ID: "wh-1", URL: ep.URL + "/", Secret: "s"}

			res := newDeliverer(t, false, nil).Deliver(context.Background(), sub, threatJob())

			assert.Equal(t, tt.success, res.Success)
			assert.Equal(t, tt.retryable, res.Retryable)
			assert.Equal(t, tt.code, res.ErrorCode)
			assert.Equal(t, tt.status, res.StatusCode)
			if !tt.success {
				assert.Contains(t, res.Error, "upstream says no")
			}
		})
	}
}

func TestDeliver_TimeoutIsRetryable(t *testing.T) {
	release := make(chan struct{})
	ep := newEndpoint(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	cfg := testConfig()
	cfg.RequestTimeout = 50 * time.Millisecond
	d, err := New(cfg, "staging", false, nil, WithLogger(logging.Discard()))
	require.NoError(t, err)

	res := d.Deliver(context.Background(), &models.WebhookSubscription{ID: "wh-1", URL: ep.URL + "/"}, threatJob())
	assert.False(t, res.Success)
	assert.True(t, res.Retryable)
	assert.Equal(t, CodeTimeout, res.ErrorCode)
}

func TestDeliver_ConnectionRefusedIsRetryable(t *testing.T) {
	ep := httptest.NewServer(http.NotFoundHandler())
	url := ep.URL + "/"
	ep.Close()

	res := newDeliverer(t, false, nil).Deliver(context.Background(), &models.WebhookSubscription{ID: "wh-1", URL: url}, threatJob())
	assert.False(t, res.Success)
	assert.True(t, res.Retryable)
	assert.Equal(t, CodeConnectionError, res.ErrorCode)
}

func TestDeliver_CanceledContextIsRetryable(t *testing.T) {
	release := make(chan struct{})
	ep := newEndpoint(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	res := newDeliverer(t, false, nil).Deliver(ctx, &models.WebhookSubscription{ID: "wh-1", URL: ep.URL + "/"}, threatJob())
	assert.False(t, res.Success)
	assert.False(t, res.Sent)
	assert.True(t, res.Retryable)
	assert.Equal(t, CodeCanceled, res.ErrorCode)
}

func TestDeliver_NonProductionSkipsUnlistedHosts(t *testing.T) {
	sub := &models.WebhookSubscription{ID: "wh-1", URL: "https://partner.example.com/hooks"}

	res := newDeliverer(t, false, nil).Deliver(context.Background(), sub, threatJob())

	assert.True(t, res.Success)
	assert.False(t, res.Sent)
	assert.Equal(t, SkipEnvironment, res.SkipReason)
	assert.NotEmpty(t, res.Body)
}

func TestDeliver_ProductionCallsAnyHost(t *testing.T) {
	ep := newEndpoint(t, func(w http.ResponseWriter, r *http.Request) {})
	d := newDeliverer(t, true, nil)
	d.allow = nil

	res := d.Deliver(context.Background(), &models.WebhookSubscription{ID: "wh-1", URL: ep.URL + "/"}, threatJob())
	assert.True(t, res.Sent)
	assert.Equal(t, 1, ep.count())
}

func TestDeliver_RateLimited(t *testing.T) {
	var key string
	limiter := &mockLimiter{AllowFunc: func(ctx context.Context, k string) (bool, error) {
		key = k
		return false, nil
	}}
	ep := newEndpoint(t, func(w http.ResponseWriter, r *http.Request) {})
	sub := &models.WebhookSubscription{ID: "wh-1", URL: ep.URL + "/hook"}

	res := newDeliverer(t, false, limiter).Deliver(context.Background(), sub, threatJob())

	assert.Equal(t, sub.URL, key)
	assert.False(t, res.Success)
	assert.True(t, res.Retryable)
	assert.Equal(t, CodeRateLimited, res.ErrorCode)
	assert.Zero(t, ep.count())
}

func TestDeliver_RateLimiterFailureFailsOpen(t *testing.T) {
	limiter := &mockLimiter{AllowFunc: func(ctx context.Context, k string) (bool, error) {
		return false, errors.New("dial tcp: connection refused")
	}}
	ep := newEndpoint(t, func(w http.ResponseWriter, r *http.Request) {})

	res := newDeliverer(t, false, limiter).Deliver(context.Background(),
		&models.WebhookSubscription{ID: "wh-1", URL: ep.URL + "/"}, threatJob())

	assert.True(t, res.Success)
	assert.Equal(t, 1, ep.count())
}

func TestDeliver_DestinationFormats(t *testing.T) {
	ep := newEndpoint(t, func(w http.ResponseWriter, r *http.Request) {})
	client := &http.Client{Transport: rewriteTo(ep.URL)}
	d := newDeliverer(t, true, nil, WithHTTPClient(client))

	slack := &models.WebhookSubscription{ID: "wh-s", URL: "https://hooks.slack.com/services/T/B/X"}
	discord := &models.WebhookSubscription{ID: "wh-d", URL: "https://discord.com/api/webhooks/1/abc"}

	res := d.Deliver(context.Background(), slack, threatJob())
	require.True(t, res.Sent, res.Error)
	var slackBody map[string]interface{}
	require.NoError(t, json.Unmarshal(res.Body, &slackBody))
	assert.Equal(t, "🚨 Duplicate transaction id in upload", slackBody["text"])
	attachments := slackBody["attachments"].([]interface{})
	assert.Equal(t, "#FF0000", attachments[0].(map[string]interface{})["color"])

	res = d.Deliver(context.Background(), discord, threatJob())
	require.True(t, res.Sent, res.Error)
	var discordBody map[string]interface{}
	require.NoError(t, json.Unmarshal(res.Body, &discordBody))
	embed := discordBody["embeds"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "Duplicate transaction id in upload", embed["title"])
	assert.Equal(t, float64(0xFF0000), embed["color"])

	// Discord does not carry upload.complete; the job succeeds unsent.
	summary, _ := json.Marshal(models.Summary{UploadID: "u-1"})
	job := models.DeliveryJob{WebhookID: "wh-d", Event: models.EventUploadComplete, Data: summary}
	res = d.Deliver(context.Background(), discord, job)
	assert.True(t, res.Success)
	assert.False(t, res.Sent)
	assert.Equal(t, SkipUnsupportedEvent, res.SkipReason)

	// Neither carries upload.failed.
	job.Event = models.EventUploadFailed
	res = d.Deliver(context.Background(), slack, job)
	assert.Equal(t, SkipUnsupportedEvent, res.SkipReason)

	assert.Equal(t, 2, ep.count())
}

func TestNew_InvalidAllowPattern(t *testing.T) {
	cfg := testConfig()
	cfg.AllowPatterns = []string{"("}
	_, err := New(cfg, "dev", false, nil)
	assert.Error(t, err)
}

func TestDetectFormat(t *testing.T) {
	assert.Equal(t, FormatSlack, DetectFormat("https://hooks.slack.com/services/x"))
	assert.Equal(t, FormatDiscord, DetectFormat("https://discordapp.com/api/webhooks/1/x"))
	assert.Equal(t, FormatDiscord, DetectFormat("https://DISCORD.com/api/webhooks/1/x"))
	assert.Equal(t, FormatGeneric, DetectFormat("https://example.com/slack"))
}

func TestRenderSlackUploadComplete(t *testing.T) {
	summary, _ := json.Marshal(models.Summary{
		UploadID: "u-9", TotalRecords: 10, Flagged: 2, FlaggedValue: 80, Threats: 1,
		ByRule: map[models.RuleID]models.RuleBreakdown{
			models.RuleSimilarityMatch: {Clusters: 1, RecordsImpacted: 2, TotalImpactedValue: 80},
		},
	})
	data, ok, err := Render(FormatSlack, models.WebhookBody{Event: models.EventUploadComplete, Data: summary, Timestamp: fixedNow})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Contains(t, string(data), "Upload u-9 processed")
	assert.Contains(t, string(data), "SIMILARITY_MATCH")
	assert.NotContains(t, string(data), "DUP_IN_DB__TXID")
}

// rewriteTo sends every request to base, keeping the path.
type rewriteTo string

func (r rewriteTo) RoundTrip(req *http.Request) (*http.Response, error) {
	out := req.Clone(req.Context())
	target := strings.TrimSuffix(string(r), "/")
	u, err := out.URL.Parse(target + req.URL.Path)
	if err != nil {
		return nil, err
	}
	out.URL = u
	out.Host = u.Host
	return http.DefaultTransport.RoundTrip(out)
}
