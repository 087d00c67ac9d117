package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/ledgerwatch/common/deliveryqueue"
	"github.com/telhawk-systems/ledgerwatch/common/logging"
	"github.com/telhawk-systems/ledgerwatch/common/models"
)

type mockAudit struct {
	pingErr        error
	DeliveriesFunc func(ctx context.Context, webhookID string, limit int) ([]*models.WebhookDelivery, error)
}

func (m *mockAudit) Ping(ctx context.Context) error { return m.pingErr }

func (m *mockAudit) Deliveries(ctx context.Context, webhookID string, limit int) ([]*models.WebhookDelivery, error) {
	return m.DeliveriesFunc(ctx, webhookID, limit)
}

type mockDLQ struct {
	err      error
	letters  []models.DeadLetter
	gotLimit int
	purged   bool
}

func (m *mockDLQ) Stats(ctx context.Context) (deliveryqueue.Stats, error) {
	return deliveryqueue.Stats{Messages: uint64(len(m.letters)), LastSeq: 9}, m.err
}

func (m *mockDLQ) List(ctx context.Context, limit int) ([]models.DeadLetter, error) {
	m.gotLimit = limit
	return m.letters, m.err
}

func (m *mockDLQ) Purge(ctx context.Context) error {
	if m.err != nil {
		return m.err
	}
	m.purged = true
	return nil
}

type mockBroker struct{ connected bool }

func (m mockBroker) State() string {
	if m.connected {
		return "connected"
	}
	return "reconnecting"
}
func (m mockBroker) IsConnected() bool { return m.connected }

func newMux(h *Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.HealthCheck)
	mux.HandleFunc("GET /api/v1/dlq/stats", h.DeadLetterStats)
	mux.HandleFunc("GET /api/v1/dlq", h.ListDeadLetters)
	mux.HandleFunc("DELETE /api/v1/dlq", h.PurgeDeadLetters)
	mux.HandleFunc("GET /api/v1/webhooks/{webhookId}/deliveries", h.ListDeliveries)
	return mux
}

func serve(h *Handler, method, target string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	newMux(h).ServeHTTP(w, httptest.NewRequest(method, target, nil))
	return w
}

func TestHealthCheck(t *testing.T) {
	tests := []struct {
		name       string
		connected  bool
		pingErr    error
		wantStatus int
	}{
		{name: "healthy", connected: true, wantStatus: http.StatusOK},
		{name: "broker down", connected: false, wantStatus: http.StatusServiceUnavailable},
		{name: "database down", connected: true, pingErr: errors.New("dial tcp: refused"), wantStatus: http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandler(&mockAudit{pingErr: tt.pingErr}, &mockDLQ{}, mockBroker{connected: tt.connected}, logging.Discard())
			w := serve(h, http.MethodGet, "/healthz")
			assert.Equal(t, tt.wantStatus, w.Code)

			var body map[string]interface{}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Contains(t, body, "broker")
		})
	}
}

func TestDeadLetterEndpoints(t *testing.T) {
	dlq := &mockDLQ{letters: []models.DeadLetter{{
		DeliveryJob:  models.DeliveryJob{WebhookID: "wh-1", Event: models.EventThreatCreated},
		ErrorCode:    "HTTP_400",
		FinalAttempt: 0,
	}}}
	h := NewHandler(&mockAudit{}, dlq, mockBroker{connected: true}, logging.Discard())

	w := serve(h, http.MethodGet, "/api/v1/dlq/stats")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"totalMessages":1,"totalBytes":0,"firstSeq":0,"lastSeq":9,"consumerCount":0}`, w.Body.String())

	w = serve(h, http.MethodGet, "/api/v1/dlq?limit=10000")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, maxListLimit, dlq.gotLimit)
	var list struct {
		Count       int                 `json:"count"`
		DeadLetters []models.DeadLetter `json:"deadLetters"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Count)
	assert.Equal(t, "HTTP_400", list.DeadLetters[0].ErrorCode)

	w = serve(h, http.MethodDelete, "/api/v1/dlq")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.True(t, dlq.purged)
}

func TestDeadLetterEndpoints_BrokerUnavailable(t *testing.T) {
	h := NewHandler(&mockAudit{}, &mockDLQ{err: errors.New("nats: no servers")}, mockBroker{}, logging.Discard())

	for _, req := range []struct{ method, target string }{
		{http.MethodGet, "/api/v1/dlq/stats"},
		{http.MethodGet, "/api/v1/dlq"},
		{http.MethodDelete, "/api/v1/dlq"},
	} {
		w := serve(h, req.method, req.target)
		assert.Equal(t, http.StatusServiceUnavailable, w.Code, req.target)
	}
}

func TestListDeliveries(t *testing.T) {
	status := 503
	var gotID string
	var gotLimit int
	audit := &mockAudit{DeliveriesFunc: func(ctx context.Context, webhookID string, limit int) ([]*models.WebhookDelivery, error) {
		gotID, gotLimit = webhookID, limit
		return []*models.WebhookDelivery{{ID: "d-1", WebhookID: webhookID, StatusCode: &status, Attempt: 2}}, nil
	}}
	h := NewHandler(audit, &mockDLQ{}, mockBroker{connected: true}, logging.Discard())

	w := serve(h, http.MethodGet, "/api/v1/webhooks/wh-9/deliveries")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "wh-9", gotID)
	assert.Equal(t, defaultListLimit, gotLimit)
	assert.Contains(t, w.Body.String(), `"statusCode":503`)

	audit.DeliveriesFunc = func(ctx context.Context, webhookID string, limit int) ([]*models.WebhookDelivery, error) {
		return nil, errors.New("db down")
	}
	w = serve(h, http.MethodGet, "/api/v1/webhooks/wh-9/deliveries")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}
