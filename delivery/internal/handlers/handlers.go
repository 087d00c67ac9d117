// Package handlers serves the delivery service's operator API.
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/telhawk-systems/ledgerwatch/common/deliveryqueue"
	"github.com/telhawk-systems/ledgerwatch/common/httputil"
	"github.com/telhawk-systems/ledgerwatch/common/logging"
	"github.com/telhawk-systems/ledgerwatch/common/messaging"
	"github.com/telhawk-systems/ledgerwatch/common/models"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// DeadLetterStore reads and clears the dead-letter queue.
type DeadLetterStore interface {
	Stats(ctx context.Context) (deliveryqueue.Stats, error)
	List(ctx context.Context, limit int) ([]models.DeadLetter, error)
	Purge(ctx context.Context) error
}

// AuditStore reads the delivery audit trail.
type AuditStore interface {
	Ping(ctx context.Context) error
	Deliveries(ctx context.Context, webhookID string, limit int) ([]*models.WebhookDelivery, error)
}

type Handler struct {
	audit  AuditStore
	dlq    DeadLetterStore
	broker messaging.HealthReporter
	logger *logging.Logger
}

func NewHandler(audit AuditStore, dlq DeadLetterStore, broker messaging.HealthReporter, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{audit: audit, dlq: dlq, broker: broker, logger: logger}
}

// HealthCheck handles GET /healthz
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	broker := messaging.CheckHealth(r.Context(), h.broker)
	resp := map[string]interface{}{"status": "healthy", "broker": broker}
	status := http.StatusOK

	if !broker.Connected {
		resp["status"] = "unhealthy"
		status = http.StatusServiceUnavailable
	}
	if h.audit != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.audit.Ping(ctx); err != nil {
			resp["status"] = "unhealthy"
			resp["database"] = err.Error()
			status = http.StatusServiceUnavailable
		}
	}
	httputil.WriteJSON(w, status, resp)
}

// DeadLetterStats handles GET /api/v1/dlq/stats
func (h *Handler) DeadLetterStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.dlq.Stats(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to read dead-letter stats", logging.Error(err))
		httputil.WriteError(w, http.StatusServiceUnavailable, "dead-letter queue unavailable")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, stats)
}

// ListDeadLetters handles GET /api/v1/dlq?limit=N
func (h *Handler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := clampLimit(httputil.ParseIntParam(r.URL.Query().Get("limit"), defaultListLimit))
	letters, err := h.dlq.List(r.Context(), limit)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to list dead letters", logging.Error(err))
		httputil.WriteError(w, http.StatusServiceUnavailable, "dead-letter queue unavailable")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"deadLetters": letters, "count": len(letters)})
}

// PurgeDeadLetters handles DELETE /api/v1/dlq
func (h *Handler) PurgeDeadLetters(w http.ResponseWriter, r *http.Request) {
	if err := h.dlq.Purge(r.Context()); err != nil {
		h.logger.ErrorContext(r.Context(), "failed to purge dead letters", logging.Error(err))
		httputil.WriteError(w, http.StatusServiceUnavailable, "dead-letter queue unavailable")
		return
	}
	h.logger.WarnContext(r.Context(), "dead-letter queue purged")
	w.WriteHeader(http.StatusNoContent)
}

// ListDeliveries handles GET /api/v1/webhooks/{webhookId}/deliveries
func (h *Handler) ListDeliveries(w http.ResponseWriter, r *http.Request) {
	webhookID := r.PathValue("webhookId")
	if webhookID == "" {
		httputil.WriteError(w, http.StatusBadRequest, "webhook id required")
		return
	}
	limit := clampLimit(httputil.ParseIntParam(r.URL.Query().Get("limit"), defaultListLimit))
	deliveries, err := h.audit.Deliveries(r.Context(), webhookID, limit)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to list deliveries", logging.WebhookID(webhookID), logging.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "failed to list deliveries")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"deliveries": deliveries, "count": len(deliveries)})
}

func clampLimit(n int) int {
	if n <= 0 {
		return defaultListLimit
	}
	if n > maxListLimit {
		return maxListLimit
	}
	return n
}
