package server

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/telhawk-systems/ledgerwatch/common/logging"
	"github.com/telhawk-systems/ledgerwatch/common/middleware"
	"github.com/telhawk-systems/ledgerwatch/delivery/internal/handlers"
)

// NewRouter constructs a ServeMux with the delivery operator routes registered.
func NewRouter(h *handlers.Handler, logger *logging.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", h.HealthCheck)

	// Dead-letter queue
	mux.HandleFunc("GET /api/v1/dlq/stats", h.DeadLetterStats)
	mux.HandleFunc("GET /api/v1/dlq", h.ListDeadLetters)
	mux.HandleFunc("DELETE /api/v1/dlq", h.PurgeDeadLetters)

	// Audit trail
	mux.HandleFunc("GET /api/v1/webhooks/{webhookId}/deliveries", h.ListDeliveries)

	mux.Handle("GET /metrics", promhttp.Handler())

	access := middleware.AccessLog(func(r *http.Request, status int, elapsed time.Duration) {
		if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
			return
		}
		logger.InfoContext(r.Context(), "request",
			logging.Method(r.Method), logging.Path(r.URL.Path), logging.Status(status), logging.Duration(elapsed))
	})
	return middleware.RequestID(access(mux))
}
