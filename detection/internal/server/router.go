package server

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/telhawk-systems/ledgerwatch/common/logging"
	"github.com/telhawk-systems/ledgerwatch/common/middleware"
	"github.com/telhawk-systems/ledgerwatch/detection/internal/handlers"
)

// NewRouter constructs a ServeMux with detection API routes registered.
func NewRouter(h *handlers.Handler, logger *logging.Logger) http.Handler {
	mux := http.NewServeMux()

	// Health check
	mux.HandleFunc("GET /healthz", h.HealthCheck)

	// Detection API
	mux.HandleFunc("POST /api/v1/uploads/{uploadId}/detect", h.Detect)

	// Prometheus metrics
	mux.Handle("GET /metrics", promhttp.Handler())

	access := middleware.AccessLog(func(r *http.Request, status int, elapsed time.Duration) {
		logger.InfoContext(r.Context(), "request",
			logging.Method(r.Method), logging.Path(r.URL.Path), logging.Status(status), logging.Duration(elapsed))
	})
	return middleware.RequestID(access(mux))
}
