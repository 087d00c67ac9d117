// Package server builds the realtime service's HTTP surface.
package server

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/telhawk-systems/ledgerwatch/common/httputil"
	"github.com/telhawk-systems/ledgerwatch/common/logging"
	"github.com/telhawk-systems/ledgerwatch/common/middleware"
)

// WebsocketPath is where clients connect.
const WebsocketPath = "/ws"

// Hub is the websocket side of the router.
type Hub interface {
	ServeWS(w http.ResponseWriter, r *http.Request)
	Connections() int
}

// BusStatus reports whether the pub/sub subscription is live.
type BusStatus interface {
	Subscribed() bool
}

// NewRouter constructs a ServeMux with the websocket endpoint, health and
// metrics, behind CORS for allowedOrigins.
func NewRouter(hub Hub, bus BusStatus, allowedOrigins []string, logger *logging.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET "+WebsocketPath, hub.ServeWS)

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		subscribed := bus.Subscribed()
		resp := map[string]interface{}{
			"status":      "healthy",
			"subscribed":  subscribed,
			"connections": hub.Connections(),
		}
		status := http.StatusOK
		if !subscribed {
			resp["status"] = "degraded"
			status = http.StatusServiceUnavailable
		}
		httputil.WriteJSON(w, status, resp)
	})

	mux.Handle("GET /metrics", promhttp.Handler())

	c := cors.New(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", middleware.HeaderRequestID},
		AllowCredentials: true,
	})

	access := middleware.AccessLog(func(r *http.Request, status int, elapsed time.Duration) {
		if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
			return
		}
		logger.InfoContext(r.Context(), "request",
			logging.Method(r.Method), logging.Path(r.URL.Path), logging.Status(status), logging.Duration(elapsed))
	})
	return middleware.RequestID(access(c.Handler(mux)))
}

// OriginChecker returns the websocket origin check matching the CORS
// policy. "*" allows every origin.
func OriginChecker(allowedOrigins []string) func(r *http.Request) bool {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		allowed[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := allowed[origin]
		return ok
	}
}
