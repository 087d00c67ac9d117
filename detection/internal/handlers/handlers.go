package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/telhawk-systems/ledgerwatch/common/httputil"
	"github.com/telhawk-systems/ledgerwatch/common/logging"
	"github.com/telhawk-systems/ledgerwatch/common/models"
	"github.com/telhawk-systems/ledgerwatch/detection/internal/service"
)

// Processor runs detection for an upload.
type Processor interface {
	Process(ctx context.Context, req service.Request) (*models.Summary, error)
}

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	processor    Processor
	db           Pinger
	logger       *logging.Logger
	writeTimeout time.Duration
}

func NewHandler(processor Processor, db Pinger, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{processor: processor, db: db, logger: logger}
}

// WithWriteTimeout extends the response write deadline of each detect
// request to d from the start of processing, overriding the server-wide
// write timeout.
func (h *Handler) WithWriteTimeout(d time.Duration) *Handler {
	h.writeTimeout = d
	return h
}

type detectRequest struct {
	TenantID string           `json:"tenantId"`
	Records  []*models.Record `json:"records"`
}

// HealthCheck handles GET /healthz
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if h.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.db.Ping(ctx); err != nil {
			httputil.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "database": err.Error()})
			return
		}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// Detect handles POST /api/v1/uploads/{uploadId}/detect
func (h *Handler) Detect(w http.ResponseWriter, r *http.Request) {
	uploadID := r.PathValue("uploadId")
	if uploadID == "" {
		httputil.WriteError(w, http.StatusBadRequest, "upload id required")
		return
	}

	body, err := httputil.ReadBody(r, 0)
	if err != nil {
		if errors.Is(err, httputil.ErrBodyTooLarge) {
			httputil.WriteError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		httputil.WriteError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	if err := validateDetectRequest(body); err != nil {
		var schemaErr *SchemaError
		if errors.As(err, &schemaErr) {
			httputil.WriteErrorDetails(w, http.StatusBadRequest, "invalid request", schemaErr.Causes)
			return
		}
		h.logger.ErrorContext(r.Context(), "schema unavailable", logging.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "internal error")
		return
	}

	var req detectRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if h.writeTimeout > 0 {
		if err := http.NewResponseController(w).SetWriteDeadline(time.Now().Add(h.writeTimeout)); err != nil {
			h.logger.WarnContext(r.Context(), "cannot extend write deadline", logging.UploadID(uploadID), logging.Error(err))
		}
	}

	summary, err := h.processor.Process(r.Context(), service.Request{
		TenantID: req.TenantID,
		UploadID: uploadID,
		Records:  req.Records,
	})
	if err != nil {
		if errors.Is(err, service.ErrInvalidRequest) {
			httputil.WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.ErrorContext(r.Context(), "detection failed", logging.UploadID(uploadID), logging.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "detection failed")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, summary)
}
