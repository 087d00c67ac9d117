package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestID(t *testing.T) {
	tests := []struct {
		name     string
		existing string
	}{
		{name: "generates new request ID when not present"},
		{name: "propagates existing request ID", existing: "existing-req-123"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var captured string
			handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				captured = GetRequestID(r.Context())
			}))

			req := httptest.NewRequest(http.MethodGet, "/test", nil)
			if tt.existing != "" {
				req.Header.Set(HeaderRequestID, tt.existing)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			require.NotEmpty(t, captured)
			assert.Equal(t, captured, w.Header().Get(HeaderRequestID))
			if tt.existing != "" {
				assert.Equal(t, tt.existing, captured)
			} else {
				_, err := uuid.Parse(captured)
				assert.NoError(t, err)
			}
		})
	}
}

func TestWithRequestID(t *testing.T) {
	ctx := WithRequestID(context.Background(), "job-42")
	assert.Equal(t, "job-42", GetRequestID(ctx))

	generated := WithRequestID(context.Background(), "")
	assert.NotEmpty(t, GetRequestID(generated))

	assert.Empty(t, GetRequestID(context.Background()))
}

func TestAccessLog(t *testing.T) {
	var gotStatus int
	var gotPath string
	mw := AccessLog(func(r *http.Request, status int, elapsed time.Duration) {
		gotStatus = status
		gotPath = r.URL.Path
		assert.GreaterOrEqual(t, elapsed, time.Duration(0))
	})

	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/v1/x", nil))

	assert.Equal(t, http.StatusTeapot, gotStatus)
	assert.Equal(t, "/api/v1/x", gotPath)
}

func TestAccessLog_Hijack(t *testing.T) {
	var hijackErr error
	handler := AccessLog(func(*http.Request, int, time.Duration) {})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _, hijackErr = w.(http.Hijacker).Hijack()
	}))

	// httptest.ResponseRecorder cannot be hijacked; the error must surface
	// instead of a failed type assertion.
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.Error(t, hijackErr)
}
