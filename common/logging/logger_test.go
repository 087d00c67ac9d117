package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/ledgerwatch/common/config"
	"github.com/telhawk-systems/ledgerwatch/common/middleware"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	return entry
}

func TestNew(t *testing.T) {
	for _, format := range []string{"json", "text", ""} {
		logger := New(slog.LevelInfo, format)
		require.NotNil(t, logger)
		require.NotNil(t, logger.Logger)
	}
}

func TestFromConfig(t *testing.T) {
	logger := FromConfig(config.LoggingConfig{Level: "debug", Format: "text"}, "detection")
	require.NotNil(t, logger)
	assert.True(t, logger.Enabled(context.Background(), slog.LevelDebug))
}

func TestWithContext_RequestID(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, slog.LevelInfo, "json")

	ctx := middleware.WithRequestID(context.Background(), "req-123")
	logger.InfoContext(ctx, "hello", TenantID("t1"))

	entry := decodeLine(t, &buf)
	assert.Equal(t, "hello", entry["msg"])
	assert.Equal(t, "req-123", entry[FieldRequestID])
	assert.Equal(t, "t1", entry[FieldTenantID])
}

func TestWithContext_NoRequestID(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, slog.LevelInfo, "json")

	logger.WarnContext(context.Background(), "no id")

	entry := decodeLine(t, &buf)
	_, present := entry[FieldRequestID]
	assert.False(t, present)
	assert.Equal(t, "WARN", entry["level"])
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, slog.LevelWarn, "json")

	logger.DebugContext(context.Background(), "dropped")
	logger.InfoContext(context.Background(), "dropped")
	assert.Zero(t, buf.Len())

	logger.ErrorContext(context.Background(), "kept")
	assert.NotZero(t, buf.Len())
}

func TestWithAndGroup(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, slog.LevelInfo, "json").With(Service("delivery")).WithGroup("job")

	logger.Info("processed", WebhookID("wh-1"), Attempt(2))

	entry := decodeLine(t, &buf)
	assert.Equal(t, "delivery", entry[FieldService])
	job, ok := entry["job"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "wh-1", job[FieldWebhookID])
	assert.Equal(t, float64(2), job[FieldAttempt])
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"DEBUG":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
		"":        slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestFieldHelpers(t *testing.T) {
	assert.Equal(t, slog.String(FieldError, "boom"), Error(errors.New("boom")))
	assert.Equal(t, slog.String(FieldError, ""), Error(nil))
	assert.Equal(t, slog.Int64(FieldDuration, 1500), Duration(1500*time.Millisecond))
	assert.Equal(t, slog.String(FieldSeverity, "critical"), Critical())
	assert.Equal(t, slog.String(FieldRuleID, "SIMILARITY_MATCH"), RuleID("SIMILARITY_MATCH"))
	assert.Equal(t, slog.String(FieldSubject, "webhooks.deliver"), Subject("webhooks.deliver"))
}
