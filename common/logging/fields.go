package logging

import (
	"log/slog"
	"time"
)

// Common field names for consistent logging across services.
const (
	FieldService   = "service"
	FieldRequestID = "request_id"
	FieldMethod    = "method"
	FieldPath      = "path"
	FieldStatus    = "status"
	FieldDuration  = "duration_ms"
	FieldError     = "error"
	FieldTenantID  = "tenant_id"
	FieldUploadID  = "upload_id"
	FieldRecordID  = "record_id"
	FieldRuleID    = "rule_id"
	FieldWebhookID = "webhook_id"
	FieldEvent     = "event"
	FieldAttempt   = "attempt"
	FieldSubject   = "subject"
	FieldChannel   = "channel"
	FieldSeverity  = "severity"
)

// Service returns a slog attribute for the service name.
func Service(name string) slog.Attr {
	return slog.String(FieldService, name)
}

// Method returns a slog attribute for the HTTP method.
func Method(method string) slog.Attr {
	return slog.String(FieldMethod, method)
}

// Path returns a slog attribute for the HTTP path.
func Path(path string) slog.Attr {
	return slog.String(FieldPath, path)
}

// Status returns a slog attribute for the HTTP status code.
func Status(code int) slog.Attr {
	return slog.Int(FieldStatus, code)
}

// Duration returns a slog attribute for a duration in milliseconds.
func Duration(d time.Duration) slog.Attr {
	return slog.Int64(FieldDuration, d.Milliseconds())
}

// Error returns a slog attribute for an error. A nil error logs as empty.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(FieldError, "")
	}
	return slog.String(FieldError, err.Error())
}

func TenantID(id string) slog.Attr {
	return slog.String(FieldTenantID, id)
}

func UploadID(id string) slog.Attr {
	return slog.String(FieldUploadID, id)
}

func RecordID(id string) slog.Attr {
	return slog.String(FieldRecordID, id)
}

func RuleID(id string) slog.Attr {
	return slog.String(FieldRuleID, id)
}

func WebhookID(id string) slog.Attr {
	return slog.String(FieldWebhookID, id)
}

func Event(name string) slog.Attr {
	return slog.String(FieldEvent, name)
}

func Attempt(n int) slog.Attr {
	return slog.Int(FieldAttempt, n)
}

func Subject(s string) slog.Attr {
	return slog.String(FieldSubject, s)
}

func Channel(name string) slog.Attr {
	return slog.String(FieldChannel, name)
}

// Critical tags an entry that needs operator attention even though the
// process keeps running.
func Critical() slog.Attr {
	return slog.String(FieldSeverity, "critical")
}
