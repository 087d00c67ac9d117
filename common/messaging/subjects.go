package messaging

// Subjects for the webhook delivery pipeline.
// Follow the pattern: {domain}.{action}
const (
	SubjectWebhooksDeliver = "webhooks.deliver" // primary delivery queue
	SubjectWebhooksRetry   = "webhooks.retry"   // delay queue, forwarded back to deliver when due
	SubjectWebhooksDLQ     = "webhooks.dlq"     // permanently failed jobs
)

// Stream names backing the subjects above.
const (
	StreamWebhooks      = "WEBHOOKS"
	StreamWebhooksRetry = "WEBHOOKS_RETRY"
	StreamWebhooksDLQ   = "WEBHOOKS_DLQ"
)

// Durable consumer names.
const (
	ConsumerDeliveryWorkers = "delivery-workers"
	ConsumerRetryForwarder  = "retry-forwarder"
)

// Header keys carried on queue messages.
const (
	HeaderDeliverAfter = "X-Deliver-After" // RFC3339Nano time a retry becomes due
	HeaderRequestID    = "X-Request-ID"
	HeaderEvent        = "X-Webhook-Event"
)
