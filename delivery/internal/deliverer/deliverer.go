// Package deliverer performs one signed webhook POST and classifies the
// outcome for the retry policy.
package deliverer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"syscall"
	"time"

	"github.com/telhawk-systems/ledgerwatch/common/config"
	"github.com/telhawk-systems/ledgerwatch/common/logging"
	"github.com/telhawk-systems/ledgerwatch/common/models"
	"github.com/telhawk-systems/ledgerwatch/delivery/internal/metrics"
	"github.com/telhawk-systems/ledgerwatch/delivery/internal/ratelimit"
	"github.com/telhawk-systems/ledgerwatch/delivery/internal/signer"
)

// Outbound headers.
const (
	HeaderSignature   = "X-Webhook-Signature"
	HeaderEvent       = "X-Webhook-Event"
	HeaderEnvironment = "X-Webhook-Environment"
	HeaderAttempt     = "X-Attempt"
)

// Error codes carried on failed results and dead letters.
const (
	CodeRateLimited     = "RATE_LIMITED"
	CodeTimeout         = "TIMEOUT"
	CodeConnectionError = "CONNECTION_ERROR"
	CodeRequestError    = "REQUEST_ERROR"
	CodeRenderError     = "RENDER_ERROR"
	CodeCanceled        = "CANCELED"
)

// Skip reasons for results that succeed without sending.
const (
	SkipUnsupportedEvent = "unsupported_event"
	SkipEnvironment      = "environment"
)

const (
	defaultTimeout   = 10 * time.Second
	defaultUserAgent = "LedgerWatch-Webhooks/1.0"
	maxErrorBody     = 512
)

// Result is the outcome of one delivery attempt.
type Result struct {
	Success      bool
	Sent         bool
	SkipReason   string
	StatusCode   int
	Error        string
	ErrorCode    string
	Retryable    bool
	ResponseTime time.Duration
	Body         []byte
}

// Deliverer posts webhook bodies to subscriber endpoints.
type Deliverer struct {
	client      *http.Client
	limiter     ratelimit.RateLimiter
	timeout     time.Duration
	userAgent   string
	production  bool
	allow       []*regexp.Regexp
	environment string
	now         func() time.Time
	logger      *logging.Logger
}

// Option configures a Deliverer.
type Option func(*Deliverer)

// WithHTTPClient replaces the outbound client.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Deliverer) { d.client = c }
}

// WithLogger sets the deliverer's logger.
func WithLogger(l *logging.Logger) Option {
	return func(d *Deliverer) { d.logger = l }
}

// WithClock replaces the clock used for body timestamps.
func WithClock(now func() time.Time) Option {
	return func(d *Deliverer) { d.now = now }
}

// New builds a Deliverer. Outside production only URLs matching one of
// cfg.AllowPatterns are actually called. limiter may be nil.
func New(cfg config.DeliveryConfig, environment string, production bool, limiter ratelimit.RateLimiter, opts ...Option) (*Deliverer, error) {
	allow := make([]*regexp.Regexp, 0, len(cfg.AllowPatterns))
	for _, p := range cfg.AllowPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid allow pattern %q: %w", p, err)
		}
		allow = append(allow, re)
	}
	if limiter == nil {
		limiter = ratelimit.NoOpRateLimiter{}
	}

	d := &Deliverer{
		limiter:     limiter,
		timeout:     cfg.RequestTimeout,
		userAgent:   cfg.UserAgent,
		production:  production,
		allow:       allow,
		environment: environment,
		now:         time.Now,
		logger:      logging.Default(),
	}
	if d.timeout <= 0 {
		d.timeout = defaultTimeout
	}
	if d.userAgent == "" {
		d.userAgent = defaultUserAgent
	}
	for _, o := range opts {
		o(d)
	}
	if d.client == nil {
		d.client = &http.Client{Timeout: d.timeout}
	}
	return d, nil
}

// Allowed reports whether url may be called in this environment.
func (d *Deliverer) Allowed(url string) bool {
	if d.production {
		return true
	}
	for _, re := range d.allow {
		if re.MatchString(url) {
			return true
		}
	}
	return false
}

// Deliver sends job to sub. It never returns an error; failures are
// described by the Result.
func (d *Deliverer) Deliver(ctx context.Context, sub *models.WebhookSubscription, job models.DeliveryJob) Result {
	log := d.logger.With(logging.WebhookID(sub.ID), logging.Event(string(job.Event)), logging.Attempt(job.Attempt))

	allowed, err := d.limiter.Allow(ctx, sub.URL)
	if err != nil {
		metrics.RateLimitErrors.Inc()
		log.WarnContext(ctx, "rate limit check failed, allowing delivery", logging.Error(err))
		allowed = true
	}
	if !allowed {
		metrics.RateLimitHits.Inc()
		return Result{Retryable: true, ErrorCode: CodeRateLimited, Error: "rate limit exceeded for destination"}
	}

	environment := job.Environment
	if environment == "" {
		environment = d.environment
	}
	envelope := models.WebhookBody{
		Event:       job.Event,
		Data:        job.Data,
		Timestamp:   d.now().UTC(),
		WebhookID:   sub.ID,
		Environment: environment,
	}
	body, ok, err := Render(DetectFormat(sub.URL), envelope)
	if err != nil {
		return Result{ErrorCode: CodeRenderError, Error: err.Error()}
	}
	if !ok {
		metrics.SkippedTotal.WithLabelValues(SkipUnsupportedEvent).Inc()
		log.DebugContext(ctx, "destination does not support event, skipping")
		return Result{Success: true, SkipReason: SkipUnsupportedEvent}
	}
	if !d.Allowed(sub.URL) {
		metrics.SkippedTotal.WithLabelValues(SkipEnvironment).Inc()
		log.InfoContext(ctx, "skipping delivery outside production", "environment", d.environment)
		return Result{Success: true, SkipReason: SkipEnvironment, Body: body}
	}

	return d.post(ctx, sub, job, environment, body)
}

func (d *Deliverer) post(ctx context.Context, sub *models.WebhookSubscription, job models.DeliveryJob, environment string, body []byte) Result {
	res := Result{Body: body}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		res.ErrorCode, res.Error = CodeRequestError, fmt.Sprintf("create webhook request: %v", err)
		return res
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", d.userAgent)
	req.Header.Set(HeaderSignature, signer.Sign(sub.Secret, body))
	req.Header.Set(HeaderEvent, string(job.Event))
	req.Header.Set(HeaderEnvironment, environment)
	req.Header.Set(HeaderAttempt, strconv.Itoa(job.Attempt))

	start := time.Now()
	resp, err := d.client.Do(req)
	res.ResponseTime = time.Since(start)
	metrics.AttemptDuration.WithLabelValues(string(job.Event)).Observe(res.ResponseTime.Seconds())
	if err != nil {
		res.ErrorCode, res.Retryable = classifyError(err)
		res.Error = fmt.Sprintf("send webhook: %v", err)
		return res
	}
	defer resp.Body.Close()

	res.Sent = true
	res.StatusCode = resp.StatusCode
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		res.Success = true
		return res
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	res.ErrorCode = "HTTP_" + strconv.Itoa(resp.StatusCode)
	res.Error = fmt.Sprintf("webhook returned status %d", resp.StatusCode)
	if len(snippet) > 0 {
		res.Error += ": " + string(bytes.TrimSpace(snippet))
	}
	res.Retryable = RetryableStatus(resp.StatusCode)
	return res
}

// RetryableStatus reports whether a non-2xx status is worth retrying.
// Client errors are permanent except 408 and 429.
func RetryableStatus(code int) bool {
	switch {
	case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout:
		return true
	case code >= 400 && code < 500:
		return false
	default:
		return true
	}
}

func classifyError(err error) (string, bool) {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &netErr) && netErr.Timeout():
		return CodeTimeout, true
	case errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF):
		return CodeConnectionError, true
	case errors.Is(err, context.Canceled):
		return CodeCanceled, true
	default:
		return CodeRequestError, false
	}
}
