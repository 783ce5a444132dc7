package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/Aximande/phospho/pkg/models"
	"github.com/Aximande/phospho/pkg/ratelimit"
	"github.com/Aximande/phospho/pkg/tracing"
)

// Dispatcher delivers event notifications to user-configured endpoints
type Dispatcher interface {
	Trigger(ctx context.Context, url string, headers map[string]string, event *models.Event) error
}

// Recorder observes delivery attempts
type Recorder interface {
	RecordWebhook(err error)
}

// HTTPDispatcher POSTs the event as JSON. Deliveries are rate limited per
// destination host.
type HTTPDispatcher struct {
	httpClient *http.Client
	limiter    *ratelimit.Limiter
	recorder   Recorder
	userAgent  string
}

// Option configures an HTTPDispatcher
type Option func(*HTTPDispatcher)

// WithHTTPClient replaces the default client
func WithHTTPClient(c *http.Client) Option {
	return func(d *HTTPDispatcher) { d.httpClient = c }
}

// WithRateLimit limits deliveries to rps per host
func WithRateLimit(rps float64, burst int) Option {
	return func(d *HTTPDispatcher) { d.limiter = ratelimit.NewLimiter(rps, burst) }
}

// WithRecorder sets the delivery metrics recorder
func WithRecorder(r Recorder) Option {
	return func(d *HTTPDispatcher) { d.recorder = r }
}

// NewHTTPDispatcher creates a dispatcher with a 10s timeout and no rate limit
func NewHTTPDispatcher(opts ...Option) *HTTPDispatcher {
	d := &HTTPDispatcher{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		limiter:    ratelimit.NewLimiter(0, 0),
		userAgent:  "phospho-extractor",
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Trigger sends event to target. Any non-2xx answer is an error.
func (d *HTTPDispatcher) Trigger(ctx context.Context, target string, headers map[string]string, event *models.Event) (err error) {
	ctx, span := tracing.Start(ctx, "webhook.trigger",
		attribute.String("event.name", event.EventName),
		attribute.String("project.id", event.ProjectID),
	)
	defer func() {
		tracing.SetError(span, err)
		span.End()
		if d.recorder != nil {
			d.recorder.RecordWebhook(err)
		}
	}()

	u, err := url.Parse(target)
	if err != nil || u.Host == "" {
		return fmt.Errorf("invalid webhook url %q", target)
	}
	if err := d.limiter.Wait(ctx, u.Host); err != nil {
		return fmt.Errorf("webhook rate limit: %w", err)
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", d.userAgent)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	tracing.InjectHTTPHeaders(ctx, req)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("webhook failed with status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// Nop discards every trigger
type Nop struct{}

func (Nop) Trigger(context.Context, string, map[string]string, *models.Event) error { return nil }
