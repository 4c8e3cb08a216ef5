// Package http ships execution records to a remote collector over HTTP.
// An empty endpoint makes the client silent: sends become deliberate no-ops
// so callers can wire the sink unconditionally and configure it per
// environment.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"goa.design/retrace/runtime/task/record"
	"goa.design/retrace/runtime/task/telemetry"
	"goa.design/retrace/sink"
)

type (
	// Option configures the HTTP sink client.
	Option func(*Client)

	// Client implements sink.Sender over HTTP POST. It is safe for
	// concurrent use.
	Client struct {
		endpoint string
		http     *http.Client
		headers  http.Header
		limiter  *rate.Limiter
		logger   telemetry.Logger
	}
)

// WithHTTPClient overrides the underlying *http.Client used for requests.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		if c != nil {
			cl.http = c
		}
	}
}

// WithHeader adds a static header to all outgoing requests.
func WithHeader(name, value string) Option {
	return func(cl *Client) {
		cl.headers.Add(name, value)
	}
}

// WithBearerToken configures the client to send an Authorization Bearer
// token.
func WithBearerToken(token string) Option {
	return WithHeader("Authorization", "Bearer "+token)
}

// WithRateLimit caps outgoing sends to n records per second with the given
// burst, so a chatty task cannot flood the collector. Send blocks until the
// limiter admits the request or the context is done.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(cl *Client) {
		cl.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithLogger sets the diagnostic logger used for send failures.
func WithLogger(logger telemetry.Logger) Option {
	return func(cl *Client) {
		if logger != nil {
			cl.logger = logger
		}
	}
}

// New constructs a sink client posting records to the given endpoint. An
// empty endpoint yields a silent client.
func New(endpoint string, opts ...Option) *Client {
	cl := &Client{
		endpoint: endpoint,
		http:     &http.Client{Timeout: 30 * time.Second},
		headers:  make(http.Header),
		logger:   telemetry.NewNoopLogger(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(cl)
		}
	}
	return cl
}

// Ensure Client implements sink.Sender.
var _ sink.Sender = (*Client)(nil)

// Send posts the record as JSON. It returns StatusSilent without touching the
// network when the endpoint is unconfigured, StatusSuccess on a 2xx response,
// and StatusError with the underlying error otherwise.
func (c *Client) Send(ctx context.Context, rec *record.Record) (sink.Status, error) {
	if c.endpoint == "" {
		return sink.StatusSilent, nil
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return sink.StatusError, err
		}
	}

	body, err := json.Marshal(rec)
	if err != nil {
		return sink.StatusError, fmt.Errorf("marshal record: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return sink.StatusError, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, vs := range c.headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Error(ctx, "record sink send failed",
			"endpoint", c.endpoint, "record_id", rec.ID, "err", err)
		return sink.StatusError, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		err := fmt.Errorf("record sink http status %d", resp.StatusCode)
		c.logger.Error(ctx, "record sink rejected record",
			"endpoint", c.endpoint, "record_id", rec.ID, "status", resp.StatusCode)
		return sink.StatusError, err
	}
	return sink.StatusSuccess, nil
}
