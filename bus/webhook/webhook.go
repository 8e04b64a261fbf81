// Package webhook provides a publish-only sink that POSTs event
// notifications to an HTTP endpoint.
package webhook

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/AshkanYarmoradi/go-stoat/bus"
)

// HeaderKey carries the event key on every request.
const HeaderKey = "X-Stoat-Key"

var _ bus.Publisher = (*Publisher)(nil)

// Publisher POSTs every message body to one URL.
type Publisher struct {
	url            string
	client         *http.Client
	defaultHeaders map[string]string
}

// Option configures a webhook Publisher.
type Option func(*Publisher)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(p *Publisher) {
		p.client = client
	}
}

// WithTimeout sets the HTTP request timeout.
func WithTimeout(d time.Duration) Option {
	return func(p *Publisher) {
		p.client.Timeout = d
	}
}

// WithDefaultHeaders sets headers added to all requests.
func WithDefaultHeaders(headers map[string]string) Option {
	return func(p *Publisher) {
		for k, v := range headers {
			p.defaultHeaders[k] = v
		}
	}
}

// New creates a new webhook Publisher posting to url.
func New(url string, opts ...Option) *Publisher {
	p := &Publisher{
		url: url,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		defaultHeaders: map[string]string{
			"Content-Type": "application/json",
		},
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Publish POSTs the message payload. Any non-2xx status is an error.
func (p *Publisher) Publish(ctx context.Context, msg bus.Message) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(msg.Payload))
	if err != nil {
		return bus.NewPublishError("webhook", msg.Key, err)
	}

	for k, v := range p.defaultHeaders {
		req.Header.Set(k, v)
	}
	req.Header.Set(HeaderKey, msg.Key)

	resp, err := p.client.Do(req)
	if err != nil {
		return bus.NewPublishError("webhook", msg.Key, err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return bus.NewPublishError("webhook", msg.Key, fmt.Errorf("status %d from %s", resp.StatusCode, p.url))
	}
	return nil
}
