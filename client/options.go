package client

import (
	"log/slog"
	"net/http"

	"github.com/xraph/renderq"
)

// Option configures a Client.
type Option func(*Client)

// WithWorker sets the worker identity and shared key sent on worker calls.
func WithWorker(workerID, apiKey string) Option {
	return func(c *Client) {
		c.workerID = workerID
		c.apiKey = apiKey
	}
}

// WithActor sets the identity headers sent on user and admin calls. The
// server trusts them as-is, so only gateways should set them.
func WithActor(a renderq.Actor) Option {
	return func(c *Client) {
		c.actor = a
		c.hasActor = true
	}
}

// WithHTTPClient replaces the default HTTP client (60s timeout).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}
