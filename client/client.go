// Package client is a Go client for a renderq server.
//
// Workers use it to heartbeat, claim jobs, report failures and upload
// results. Users and gateways use it to submit jobs and follow their
// progress over the event stream.
//
//	c, err := client.New("https://render.example.com",
//	    client.WithWorker("gpu-1", apiKey),
//	)
//	j, err := c.NextJob(ctx)
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/xraph/renderq"
)

// Header names shared with the server.
const (
	HeaderUserID     = "X-User-ID"
	HeaderUserAdmin  = "X-User-Admin"
	HeaderTrustLevel = "X-User-Trust-Level"
	HeaderWorkerID   = "X-Worker-ID"
	HeaderAPIKey     = "X-API-Key" //nolint:gosec // header name, not a credential
)

// Client talks to a renderq server over HTTP.
type Client struct {
	base   *url.URL
	http   *http.Client
	logger *slog.Logger

	workerID string
	apiKey   string

	actor    renderq.Actor
	hasActor bool
}

// New creates a client for the server at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("renderq/client: parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: base url must be http or https", renderq.ErrInvalidArgument)
	}
	c := &Client{
		base:   u,
		http:   &http.Client{Timeout: 60 * time.Second},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// WorkerID returns the worker identity the client presents.
func (c *Client) WorkerID() string { return c.workerID }

// APIError is a non-2xx server reply. It unwraps to the renderq error
// category matching the status, so callers can test it with errors.Is.
type APIError struct {
	Status  int    `json:"status"`
	Message string `json:"error"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("renderq/client: %d: %s", e.Status, e.Message)
}

// Unwrap returns the error category for the status code.
func (e *APIError) Unwrap() error {
	switch e.Status {
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge:
		return renderq.ErrInvalidArgument
	case http.StatusUnauthorized, http.StatusForbidden:
		return renderq.ErrForbidden
	case http.StatusNotFound:
		return renderq.ErrNotFound
	case http.StatusConflict:
		return renderq.ErrConflict
	case http.StatusTooManyRequests:
		return renderq.ErrResourceExhausted
	case http.StatusServiceUnavailable:
		return renderq.ErrServiceUnavailable
	case http.StatusGatewayTimeout:
		return renderq.ErrTimeout
	}
	return nil
}

// auth selects the credentials a call carries.
type auth int

const (
	asUser auth = iota
	asWorker
)

func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, body io.Reader, as auth) (*http.Request, error) {
	u := c.base.JoinPath(path)
	u.RawQuery = query.Encode()
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("renderq/client: build request: %w", err)
	}
	switch as {
	case asWorker:
		req.Header.Set(HeaderWorkerID, c.workerID)
		req.Header.Set(HeaderAPIKey, c.apiKey)
	case asUser:
		if c.hasActor {
			req.Header.Set(HeaderUserID, c.actor.UserID)
			req.Header.Set(HeaderUserAdmin, strconv.FormatBool(c.actor.IsAdmin))
			req.Header.Set(HeaderTrustLevel, strconv.Itoa(c.actor.TrustLevel))
		}
	}
	return req, nil
}

// do sends req and decodes a JSON reply into out. A 204 leaves out
// untouched and reports false.
func (c *Client) do(req *http.Request, out any) (bool, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("%w: %w", renderq.ErrServiceUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return false, decodeError(resp)
	}
	if resp.StatusCode == http.StatusNoContent || out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode != http.StatusNoContent, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return false, fmt.Errorf("renderq/client: decode response: %w", err)
	}
	return true, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, query url.Values, in, out any, as auth) (bool, error) {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return false, fmt.Errorf("renderq/client: marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := c.newRequest(ctx, method, path, query, body, as)
	if err != nil {
		return false, err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if json.Unmarshal(raw, apiErr) != nil || apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(raw))
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	apiErr.Status = resp.StatusCode
	return apiErr
}

// IsStatus reports whether err is an APIError with the given status.
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == status
}
