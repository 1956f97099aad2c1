package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/xraph/renderq"
	"github.com/xraph/renderq/id"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error  string `json:"error"`
	Status int    `json:"status"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps an error category to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, renderq.ErrBadAPIKey), errors.Is(err, renderq.ErrNoIdentity):
		return http.StatusUnauthorized
	}
	switch renderq.Category(err) {
	case renderq.ErrNotFound:
		return http.StatusNotFound
	case renderq.ErrConflict:
		return http.StatusConflict
	case renderq.ErrForbidden:
		return http.StatusForbidden
	case renderq.ErrResourceExhausted:
		return http.StatusTooManyRequests
	case renderq.ErrServiceUnavailable:
		return http.StatusServiceUnavailable
	case renderq.ErrTimeout:
		return http.StatusGatewayTimeout
	case renderq.ErrInvalidArgument:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		a.logger.Error("request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		msg = http.StatusText(status)
	}
	writeJSON(w, status, ErrorResponse{Error: msg, Status: status})
}

func decodeJSON(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("%w: invalid request body: %w", renderq.ErrInvalidArgument, err)
	}
	return nil
}

func pathJobID(r *http.Request) (id.JobID, error) {
	jobID, err := id.ParseJobID(r.PathValue("id"))
	if err != nil {
		return jobID, fmt.Errorf("%w: invalid job ID: %w", renderq.ErrInvalidArgument, err)
	}
	return jobID, nil
}

// page reads limit and offset query parameters.
func page(r *http.Request) (limit, offset int, err error) {
	q := r.URL.Query()
	limit = defaultPageSize
	if v := q.Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit <= 0 {
			return 0, 0, fmt.Errorf("%w: bad limit %q", renderq.ErrInvalidArgument, v)
		}
		limit = min(limit, maxPageSize)
	}
	if v := q.Get("offset"); v != "" {
		if offset, err = strconv.Atoi(v); err != nil || offset < 0 {
			return 0, 0, fmt.Errorf("%w: bad offset %q", renderq.ErrInvalidArgument, v)
		}
	}
	return limit, offset, nil
}
