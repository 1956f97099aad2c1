package api

import (
	"bufio"
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/xraph/renderq"
)

const (
	headerRequestID  = "X-Request-ID"
	headerUserID     = "X-User-ID"
	headerUserAdmin  = "X-User-Admin"
	headerTrustLevel = "X-User-Trust-Level"
	headerWorkerID   = "X-Worker-ID"
	headerAPIKey     = "X-API-Key" //nolint:gosec // header name, not a credential
)

type requestIDKey struct{}

type workerIDKey struct{}

// requestID tags every request with an id, reusing the caller's when sent.
func (a *API) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid := r.Header.Get(headerRequestID)
		if rid == "" {
			rid = uuid.NewString()
		}
		w.Header().Set(headerRequestID, rid)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, rid)))
	})
}

// statusRecorder captures the response status. It passes Hijack through
// so websocket upgrades keep working.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("api: response writer cannot hijack")
	}
	s.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (a *API) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		rid, _ := r.Context().Value(requestIDKey{}).(string)
		level := slog.LevelDebug
		if rec.status >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		a.logger.Log(r.Context(), level, "http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.status),
			slog.Duration("elapsed", time.Since(start)),
			slog.String("request_id", rid),
		)
	})
}

// actorFromHeaders builds the actor the gateway vouches for.
func actorFromHeaders(h http.Header) (renderq.Actor, error) {
	actor := renderq.Actor{UserID: strings.TrimSpace(h.Get(headerUserID))}
	if actor.UserID == "" {
		return actor, renderq.ErrNoIdentity
	}
	if v := h.Get(headerUserAdmin); v != "" {
		admin, err := strconv.ParseBool(v)
		if err != nil {
			return actor, fmt.Errorf("%w: bad %s header", renderq.ErrInvalidArgument, headerUserAdmin)
		}
		actor.IsAdmin = admin
	}
	if v := h.Get(headerTrustLevel); v != "" {
		level, err := strconv.Atoi(v)
		if err != nil || level < 0 {
			return actor, fmt.Errorf("%w: bad %s header", renderq.ErrInvalidArgument, headerTrustLevel)
		}
		actor.TrustLevel = level
	}
	return actor, nil
}

// user requires an actor and carries it on the request context.
func (a *API) user(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, err := actorFromHeaders(r.Header)
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		next(w, r.WithContext(renderq.WithActor(r.Context(), actor)))
	})
}

// worker checks the worker credentials in constant time.
func (a *API) worker(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		workerID := strings.TrimSpace(r.Header.Get(headerWorkerID))
		key := r.Header.Get(headerAPIKey)
		if workerID == "" || a.workerKey == "" ||
			subtle.ConstantTimeCompare([]byte(key), []byte(a.workerKey)) != 1 {
			a.writeError(w, r, renderq.ErrBadAPIKey)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), workerIDKey{}, workerID)))
	})
}

func actorFrom(r *http.Request) renderq.Actor {
	actor, _ := renderq.ActorFrom(r.Context())
	return actor
}

func workerFrom(r *http.Request) string {
	workerID, _ := r.Context().Value(workerIDKey{}).(string)
	return workerID
}
