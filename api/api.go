// Package api exposes the renderq engine over HTTP.
//
// User and admin routes read the caller's identity from gateway headers
// (X-User-ID, X-User-Admin, X-User-Trust-Level). Worker routes require
// X-Worker-ID and X-API-Key. Job events stream over a websocket at
// /v1/stream.
package api

import (
	"log/slog"
	"net/http"

	"github.com/rs/cors"

	"github.com/xraph/renderq/engine"
	"github.com/xraph/renderq/stream"
	"github.com/xraph/renderq/throttle"
)

// MaxUploadSize bounds a result upload, image and form fields included.
const MaxUploadSize = 32 << 20

// API wires the HTTP handlers to an Engine.
type API struct {
	eng       *engine.Engine
	broker    *stream.Broker
	limiter   *throttle.Limiter
	workerKey string
	origins   []string
	logger    *slog.Logger
}

// Option configures an API.
type Option func(*API)

// WithWorkerKey sets the shared secret workers present in X-API-Key. With
// no key every worker request is refused.
func WithWorkerKey(key string) Option {
	return func(a *API) { a.workerKey = key }
}

// WithBroker enables the event stream. The broker must also be registered
// as an engine extension.
func WithBroker(b *stream.Broker) Option {
	return func(a *API) { a.broker = b }
}

// WithThrottle rate-limits submissions and claims.
func WithThrottle(l *throttle.Limiter) Option {
	return func(a *API) { a.limiter = l }
}

// WithAllowedOrigins sets the CORS origins. Default: none.
func WithAllowedOrigins(origins ...string) Option {
	return func(a *API) { a.origins = origins }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *API) { a.logger = l }
}

// New creates an API over eng.
func New(eng *engine.Engine, opts ...Option) *API {
	a := &API{eng: eng, logger: slog.Default()}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Handler returns the fully assembled http.Handler with all routes.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	a.RegisterRoutes(mux)

	c := cors.New(cors.Options{
		AllowedOrigins: a.origins,
		AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{
			"Content-Type", "X-Request-ID",
			headerUserID, headerUserAdmin, headerTrustLevel,
			headerWorkerID, headerAPIKey,
		},
	})
	return a.requestID(a.logging(c.Handler(mux)))
}

// RegisterRoutes registers every renderq route on mux.
func (a *API) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", a.healthz)

	// User routes.
	mux.Handle("POST /v1/jobs", a.user(a.submitJob))
	mux.Handle("GET /v1/jobs", a.user(a.listUserJobs))
	mux.Handle("GET /v1/jobs/{id}", a.user(a.getJob))
	mux.Handle("GET /v1/jobs/{id}/position", a.user(a.jobPosition))
	mux.Handle("GET /v1/jobs/{id}/image", a.user(a.jobImage))
	mux.Handle("POST /v1/jobs/{id}/cancel", a.user(a.cancelJob))
	mux.Handle("GET /v1/quota", a.user(a.quota))
	mux.Handle("GET /v1/stream", a.user(a.stream))

	// Worker routes.
	mux.Handle("POST /v1/workers/heartbeat", a.worker(a.heartbeat))
	mux.Handle("GET /v1/workers/{worker_id}/next-job", a.worker(a.nextJob))
	mux.Handle("PATCH /v1/jobs/{id}/status", a.worker(a.reportStatus))
	mux.Handle("POST /v1/jobs/{id}/result", a.worker(a.uploadResult))

	// Admin routes. The engine enforces the admin role.
	mux.Handle("GET /v1/admin/stats", a.user(a.stats))
	mux.Handle("GET /v1/admin/jobs", a.user(a.adminListJobs))
	mux.Handle("POST /v1/admin/jobs/{id}/retry", a.user(a.retryJob))
	mux.Handle("POST /v1/admin/jobs/{id}/cancel", a.user(a.adminCancelJob))
	mux.Handle("GET /v1/admin/workers", a.user(a.listWorkers))
	mux.Handle("DELETE /v1/admin/workers/{worker_id}", a.user(a.deleteWorker))
}

func (a *API) healthz(w http.ResponseWriter, r *http.Request) {
	if err := a.eng.Store().Ping(r.Context()); err != nil {
		a.logger.Warn("health check failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
