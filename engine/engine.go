// Package engine wires the renderq subsystems together. It builds the
// liveness tracker, quota ledger, admission controller, reaper and extension
// registry over one store and exposes the coordinator operations.
//
// This package exists to break the import cycle: the root renderq package
// defines the error and config types imported by job, cluster and quota, and
// so cannot import those packages back. The engine sits above all subsystem
// packages and below the API layer.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/xraph/renderq"
	"github.com/xraph/renderq/admission"
	"github.com/xraph/renderq/cluster"
	"github.com/xraph/renderq/ext"
	"github.com/xraph/renderq/observability"
	"github.com/xraph/renderq/quota"
	"github.com/xraph/renderq/reaper"
	"github.com/xraph/renderq/storage"
	"github.com/xraph/renderq/store"
)

// Engine is the job queue and worker coordinator. Use Build to create one.
type Engine struct {
	store      store.Store
	config     renderq.Config
	storage    storage.Storage
	extensions *ext.Registry
	tracker    *cluster.Tracker
	ledger     *quota.Ledger
	admission  *admission.Controller
	reaper     *reaper.Reaper

	pending       []ext.Extension
	meterProvider metric.MeterProvider
	loc           *time.Location
	now           func() time.Time
	logger        *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithConfig replaces the default coordination config.
func WithConfig(cfg renderq.Config) Option {
	return func(eng *Engine) { eng.config = cfg }
}

// WithLogger sets the logger shared by every subsystem.
func WithLogger(l *slog.Logger) Option {
	return func(eng *Engine) { eng.logger = l }
}

// WithExtension registers a lifecycle extension.
func WithExtension(e ext.Extension) Option {
	return func(eng *Engine) { eng.pending = append(eng.pending, e) }
}

// WithStorage sets the result artifact backend. Without one, UploadResult
// fails with renderq.ErrNoStorage.
func WithStorage(s storage.Storage) Option {
	return func(eng *Engine) { eng.storage = s }
}

// WithClock overrides the time source of every subsystem.
func WithClock(now func() time.Time) Option {
	return func(eng *Engine) { eng.now = now }
}

// WithLocation sets the time zone that defines a calendar day for quota
// rollover, result keys and the created-today statistic. Default UTC.
func WithLocation(loc *time.Location) Option {
	return func(eng *Engine) { eng.loc = loc }
}

// WithMeterProvider sets a custom OTel MeterProvider for the observability
// extension. If not set, the global otel.GetMeterProvider() is used.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(eng *Engine) { eng.meterProvider = mp }
}

// Build creates an Engine over s.
func Build(s store.Store, opts ...Option) (*Engine, error) {
	if s == nil {
		return nil, renderq.ErrNoStore
	}

	eng := &Engine{
		store:  s,
		config: renderq.DefaultConfig(),
		loc:    time.UTC,
		now:    func() time.Time { return time.Now().UTC().Truncate(time.Millisecond) },
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(eng)
	}

	if err := eng.config.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", renderq.ErrInvalidArgument, err)
	}

	eng.extensions = ext.NewRegistry(eng.logger)

	// Register the observability metrics extension.
	var obsExt *observability.MetricsExtension
	if eng.meterProvider != nil {
		meter := eng.meterProvider.Meter("github.com/xraph/renderq/observability")
		obsExt = observability.NewMetricsExtensionWithMeter(meter)
	} else {
		obsExt = observability.NewMetricsExtension()
	}
	eng.extensions.Register(obsExt)
	for _, e := range eng.pending {
		eng.extensions.Register(e)
	}
	eng.pending = nil

	eng.tracker = cluster.NewTracker(s, eng.config.HeartbeatTimeout,
		cluster.WithClock(eng.now),
		cluster.WithLogger(eng.logger),
	)
	eng.ledger = quota.NewLedger(s, eng.config.Tiers,
		quota.WithClock(eng.now),
		quota.WithLocation(eng.loc),
		quota.WithLogger(eng.logger),
	)
	eng.admission = admission.NewController(s, eng.tracker, eng.ledger, eng.config,
		admission.WithClock(eng.now),
		admission.WithLogger(eng.logger),
	)

	r, err := reaper.New(s, eng.config.ReapSchedule, eng.config.JobTimeout,
		reaper.WithEmitter(eng.extensions),
		reaper.WithClock(eng.now),
		reaper.WithLogger(eng.logger),
	)
	if err != nil {
		return nil, err
	}
	eng.reaper = r

	return eng, nil
}

// Start launches the reaper.
func (eng *Engine) Start(ctx context.Context) error {
	if err := eng.reaper.Start(ctx); err != nil {
		return fmt.Errorf("start reaper: %w", err)
	}
	eng.logger.Info("engine started",
		slog.String("reap_schedule", eng.config.ReapSchedule),
		slog.Duration("job_timeout", eng.config.JobTimeout),
		slog.Duration("heartbeat_timeout", eng.config.HeartbeatTimeout),
	)
	return nil
}

// Stop halts the reaper and notifies extensions of shutdown.
func (eng *Engine) Stop(ctx context.Context) error {
	err := eng.reaper.Stop(ctx)
	if err != nil {
		eng.logger.Error("reaper stop error", slog.String("error", err.Error()))
	}
	eng.extensions.EmitShutdown(ctx)
	eng.logger.Info("engine stopped")
	return err
}

// Store returns the underlying store.
func (eng *Engine) Store() store.Store { return eng.store }

// Config returns the coordination config.
func (eng *Engine) Config() renderq.Config { return eng.config }

// Extensions returns the extension registry.
func (eng *Engine) Extensions() *ext.Registry { return eng.extensions }

// Tracker returns the worker liveness tracker.
func (eng *Engine) Tracker() *cluster.Tracker { return eng.tracker }

// Ledger returns the quota ledger.
func (eng *Engine) Ledger() *quota.Ledger { return eng.ledger }

// Reaper returns the stale job reaper.
func (eng *Engine) Reaper() *reaper.Reaper { return eng.reaper }

// today returns midnight of the current calendar day.
func (eng *Engine) today() time.Time {
	y, m, d := eng.now().In(eng.loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, eng.loc)
}
