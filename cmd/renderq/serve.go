package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/xraph/renderq/api"
	audithook "github.com/xraph/renderq/audit_hook"
	"github.com/xraph/renderq/engine"
	"github.com/xraph/renderq/stream"
	"github.com/xraph/renderq/throttle"
)

func newServeCmd(opts *options) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the API server and the stale job reaper",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := opts.cfg
			if addr != "" {
				cfg.Addr = addr
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides the config)")
	return cmd
}

func serve(ctx context.Context, cfg Config) error {
	logger := cfg.Log.Logger()

	s, release, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := release(); err != nil {
			logger.Warn("store close failed", slog.String("error", err.Error()))
		}
	}()
	if cfg.AutoMigrate {
		if err := s.Migrate(ctx); err != nil {
			return err
		}
	}

	results, err := openStorage(ctx, cfg.Storage, logger)
	if err != nil {
		return err
	}
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return err
	}

	engOpts := []engine.Option{
		engine.WithConfig(cfg.Engine),
		engine.WithLogger(logger),
		engine.WithStorage(results),
		engine.WithLocation(loc),
	}
	apiOpts := []api.Option{
		api.WithWorkerKey(cfg.WorkerKey),
		api.WithThrottle(throttle.New(cfg.Throttle)),
		api.WithAllowedOrigins(cfg.AllowedOrigins...),
		api.WithLogger(logger),
	}
	if cfg.Stream.Enabled {
		broker := stream.NewBroker(logger, stream.WithBufferSize(cfg.Stream.BufferSize))
		engOpts = append(engOpts, engine.WithExtension(broker))
		apiOpts = append(apiOpts, api.WithBroker(broker))
	}

	if cfg.Audit.Enabled {
		auditOpts := []audithook.Option{audithook.WithLogger(logger)}
		if len(cfg.Audit.Actions) > 0 {
			auditOpts = append(auditOpts, audithook.WithActions(cfg.Audit.Actions...))
		}
		recorder := audithook.LogRecorder(logger.With(slog.String("component", "audit")))
		engOpts = append(engOpts, engine.WithExtension(audithook.New(recorder, auditOpts...)))
	}

	eng, err := engine.Build(s, engOpts...)
	if err != nil {
		return err
	}
	if cfg.WorkerKey == "" {
		logger.Warn("no worker_key configured, worker routes will refuse every request")
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.New(eng, apiOpts...).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := eng.Start(gCtx); err != nil {
			return err
		}
		<-gCtx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return eng.Stop(stopCtx)
	})
	g.Go(func() error {
		logger.Info("renderq listening",
			slog.String("addr", cfg.Addr),
			slog.String("store", cfg.Store.Driver),
			slog.String("storage", cfg.Storage.Driver),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
