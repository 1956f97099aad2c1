package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/xraph/renderq/client"
	"github.com/xraph/renderq/middleware"
	"github.com/xraph/renderq/worker"
)

var _ worker.Coordinator = (*client.Client)(nil)

func newWorkerCmd(opts *options) *cobra.Command {
	var server, workerID string
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a GPU worker that claims jobs from a renderq server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := opts.cfg.Worker
			if server != "" {
				cfg.Server = server
			}
			if workerID != "" {
				cfg.ID = workerID
			}
			return runWorker(cmd.Context(), cfg, opts.cfg.WorkerKey, opts.cfg.Log.Logger())
		},
	}
	cmd.Flags().StringVar(&server, "server", "", "renderq server URL (overrides the config)")
	cmd.Flags().StringVar(&workerID, "id", "", "worker id (default: hostname)")
	return cmd
}

func runWorker(ctx context.Context, cfg WorkerConfig, key string, logger *slog.Logger) error {
	if key == "" {
		return errors.New("worker_key is required")
	}
	if cfg.ID == "" {
		host, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("worker id: %w", err)
		}
		cfg.ID = host
	}
	logger = logger.With(slog.String("worker_id", cfg.ID))

	c, err := client.New(cfg.Server, client.WithWorker(cfg.ID, key), client.WithLogger(logger))
	if err != nil {
		return err
	}
	gen := &worker.ExecGenerator{
		Command: cfg.Command,
		Args:    cfg.Args,
		Dir:     cfg.Dir,
		Logger:  logger,
	}
	exec := worker.NewExecutor(c, gen, logger,
		middleware.Logging(logger),
		middleware.Recover(logger),
		middleware.Tracing(),
		middleware.Metrics(),
		middleware.Timeout(cfg.GenerateTimeout),
	)
	poolOpts := []worker.PoolOption{
		worker.WithName(cfg.Name),
		worker.WithGPUInfo(cfg.GPUInfo),
	}
	if cfg.Concurrency > 0 {
		poolOpts = append(poolOpts, worker.WithConcurrency(cfg.Concurrency))
	}
	if cfg.HeartbeatInterval > 0 {
		poolOpts = append(poolOpts, worker.WithHeartbeatInterval(cfg.HeartbeatInterval))
	}
	pool := worker.NewPool(c, exec, logger, poolOpts...)

	if err := pool.Start(ctx); err != nil {
		return fmt.Errorf("register with %s: %w", cfg.Server, err)
	}
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.GenerateTimeout)
	defer cancel()
	return pool.Stop(stopCtx)
}
