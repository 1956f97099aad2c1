package main

import (
	"log/slog"

	"github.com/spf13/cobra"
)

func newMigrateCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the store schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := opts.cfg.Log.Logger()
			s, release, err := openStore(cmd.Context(), opts.cfg.Store, logger)
			if err != nil {
				return err
			}
			defer func() { _ = release() }()

			if err := s.Migrate(cmd.Context()); err != nil {
				return err
			}
			logger.Info("store migrated", slog.String("driver", opts.cfg.Store.Driver))
			return nil
		},
	}
}
