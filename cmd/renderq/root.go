package main

import (
	"github.com/spf13/cobra"
)

// options holds the flags shared by every subcommand.
type options struct {
	configPath string
	storeFlag  string
	cfg        Config
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "renderq",
		Short:         "GPU image generation queue",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := LoadConfig(opts.configPath)
			if err != nil {
				return err
			}
			if opts.storeFlag != "" {
				cfg.Store.Driver = opts.storeFlag
				if err := cfg.validate(); err != nil {
					return err
				}
			}
			opts.cfg = cfg
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to the YAML config file")
	root.PersistentFlags().StringVar(&opts.storeFlag, "store", "", "store driver override: memory, postgres, bun, redis or mongo")

	root.AddCommand(newServeCmd(opts), newMigrateCmd(opts), newWorkerCmd(opts))
	return root
}
