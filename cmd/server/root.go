package main

import (
	"github.com/spf13/cobra"

	"github.com/pesio-ai/be-mfg-workflow/internal/platform/config"
	"github.com/pesio-ai/be-mfg-workflow/internal/platform/logger"
)

// commandContext loads configuration and the logger once per invocation.
type commandContext struct {
	configPath *string
	logLevel   *string
	cfg        *config.Config
	log        *logger.Logger
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	if c.cfg != nil {
		return c.cfg, nil
	}
	cfg, err := config.Load(*c.configPath)
	if err != nil {
		return nil, err
	}
	if *c.logLevel != "" {
		cfg.Service.LogLevel = *c.logLevel
	}
	c.cfg = cfg
	c.log = logger.New(logger.Config{
		Level:       cfg.Service.LogLevel,
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})
	return cfg, nil
}

func newRootCommand() *cobra.Command {
	var configFlag, levelFlag string
	ctx := &commandContext{configPath: &configFlag, logLevel: &levelFlag}

	rootCmd := &cobra.Command{
		Use:           "mfg-workflow",
		Short:         "Manufacturing workflow approvals and stage transitions",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_, err := ctx.ensureConfig()
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Configuration file path")
	rootCmd.PersistentFlags().StringVar(&levelFlag, "log-level", "", "Override the configured log level")

	rootCmd.AddCommand(newServeCommand(ctx))
	rootCmd.AddCommand(newSweepCommand(ctx))
	rootCmd.AddCommand(newPendingCommand(ctx))
	rootCmd.AddCommand(newMigrateCommand(ctx))
	rootCmd.AddCommand(newSeedCommand(ctx))

	return rootCmd
}
