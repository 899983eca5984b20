package cmd

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/arranger-ai/arranger/internal/orchestrator"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator and HTTP API until interrupted",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := buildLogger(cfg)

		o, err := orchestrator.New(cfg, logger)
		if err != nil {
			return configError(err)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := o.Run(ctx); err != nil {
			return runtimeError(err)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
