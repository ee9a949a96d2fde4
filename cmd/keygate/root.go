package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rsclarke/keygate/internal/logging"
)

var logger *zap.Logger

var rootCmd = &cobra.Command{
	Use:   "keygate",
	Short: "API key gateway",
	Long: `keygate authorizes requests that present an API key and forwards the
allowed ones to an upstream service. It enforces per-key IP, domain and
endpoint restrictions, read/write/delete permissions and hourly rate limits,
and records every decision for audit.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		logger, err = logging.New(logging.FromEnv())
		if err != nil {
			return fmt.Errorf("initializing logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			logging.Sync(logger)
		}
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
