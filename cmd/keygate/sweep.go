package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rsclarke/keygate/internal/config"
	"github.com/rsclarke/keygate/internal/db"
	"github.com/rsclarke/keygate/internal/sweep"
)

var sweepFlags struct {
	configPath string
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run maintenance once against the local database",
	Long: `Expire keys past their expiry date and prune request logs, security
events and usage rows older than the configured retention. The running
server does this on its sweep_schedule; this command runs one pass directly.`,
	Args: cobra.NoArgs,
	RunE: runSweep,
}

func init() {
	rootCmd.AddCommand(sweepCmd)

	addConfigFlag(sweepCmd, &sweepFlags.configPath)
}

func runSweep(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(sweepFlags.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	database, err := db.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer database.Close()

	s := sweep.New(database, sweep.Config{RetentionDays: cfg.LogRetentionDays}, sweep.WithLogger(logger))
	res, err := s.RunOnce(cmd.Context())
	if err != nil {
		return err
	}

	fmt.Printf("Expired keys:     %d\n", res.ExpiredKeys)
	fmt.Printf("Request logs:     %d\n", res.RequestLogs)
	fmt.Printf("Security events:  %d\n", res.SecurityEvents)
	fmt.Printf("Usage rows:       %d\n", res.KeyUsage)
	return nil
}
