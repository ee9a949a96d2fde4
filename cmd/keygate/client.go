// Package main implements the keygate CLI.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rsclarke/keygate/internal/client"
)

type clientConfig struct {
	token  string
	apiURL string
}

func addClientFlags(cmd *cobra.Command, cfg *clientConfig) {
	cmd.PersistentFlags().StringVar(&cfg.token, "token", os.Getenv("KEYGATE_ADMIN_TOKEN"), "admin API token")
	cmd.PersistentFlags().StringVar(&cfg.apiURL, "api-url", getEnv("KEYGATE_API_URL", "http://127.0.0.1:8081"), "admin API URL")
}

func (cfg *clientConfig) newClient() (*client.Client, error) {
	if cfg.apiURL == "" {
		return nil, fmt.Errorf("API URL required (use --api-url flag or KEYGATE_API_URL env var)")
	}
	if cfg.token == "" {
		return nil, fmt.Errorf("admin token required (use --token flag or KEYGATE_ADMIN_TOKEN env var)")
	}
	return client.NewClient(cfg.apiURL, cfg.token), nil
}
