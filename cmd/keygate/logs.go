package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/rsclarke/keygate/internal/client"
)

var logsFlags struct {
	clientConfig
	keyID  int64
	since  time.Duration
	limit  int
	offset int
}

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Show recent authorized requests",
	Args:  cobra.NoArgs,
	RunE:  runLogs,
}

var eventsFlags struct {
	clientConfig
	eventType string
	since     time.Duration
	limit     int
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Show recent security events",
	Long: `Show recent security events such as invalid keys, blocked IPs and
exceeded rate limits.`,
	Args: cobra.NoArgs,
	RunE: runEvents,
}

func init() {
	rootCmd.AddCommand(logsCmd, eventsCmd)

	addClientFlags(logsCmd, &logsFlags.clientConfig)
	logsCmd.Flags().Int64Var(&logsFlags.keyID, "key", 0, "only requests made with this key ID")
	logsCmd.Flags().DurationVar(&logsFlags.since, "since", 0, "only requests newer than this, e.g. 24h")
	logsCmd.Flags().IntVar(&logsFlags.limit, "limit", 50, "maximum rows")
	logsCmd.Flags().IntVar(&logsFlags.offset, "offset", 0, "rows to skip")

	addClientFlags(eventsCmd, &eventsFlags.clientConfig)
	eventsCmd.Flags().StringVar(&eventsFlags.eventType, "type", "", "only events of this type")
	eventsCmd.Flags().DurationVar(&eventsFlags.since, "since", 0, "only events newer than this, e.g. 24h")
	eventsCmd.Flags().IntVar(&eventsFlags.limit, "limit", 50, "maximum rows")
}

func sinceTime(d time.Duration) time.Time {
	if d <= 0 {
		return time.Time{}
	}
	return time.Now().Add(-d)
}

func runLogs(cmd *cobra.Command, args []string) error {
	c, err := logsFlags.newClient()
	if err != nil {
		return err
	}

	resp, err := c.ListLogs(cmd.Context(), client.LogFilter{
		KeyID:  logsFlags.keyID,
		Since:  sinceTime(logsFlags.since),
		Limit:  logsFlags.limit,
		Offset: logsFlags.offset,
	})
	if err != nil {
		return err
	}

	if len(resp.Logs) == 0 {
		fmt.Println("No requests found.")
		return nil
	}

	fmt.Printf("%-19s  %-16s  %-6s  %-30s  %-15s  %-6s  %s\n", "TIME", "KEY", "METHOD", "ENDPOINT", "IP", "STATUS", "MS")
	for _, l := range resp.Logs {
		fmt.Printf("%-19s  %-16s  %-6s  %-30s  %-15s  %-6d  %.2f\n",
			formatTime(l.CreatedAt), truncate(l.APIKeyName, 16), l.Method, truncate(l.Endpoint, 30), l.IPAddress, l.StatusCode, l.DurationMS)
	}
	return nil
}

func runEvents(cmd *cobra.Command, args []string) error {
	c, err := eventsFlags.newClient()
	if err != nil {
		return err
	}

	resp, err := c.SecurityEvents(cmd.Context(), client.EventFilter{
		Type:  eventsFlags.eventType,
		Since: sinceTime(eventsFlags.since),
		Limit: eventsFlags.limit,
	})
	if err != nil {
		return err
	}

	if len(resp.Events) == 0 {
		fmt.Println("No security events found.")
		return nil
	}

	fmt.Printf("%-19s  %-7s  %-26s  %-15s  %s\n", "TIME", "LEVEL", "TYPE", "IP", "MESSAGE")
	for _, e := range resp.Events {
		fmt.Printf("%-19s  %-7s  %-26s  %-15s  %s\n",
			formatTime(e.CreatedAt), e.Level, e.EventType, e.IPAddress, e.Message)
	}
	return nil
}
