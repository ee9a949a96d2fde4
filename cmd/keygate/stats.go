package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statsFlags struct {
	clientConfig
	days int
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show usage statistics",
	Args:  cobra.NoArgs,
	RunE:  runStats,
}

func init() {
	rootCmd.AddCommand(statsCmd)

	addClientFlags(statsCmd, &statsFlags.clientConfig)
	statsCmd.Flags().IntVar(&statsFlags.days, "days", 30, "number of days to report")
}

func runStats(cmd *cobra.Command, args []string) error {
	c, err := statsFlags.newClient()
	if err != nil {
		return err
	}

	resp, err := c.Stats(cmd.Context(), statsFlags.days)
	if err != nil {
		return err
	}

	fmt.Printf("Active keys: %d\n", resp.ActiveKeys)
	fmt.Printf("Period:      last %d days\n\n", resp.Days)

	if len(resp.Daily) == 0 {
		fmt.Println("No requests recorded.")
		return nil
	}

	fmt.Printf("%-10s  %-8s  %-6s  %-6s  %-8s  %s\n", "DAY", "REQUESTS", "KEYS", "IPS", "AVG MS", "ERROR RATE")
	rates := make(map[string]float64, len(resp.ErrorRates))
	for _, r := range resp.ErrorRates {
		rates[r.Day] = r.Rate
	}
	for _, d := range resp.Daily {
		fmt.Printf("%-10s  %-8d  %-6d  %-6d  %-8.2f  %.1f%%\n",
			d.Day, d.Total, d.UniqueKeys, d.UniqueIPs, d.AvgDurationMS, rates[d.Day]*100)
	}

	if len(resp.TopEndpoints) > 0 {
		fmt.Println()
		fmt.Printf("%-40s  %s\n", "ENDPOINT", "REQUESTS")
		for _, e := range resp.TopEndpoints {
			fmt.Printf("%-40s  %d\n", truncate(e.Endpoint, 40), e.Count)
		}
	}
	return nil
}
