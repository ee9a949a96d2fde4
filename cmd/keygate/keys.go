package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/rsclarke/keygate/internal/api"
	"github.com/rsclarke/keygate/internal/client"
)

var keysFlags struct {
	clientConfig

	name             string
	owner            string
	status           string
	capabilities     []string
	rateLimit        int
	allowedIPs       []string
	allowedDomains   []string
	allowedEndpoints []string
	blockedEndpoints []string
	expires          string
	noExpiry         bool
}

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage API keys",
}

var keysCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Issue a new API key",
	Long: `Issue a new API key. The secret is printed once and cannot be
retrieved later.`,
	Args: cobra.NoArgs,
	RunE: runKeysCreate,
}

var keysListCmd = &cobra.Command{
	Use:   "list",
	Short: "List API keys",
	Args:  cobra.NoArgs,
	RunE:  runKeysList,
}

var keysGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show one API key",
	Args:  cobra.ExactArgs(1),
	RunE:  runKeysGet,
}

var keysUpdateCmd = &cobra.Command{
	Use:   "update <id>",
	Short: "Change an API key's settings",
	Long: `Change an API key's settings. Only the flags given are applied; pass an
empty value to clear a restriction list, e.g. --allowed-ips "".`,
	Args: cobra.ExactArgs(1),
	RunE: runKeysUpdate,
}

var keysRevokeCmd = &cobra.Command{
	Use:   "revoke <id>",
	Short: "Deactivate an API key",
	Args:  cobra.ExactArgs(1),
	RunE:  runKeysRevoke,
}

var keysDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete an API key and its usage history",
	Args:  cobra.ExactArgs(1),
	RunE:  runKeysDelete,
}

func init() {
	rootCmd.AddCommand(keysCmd)
	keysCmd.AddCommand(keysCreateCmd, keysListCmd, keysGetCmd, keysUpdateCmd, keysRevokeCmd, keysDeleteCmd)

	addClientFlags(keysCmd, &keysFlags.clientConfig)

	for _, cmd := range []*cobra.Command{keysCreateCmd, keysUpdateCmd} {
		f := cmd.Flags()
		f.StringVar(&keysFlags.name, "name", "", "key name")
		f.StringSliceVar(&keysFlags.capabilities, "capabilities", nil, "comma-separated capabilities: read, write, delete")
		f.IntVar(&keysFlags.rateLimit, "rate-limit", 0, "requests per hour, 0 for unlimited")
		f.StringSliceVar(&keysFlags.allowedIPs, "allowed-ips", nil, "allowed client IPs or CIDR ranges")
		f.StringSliceVar(&keysFlags.allowedDomains, "allowed-domains", nil, "allowed Origin domains, * wildcards permitted")
		f.StringSliceVar(&keysFlags.allowedEndpoints, "allowed-endpoints", nil, "allowed endpoint patterns")
		f.StringSliceVar(&keysFlags.blockedEndpoints, "blocked-endpoints", nil, "blocked endpoint patterns")
		f.StringVar(&keysFlags.expires, "expires", "", "expiry as RFC 3339 time or a duration such as 720h")
		f.BoolVar(&keysFlags.noExpiry, "no-expiry", false, "never expire")
	}
	keysCreateCmd.Flags().StringVar(&keysFlags.owner, "owner", "", "owner identifier")
	_ = keysCreateCmd.MarkFlagRequired("name")

	keysListCmd.Flags().StringVar(&keysFlags.owner, "owner", "", "only keys with this owner")
	keysListCmd.Flags().StringVar(&keysFlags.status, "status", "", "only keys with this status: active, inactive, expired")

	keysUpdateCmd.Flags().StringVar(&keysFlags.status, "status", "", "new status: active or inactive")
}

func runKeysCreate(cmd *cobra.Command, args []string) error {
	c, err := keysFlags.newClient()
	if err != nil {
		return err
	}

	req := api.CreateKeyRequest{
		Name:             keysFlags.name,
		OwnerID:          keysFlags.owner,
		Capabilities:     keysFlags.capabilities,
		AllowedIPs:       keysFlags.allowedIPs,
		AllowedDomains:   keysFlags.allowedDomains,
		AllowedEndpoints: keysFlags.allowedEndpoints,
		BlockedEndpoints: keysFlags.blockedEndpoints,
		NoExpiry:         keysFlags.noExpiry,
	}
	if cmd.Flags().Changed("rate-limit") {
		req.RateLimit = &keysFlags.rateLimit
	}
	if keysFlags.expires != "" {
		t, err := parseExpiry(keysFlags.expires, time.Now())
		if err != nil {
			return err
		}
		req.ExpiresAt = &t
	}

	resp, err := c.CreateKey(cmd.Context(), req)
	if err != nil {
		return err
	}

	fmt.Println("=============================================================")
	fmt.Println("API KEY CREATED (save this, it will not be shown again):")
	fmt.Println(resp.Secret)
	fmt.Println("=============================================================")
	printKey(resp.Key)
	return nil
}

func runKeysList(cmd *cobra.Command, args []string) error {
	c, err := keysFlags.newClient()
	if err != nil {
		return err
	}

	resp, err := c.ListKeys(cmd.Context(), client.KeyFilter{OwnerID: keysFlags.owner, Status: keysFlags.status})
	if err != nil {
		return err
	}

	if len(resp.Keys) == 0 {
		fmt.Println("No API keys found.")
		return nil
	}

	fmt.Printf("%-6s  %-20s  %-8s  %-8s  %-10s  %-19s  %s\n", "ID", "NAME", "PREFIX", "STATUS", "RATE", "LAST USED", "REQUESTS")
	for _, k := range resp.Keys {
		fmt.Printf("%-6d  %-20s  %-8s  %-8s  %-10s  %-19s  %d\n",
			k.ID, truncate(k.Name, 20), k.Prefix, k.Status, rateString(k.RateLimit), timeString(k.LastUsedAt), k.RequestCount)
	}
	return nil
}

func runKeysGet(cmd *cobra.Command, args []string) error {
	c, id, err := keyCommand(args)
	if err != nil {
		return err
	}
	k, err := c.GetKey(cmd.Context(), id)
	if err != nil {
		return err
	}
	printKey(*k)
	return nil
}

func runKeysUpdate(cmd *cobra.Command, args []string) error {
	c, id, err := keyCommand(args)
	if err != nil {
		return err
	}

	var req api.UpdateKeyRequest
	f := cmd.Flags()
	if f.Changed("name") {
		req.Name = &keysFlags.name
	}
	if f.Changed("status") {
		req.Status = &keysFlags.status
	}
	if f.Changed("rate-limit") {
		req.RateLimit = &keysFlags.rateLimit
	}
	if f.Changed("capabilities") {
		req.Capabilities = &keysFlags.capabilities
	}
	if f.Changed("allowed-ips") {
		req.AllowedIPs = &keysFlags.allowedIPs
	}
	if f.Changed("allowed-domains") {
		req.AllowedDomains = &keysFlags.allowedDomains
	}
	if f.Changed("allowed-endpoints") {
		req.AllowedEndpoints = &keysFlags.allowedEndpoints
	}
	if f.Changed("blocked-endpoints") {
		req.BlockedEndpoints = &keysFlags.blockedEndpoints
	}
	req.ClearExpiry = keysFlags.noExpiry
	if keysFlags.expires != "" {
		t, err := parseExpiry(keysFlags.expires, time.Now())
		if err != nil {
			return err
		}
		req.ExpiresAt = &t
	}

	k, err := c.UpdateKey(cmd.Context(), id, req)
	if err != nil {
		return err
	}
	printKey(*k)
	return nil
}

func runKeysRevoke(cmd *cobra.Command, args []string) error {
	c, id, err := keyCommand(args)
	if err != nil {
		return err
	}
	if _, err := c.RevokeKey(cmd.Context(), id); err != nil {
		return err
	}
	fmt.Printf("API key %d revoked.\n", id)
	return nil
}

func runKeysDelete(cmd *cobra.Command, args []string) error {
	c, id, err := keyCommand(args)
	if err != nil {
		return err
	}
	if err := c.DeleteKey(cmd.Context(), id); err != nil {
		return err
	}
	fmt.Printf("API key %d deleted.\n", id)
	return nil
}

func keyCommand(args []string) (*client.Client, int64, error) {
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || id <= 0 {
		return nil, 0, fmt.Errorf("invalid key id %q", args[0])
	}
	c, err := keysFlags.newClient()
	if err != nil {
		return nil, 0, err
	}
	return c, id, nil
}

// parseExpiry accepts an RFC 3339 time or a duration from now.
func parseExpiry(v string, now time.Time) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return time.Time{}, fmt.Errorf("invalid expiry %q: use RFC 3339 or a positive duration", v)
	}
	return now.Add(d), nil
}

func printKey(k api.KeyInfo) {
	fmt.Printf("ID:                %d\n", k.ID)
	fmt.Printf("Name:              %s\n", k.Name)
	if k.OwnerID != "" {
		fmt.Printf("Owner:             %s\n", k.OwnerID)
	}
	fmt.Printf("Prefix:            %s\n", k.Prefix)
	fmt.Printf("Status:            %s\n", k.Status)
	fmt.Printf("Capabilities:      %s\n", strings.Join(k.Capabilities, ", "))
	fmt.Printf("Rate limit:        %s\n", rateString(k.RateLimit))
	fmt.Printf("Allowed IPs:       %s\n", listString(k.AllowedIPs))
	fmt.Printf("Allowed domains:   %s\n", listString(k.AllowedDomains))
	fmt.Printf("Allowed endpoints: %s\n", listString(k.AllowedEndpoints))
	fmt.Printf("Blocked endpoints: %s\n", listString(k.BlockedEndpoints))
	fmt.Printf("Expires:           %s\n", timeString(k.ExpiresAt))
	fmt.Printf("Last used:         %s\n", timeString(k.LastUsedAt))
	fmt.Printf("Requests:          %d\n", k.RequestCount)
}

func rateString(limit int) string {
	if limit == 0 {
		return "unlimited"
	}
	return strconv.Itoa(limit) + "/h"
}

func listString(entries []string) string {
	if len(entries) == 0 {
		return "-"
	}
	return strings.Join(entries, ", ")
}

func timeString(ts *string) string {
	if ts == nil {
		return "-"
	}
	return formatTime(*ts)
}

func formatTime(ts string) string {
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return ts
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
