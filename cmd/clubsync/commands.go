package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/clubsync/internal/api"
	"github.com/kalambet/clubsync/internal/config"
	"github.com/kalambet/clubsync/internal/queue"
	"github.com/kalambet/clubsync/internal/sms"
)

// --- query ---

var queryCmd = &cobra.Command{
	Use:   "query <path>",
	Short: "Read a query through the daemon's cache",
	Long: `Read a query through the daemon's cache.

Examples:
  clubsync query players.list --input '{"teamId":5}'
  clubsync query trainings.upcoming --refetch`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		input, _ := cmd.Flags().GetString("input")
		refetch, _ := cmd.Flags().GetBool("refetch")
		staleTime, _ := cmd.Flags().GetDuration("stale-time")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path, err := queryPath(args[0], input, refetch, staleTime)
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		var result api.QueryResponse
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printStatus("Status", "%s", statusLabel(string(result.Status)))
		if result.UpdatedAt != nil {
			printStatus("Updated", "%s ago", time.Since(*result.UpdatedAt).Round(time.Second))
		}
		return printJSON(result.Data)
	},
}

func queryPath(name, input string, refetch bool, staleTime time.Duration) (string, error) {
	v := url.Values{}
	if input != "" {
		if !json.Valid([]byte(input)) {
			return "", fmt.Errorf("--input must be valid JSON")
		}
		v.Set("input", input)
	}
	if refetch {
		v.Set("refetch", "true")
	}
	if staleTime > 0 {
		v.Set("stale_time", staleTime.String())
	}
	path := "/query/" + url.PathEscape(name)
	if len(v) > 0 {
		path += "?" + v.Encode()
	}
	return path, nil
}

func init() {
	queryCmd.Flags().String("input", "", "query input as JSON")
	queryCmd.Flags().Bool("refetch", false, "ignore freshness and refetch when online")
	queryCmd.Flags().Duration("stale-time", 0, "override how long cached data counts as fresh")
}

// --- mutate ---

var mutateCmd = &cobra.Command{
	Use:   "mutate <key> [input]",
	Short: "Run a write now, or queue it while offline",
	Long: `Run a write now, or queue it while offline.

Examples:
  clubsync mutate createTraining '{"date":"2024-05-01"}' --invalidate trainings.list`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		invalidate, _ := cmd.Flags().GetStringSlice("invalidate")

		var body json.RawMessage
		if len(args) == 2 {
			if !json.Valid([]byte(args[1])) {
				return fmt.Errorf("input must be valid JSON")
			}
			body = json.RawMessage(args[1])
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := "/mutate/" + url.PathEscape(args[0])
		if len(invalidate) > 0 {
			path += "?invalidate=" + url.QueryEscape(strings.Join(invalidate, ","))
		}
		resp, err := client.post(cmd.Context(), path, body)
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if result["status"] == string(queue.OutcomeQueued) {
			printWarning("Offline: %s queued for replay", args[0])
			return nil
		}
		printSuccess("%s applied", args[0])
		return nil
	},
}

func init() {
	mutateCmd.Flags().StringSlice("invalidate", nil, "query paths to drop from the cache after the write")
}

// --- queue ---

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and replay the offline write queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued writes, oldest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/queue")
		if err != nil {
			return err
		}

		var result struct {
			Count int          `json:"count"`
			Items []queue.Item `json:"items"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if result.Count == 0 {
			fmt.Println("Queue is empty.")
			return nil
		}
		for _, it := range result.Items {
			fmt.Println(formatQueueItem(it))
		}
		return nil
	},
}

func formatQueueItem(it queue.Item) string {
	input := string(it.Input)
	if len(input) > 60 {
		input = input[:60] + "..."
	}
	line := fmt.Sprintf("%s  %s  %-20s %s",
		colorize(colorCyan, it.ID),
		it.Timestamp.Local().Format(time.DateTime),
		it.Key,
		input,
	)
	if it.Retries > 0 {
		line += colorize(colorYellow, fmt.Sprintf("  (retries: %d/%d)", it.Retries, queue.MaxRetries))
	}
	return line
}

var queueSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Replay queued writes now",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/queue/sync", nil)
		if err != nil {
			return err
		}

		var result struct {
			Ran     bool `json:"ran"`
			Success int  `json:"success"`
			Failed  int  `json:"failed"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if !result.Ran {
			printWarning("Nothing replayed: offline or queue empty")
			return nil
		}
		if result.Failed > 0 {
			printWarning("Replayed: %d succeeded, %d failed", result.Success, result.Failed)
			return nil
		}
		printSuccess("Replayed %d writes", result.Success)
		return nil
	},
}

var queueClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Discard every queued write",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		n, err := deleteCount(cmd.Context(), client, "/queue")
		if err != nil {
			return err
		}
		printSuccess("Discarded %d queued writes", n)
		return nil
	},
}

func init() {
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueSyncCmd)
	queueCmd.AddCommand(queueClearCmd)
}

// --- cache ---

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage cached reads",
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear [path]",
	Short: "Drop cached reads, optionally only those of one query path",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := "/cache"
		if len(args) == 1 {
			path += "/" + url.PathEscape(args[0])
		}
		n, err := deleteCount(cmd.Context(), client, path)
		if err != nil {
			return err
		}
		printSuccess("Removed %d cached entries", n)
		return nil
	},
}

func init() {
	cacheCmd.AddCommand(cacheClearCmd)
}

func deleteCount(ctx context.Context, client *apiClient, path string) (int, error) {
	resp, err := client.delete(ctx, path)
	if err != nil {
		return 0, err
	}
	var result map[string]int
	if err := decodeJSON(resp, &result); err != nil {
		return 0, err
	}
	return result["removed"], nil
}

// --- connectivity ---

var offlineCmd = &cobra.Command{
	Use:   "offline",
	Short: "Force offline mode: reads come from cache, writes are queued",
	RunE: func(cmd *cobra.Command, args []string) error {
		return setOffline(cmd.Context(), true)
	},
}

var onlineCmd = &cobra.Command{
	Use:   "online",
	Short: "Leave forced offline mode and replay the queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		return setOffline(cmd.Context(), false)
	},
}

func setOffline(ctx context.Context, offline bool) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}

	resp, err := client.put(ctx, "/connectivity", map[string]bool{"offline": offline})
	if err != nil {
		return err
	}

	var result map[string]bool
	if err := decodeJSON(resp, &result); err != nil {
		return err
	}

	switch {
	case result["forced_offline"]:
		printSuccess("Offline mode on")
	case result["online"]:
		printSuccess("Offline mode off, network reachable")
	default:
		printWarning("Offline mode off, but the remote is unreachable")
	}
	return nil
}

// --- sms ---

var smsCmd = &cobra.Command{
	Use:   "sms",
	Short: "Show SMS send statistics and history",
}

var smsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show SMS totals by type and month",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/sms/stats")
		if err != nil {
			return err
		}

		var stats sms.Stats
		if err := decodeJSON(resp, &stats); err != nil {
			return err
		}

		printStatus("Total", "%d", stats.Total)
		printStatus("Sent", "%d", stats.Sent)
		printStatus("Failed", "%d", stats.Failed)
		for _, k := range sortedKeys(stats.ByType) {
			printStatus("  "+k, "%d", stats.ByType[k])
		}
		for _, k := range sortedKeys(stats.ByMonth) {
			printStatus("  "+k, "%d", stats.ByMonth[k])
		}
		return nil
	},
}

var smsHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent SMS sends, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), fmt.Sprintf("/sms/history?limit=%d", limit))
		if err != nil {
			return err
		}

		var history []sms.HistoryItem
		if err := decodeJSON(resp, &history); err != nil {
			return err
		}

		if len(history) == 0 {
			fmt.Println("No SMS sent yet.")
			return nil
		}
		for _, h := range history {
			fmt.Printf("%s  %-6s  %-12s  %s  %s\n",
				h.SentAt.Local().Format(time.DateTime),
				statusLabel(string(h.Status)),
				h.Type,
				h.To,
				h.Error,
			)
		}
		return nil
	},
}

func init() {
	smsHistoryCmd.Flags().Int("limit", 20, "maximum number of entries")
	smsCmd.AddCommand(smsStatsCmd)
	smsCmd.AddCommand(smsHistoryCmd)
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value. The remote token is kept out of the config file; set it here or via " + config.TokenHint() + ".",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if key == "remote.token" {
			if err := config.SetRemoteToken(config.NewKeychain(), value); err != nil {
				return err
			}
			printSuccess("Stored remote token")
			return nil
		}
		if err := config.SetKey(key, value); err != nil {
			return err
		}
		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
