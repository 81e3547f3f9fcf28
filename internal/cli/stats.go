package cli

import (
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/sitekb/internal/metrics"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show server runtime statistics",
	Long: `Show server runtime statistics: operation timings, embedding cache
effectiveness and job counters since the last restart.

Examples:
  sitekb stats`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		stats, err := apiClient.GetServerStats(cmd.Context())
		if err != nil {
			return fmt.Errorf("get server stats: %w", err)
		}
		printServerStats(cmd.OutOrStdout(), stats)
		return nil
	},
}

// printServerStats displays server runtime statistics.
func printServerStats(w io.Writer, stats *metrics.Snapshot) {
	fmt.Fprintf(w, "Server Statistics (in-memory, since restart)\n")
	fmt.Fprintf(w, "═══════════════════════════════════════════════\n")
	fmt.Fprintf(w, "Uptime: %.1f seconds\n", stats.UptimeSeconds)

	for _, name := range sortedKeys(stats.Operations) {
		op := stats.Operations[name]
		fmt.Fprintf(w, "\n%s:\n", name)
		fmt.Fprintf(w, "  Calls: %d, Errors: %d, Total: %dms\n", op.Count, op.Errors, op.TotalTimeMs)
		fmt.Fprintf(w, "  Time: avg %.1fms, min %dms, max %dms\n", op.AvgTimeMs, op.MinTimeMs, op.MaxTimeMs)
	}

	c := stats.Cache
	fmt.Fprintf(w, "\nEmbedding cache:\n")
	fmt.Fprintf(w, "  Hits: %d, Misses: %d, Coalesced: %d, Hit rate: %.1f%%\n", c.Hits, c.Misses, c.Coalesced, c.HitRate*100)

	if len(stats.Counters) > 0 {
		fmt.Fprintf(w, "\nCounters:\n")
		for _, name := range sortedKeys(stats.Counters) {
			fmt.Fprintf(w, "  %-22s %d\n", name, stats.Counters[name])
		}
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
