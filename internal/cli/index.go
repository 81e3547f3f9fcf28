package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/sitekb/internal/api"
	"github.com/raphaelgruber/sitekb/internal/models"
)

var (
	indexMaxPages  int
	indexNoRobots  bool
	indexKeepQuery bool
	indexTimeout   time.Duration
	indexWatch     bool
	reindexWatch   bool
)

var indexCmd = &cobra.Command{
	Use:   "index <collection> <domain>",
	Short: "Crawl a website into a collection",
	Long: `Start a background job that crawls a website and indexes its pages
into a collection. A running job for the same collection is returned
instead of starting a second one.

Examples:
  sitekb index -t acme docs https://docs.acme.example
  sitekb index -t acme site acme.example --max-pages 50 --watch`,
	Args: cobra.ExactArgs(2),
	RunE: runIndex,
}

var reindexCmd = &cobra.Command{
	Use:   "reindex <collection>",
	Short: "Rebuild a collection from its last crawl settings",
	Long: `Wipe a collection and crawl its domain again with the options of the
most recent job.

Examples:
  sitekb reindex -t acme site --watch`,
	Args: cobra.ExactArgs(1),
	RunE: runReindex,
}

func init() {
	indexCmd.Flags().IntVar(&indexMaxPages, "max-pages", 0, "maximum pages to fetch (server default if 0)")
	indexCmd.Flags().BoolVar(&indexNoRobots, "no-robots", false, "ignore robots.txt")
	indexCmd.Flags().BoolVar(&indexKeepQuery, "keep-query", false, "treat query strings as distinct pages")
	indexCmd.Flags().DurationVar(&indexTimeout, "timeout", 0, "job timeout (server default if 0)")
	indexCmd.Flags().BoolVarP(&indexWatch, "watch", "w", false, "follow progress until the job ends")
	reindexCmd.Flags().BoolVarP(&reindexWatch, "watch", "w", false, "follow progress until the job ends")
}

func runIndex(cmd *cobra.Command, args []string) error {
	if err := requireTenant(); err != nil {
		return err
	}
	req := api.IndexRequest{
		Domain:         args[1],
		MaxPages:       indexMaxPages,
		KeepQuery:      indexKeepQuery,
		TimeoutSeconds: int(indexTimeout / time.Second),
	}
	if indexNoRobots {
		respect := false
		req.RespectRobots = &respect
	}

	ref, err := apiClient.StartIndexing(cmd.Context(), tenantID, args[0], req)
	if err != nil {
		return fmt.Errorf("start indexing: %w", err)
	}
	return reportJobRef(cmd, ref, indexWatch)
}

func runReindex(cmd *cobra.Command, args []string) error {
	if err := requireTenant(); err != nil {
		return err
	}
	ref, err := apiClient.Reindex(cmd.Context(), tenantID, args[0])
	if err != nil {
		return fmt.Errorf("reindex: %w", err)
	}
	return reportJobRef(cmd, ref, reindexWatch)
}

func reportJobRef(cmd *cobra.Command, ref *models.JobRef, watch bool) error {
	out := cmd.OutOrStdout()
	if ref.Deduplicated {
		fmt.Fprintf(out, "Job %s already running for %s/%s (%s)\n", ref.JobID, ref.TenantID, ref.CollectionID, ref.Status)
	} else {
		fmt.Fprintf(out, "Started job %s for %s/%s\n", ref.JobID, ref.TenantID, ref.CollectionID)
	}
	if !watch {
		fmt.Fprintf(out, "Use 'sitekb status -t %s %s' to check progress.\n", ref.TenantID, ref.CollectionID)
		return nil
	}
	return watchJob(cmd, ref.TenantID, ref.CollectionID)
}
