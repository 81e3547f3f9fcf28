package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/sitekb/internal/models"
)

var statusWatch bool

var statusCmd = &cobra.Command{
	Use:   "status <collection>",
	Short: "Show the current or last indexing job of a collection",
	Long: `Show the current or most recent indexing job of a collection.

Examples:
  sitekb status -t acme site
  sitekb status -t acme site --watch`,
	Args: cobra.ExactArgs(1),
	RunE: runStatus,
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <collection>",
	Short: "Cancel the running indexing job of a collection",
	Long: `Cancel the running indexing job of a collection. Documents indexed
before the cancellation stay searchable.

Examples:
  sitekb cancel -t acme site`,
	Args: cobra.ExactArgs(1),
	RunE: runCancel,
}

func init() {
	statusCmd.Flags().BoolVarP(&statusWatch, "watch", "w", false, "follow progress until the job ends")
}

func runStatus(cmd *cobra.Command, args []string) error {
	if err := requireTenant(); err != nil {
		return err
	}
	if statusWatch {
		return watchJob(cmd, tenantID, args[0])
	}
	job, err := apiClient.GetStatus(cmd.Context(), tenantID, args[0])
	if err != nil {
		return fmt.Errorf("get status: %w", err)
	}
	printJob(cmd.OutOrStdout(), job)
	return nil
}

func runCancel(cmd *cobra.Command, args []string) error {
	if err := requireTenant(); err != nil {
		return err
	}
	job, err := apiClient.Cancel(cmd.Context(), tenantID, args[0])
	if err != nil {
		return fmt.Errorf("cancel: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Cancellation requested for job %s (%s)\n", job.JobID, job.Status)
	return nil
}

// printJob writes a human readable job summary.
func printJob(w io.Writer, job *models.IndexingJob) {
	fmt.Fprintf(w, "Job: %s\n", job.JobID)
	fmt.Fprintf(w, "  Collection: %s/%s\n", job.TenantID, job.CollectionID)
	fmt.Fprintf(w, "  Domain: %s\n", job.Domain)
	fmt.Fprintf(w, "  Status: %s\n", job.Status)
	fmt.Fprintf(w, "  Pages: %d found, %d processed, %d failed, %d dropped\n",
		job.PagesFound, job.PagesProcessed, job.PagesFailed, job.PagesDropped)
	fmt.Fprintf(w, "  Documents: %d indexed", job.DocumentsIndexed)
	if job.DocumentsFailed > 0 {
		fmt.Fprintf(w, ", %d failed", job.DocumentsFailed)
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  Started: %s\n", job.StartedAt.Format(time.RFC3339))
	if job.CompletedAt != nil {
		fmt.Fprintf(w, "  Completed: %s\n", job.CompletedAt.Format(time.RFC3339))
		fmt.Fprintf(w, "  Duration: %s\n", job.CompletedAt.Sub(job.StartedAt).Round(time.Second))
	}
	if job.CancelRequested && !job.Status.Terminal() {
		fmt.Fprintln(w, "  Cancel requested")
	}
	if job.Error != "" {
		fmt.Fprintf(w, "  Error: %s\n", job.Error)
	}
	if verbose && job.Owner != "" {
		fmt.Fprintf(w, "  Owner: %s\n", job.Owner)
	}
}
