package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var jobsLimit int

var jobsCmd = &cobra.Command{
	Use:   "jobs [job-id]",
	Short: "List or inspect indexing jobs",
	Long: `List the indexing jobs of a tenant or inspect a specific job by ID.

Examples:
  sitekb jobs -t acme           # List jobs of tenant acme
  sitekb jobs 3f2a...           # Show details for one job`,
	Args: cobra.MaximumNArgs(1),
	RunE: runJobs,
}

func init() {
	jobsCmd.Flags().IntVarP(&jobsLimit, "limit", "n", 20, "maximum jobs to list")
}

func runJobs(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	if len(args) == 1 {
		job, err := apiClient.GetJob(ctx, args[0])
		if err != nil {
			return fmt.Errorf("get job: %w", err)
		}
		printJob(out, job)
		return nil
	}

	if err := requireTenant(); err != nil {
		return err
	}
	jobs, err := apiClient.ListJobs(ctx, tenantID, jobsLimit)
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}
	if len(jobs) == 0 {
		fmt.Fprintln(out, "No jobs found")
		return nil
	}

	fmt.Fprintf(out, "%-36s %-16s %-11s %-9s %-6s %s\n", "ID", "COLLECTION", "STATUS", "PAGES", "DOCS", "STARTED")
	fmt.Fprintln(out, "------------------------------------------------------------------------------------------------")
	for _, job := range jobs {
		pages := fmt.Sprintf("%d/%d", job.PagesProcessed, job.PagesFound)
		fmt.Fprintf(out, "%-36s %-16s %-11s %-9s %-6d %s\n",
			job.JobID, job.CollectionID, job.Status, pages, job.DocumentsIndexed, job.StartedAt.Format("2006-01-02 15:04"))
	}
	return nil
}
