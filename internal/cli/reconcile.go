package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Remove orphaned vectors and documents of a tenant",
	Long: `Sweep a tenant for vectors without documents and documents without
vectors, left behind by interrupted deletes or upserts.

Examples:
  sitekb reconcile -t acme`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireTenant(); err != nil {
			return err
		}
		report, err := apiClient.Reconcile(cmd.Context(), tenantID)
		if err != nil {
			return fmt.Errorf("reconcile: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %d orphan vectors and %d orphan documents\n",
			report.OrphanVectors, report.OrphanDocuments)
		return nil
	},
}
