package cli

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var (
	deleteForce bool
)

var deleteCmd = &cobra.Command{
	Use:   "delete <collection>",
	Short: "Delete every document of a collection",
	Long: `Delete every document of a collection. Refused while an indexing job
for the collection is running; cancel it first.

Requires confirmation unless --force is used.

Examples:
  sitekb delete -t acme site
  sitekb delete -t acme old-blog --force`,
	Args: cobra.ExactArgs(1),
	RunE: runDelete,
}

func init() {
	deleteCmd.Flags().BoolVarP(&deleteForce, "force", "f", false, "skip confirmation")
}

func runDelete(cmd *cobra.Command, args []string) error {
	if err := requireTenant(); err != nil {
		return err
	}
	collection := args[0]
	out := cmd.OutOrStdout()

	if !deleteForce {
		fmt.Fprintf(out, "About to delete collection %s/%s\n", tenantID, collection)
		fmt.Fprint(out, "\nContinue? [y/N]: ")

		reader := bufio.NewReader(cmd.InOrStdin())
		answer, _ := reader.ReadString('\n')
		answer = strings.TrimSpace(strings.ToLower(answer))
		if answer != "y" && answer != "yes" {
			fmt.Fprintln(out, "Aborted")
			return nil
		}
	}

	report, err := apiClient.DeleteCollection(cmd.Context(), tenantID, collection)
	if err != nil {
		return fmt.Errorf("delete collection: %w", err)
	}
	fmt.Fprintf(out, "Deleted %d documents and %d vectors\n", report.Documents, report.Vectors)
	return nil
}
