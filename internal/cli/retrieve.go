package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/sitekb/internal/api"
	"github.com/raphaelgruber/sitekb/internal/models"
)

var (
	retrieveTopK  int
	retrieveTypes []string
	retrieveJSON  bool
)

var retrieveCmd = &cobra.Command{
	Use:   "retrieve <collection> <question...>",
	Short: "Retrieve context for a question",
	Long: `Retrieve the passages of a collection most relevant to a question,
assembled into a single context block with their sources.

Examples:
  sitekb retrieve -t acme site "what is the refund policy"
  sitekb retrieve -t acme site shipping times --type faq --top-k 5
  sitekb retrieve -t acme site "pricing" --json`,
	Args: cobra.MinimumNArgs(2),
	RunE: runRetrieve,
}

func init() {
	retrieveCmd.Flags().IntVarP(&retrieveTopK, "top-k", "k", 0, "number of passages (3-5, server default if 0)")
	retrieveCmd.Flags().StringSliceVar(&retrieveTypes, "type", nil, "only these document types (webpage, faq, product, article)")
	retrieveCmd.Flags().BoolVar(&retrieveJSON, "json", false, "print the raw JSON response")
}

func runRetrieve(cmd *cobra.Command, args []string) error {
	if err := requireTenant(); err != nil {
		return err
	}
	req := api.RetrieveRequest{
		Query: strings.Join(args[1:], " "),
		TopK:  retrieveTopK,
	}
	for _, t := range retrieveTypes {
		dt := models.DocumentType(strings.ToLower(t))
		if !dt.Valid() {
			return fmt.Errorf("unknown document type %q", t)
		}
		req.Types = append(req.Types, dt)
	}

	res, err := apiClient.Retrieve(cmd.Context(), tenantID, args[0], req)
	if err != nil {
		return fmt.Errorf("retrieve: %w", err)
	}

	out := cmd.OutOrStdout()
	if retrieveJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	if res.NoKnowledge {
		fmt.Fprintln(out, "No relevant knowledge found.")
		return nil
	}

	fmt.Fprintln(out, res.Context)
	fmt.Fprintln(out, "\nSources:")
	for i, s := range res.Sources {
		title := s.Title
		if title == "" {
			title = s.URL
		}
		fmt.Fprintf(out, "  %d. %s [%s] %.3f\n     %s\n", i+1, title, s.Type, s.Score, s.URL)
	}
	return nil
}
