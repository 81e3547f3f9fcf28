// Package cli provides the command-line interface for sitekb.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/sitekb/internal/client"
	"github.com/raphaelgruber/sitekb/internal/config"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	// Global flags
	verbose   bool
	serverURL string
	tenantID  string

	apiClient *client.Client
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "sitekb",
	Short: "Multi-tenant website knowledge base",
	Long: `sitekb crawls websites into per-tenant collections and retrieves
grounded context for questions about them.

Every command talks to a running sitekb-server.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" || cmd.Name() == "help" {
			return nil
		}
		if serverURL == "" {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			serverURL = cfg.ServerURL
		}
		if tenantID == "" {
			tenantID = os.Getenv("SITEKB_TENANT")
		}
		apiClient = client.New(serverURL)
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "server URL (default from SITEKB_SERVER_URL)")
	rootCmd.PersistentFlags().StringVarP(&tenantID, "tenant", "t", "", "tenant id (default from SITEKB_TENANT)")

	rootCmd.AddCommand(indexCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(reindexCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(retrieveCmd)
	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(reconcileCmd)
	rootCmd.AddCommand(statsCmd)
}

// requireTenant fails commands that need a tenant when none is set.
func requireTenant() error {
	if tenantID == "" {
		return fmt.Errorf("tenant is required: pass --tenant or set SITEKB_TENANT")
	}
	return nil
}
