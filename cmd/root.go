package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/terraconstructs/jitaccess/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "jitaccess",
	Short: "Just-in-time access broker for group-based cloud entitlements",
	Long: `jitaccess brokers time-bound access to cloud resources. Users join
policy-defined groups, optionally after peer approval, and the service
provisions directory memberships and temporary IAM role bindings.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		return nil
	},
}

func init() {
	// Global flags document their environment variable counterparts; the
	// environment is the source of truth.
	rootCmd.PersistentFlags().String("server-addr", "", "Server bind address (env: SERVER_ADDR)")
	rootCmd.PersistentFlags().String("policy-paths", "", "Policy files or directories, comma separated (env: POLICY_PATHS)")
	rootCmd.PersistentFlags().String("db-url", "", "Proposal ledger connection URL (env: DATABASE_URL)")
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging (env: DEBUG)")
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
