package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "stackctl",
	Short: "Bring multi-service deployments up in dependency order",
	Long: `stackctl reads a declarative service graph (services with typed
startup dependencies, health checks, restart policies, volumes and
networks), validates it, and brings the deployment up in correct order:
health-gated and completion-gated dependencies hold dependents back
until their condition is met, failures are retried per restart policy,
and teardown runs in strict reverse dependency order.`,
	// SilenceUsage keeps cobra from printing usage on errors we handle
	// ourselves (bad declarations, runtime failures)
	SilenceUsage: true,
}

// SetVersion sets the version for the root command
func SetVersion(v string) {
	rootCmd.Version = v
}

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main().
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "stackctl version %s\n" .Version}}`)

	if err := rootCmd.Execute(); err != nil {
		// Cobra prints the error, we just exit non-zero
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(newUpCmd())
	rootCmd.AddCommand(newDownCmd())
	rootCmd.AddCommand(newValidateCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newVersionCmd())
}
