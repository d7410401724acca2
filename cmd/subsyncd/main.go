// Command subsyncd receives billing webhooks, keeps the local subscription
// state in sync and serves entitlement and checkout endpoints.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	GitCommit = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var envFile string

	root := &cobra.Command{
		Use:           "subsyncd",
		Short:         "Webhook-driven subscription state sync",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file to load before the process environment")

	root.AddCommand(
		serveCmd(&envFile),
		reconcileCmd(&envFile),
		deadLettersCmd(&envFile),
		migrateCmd(&envFile),
		purgeEventsCmd(&envFile),
		versionCmd(),
	)
	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "subsyncd %s (%s)\n", Version, GitCommit)
		},
	}
}
