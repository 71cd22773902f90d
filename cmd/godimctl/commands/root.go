package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// client talks to the daemon's admin API, initialized in PersistentPreRun.
	client *adminClient

	// outputFormat controls the output format for all commands (table or json).
	outputFormat string

	// serverAddr is the daemon admin address (host:port).
	serverAddr string
)

// rootCmd is the top-level cobra command for godimctl.
var rootCmd = &cobra.Command{
	Use:   "godimctl",
	Short: "CLI client for the godim station daemon",
	Long:  "godimctl communicates with the godim daemon over its JSON admin API to inspect sessions.",
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		client = newAdminClient(serverAddr)
	},
	// Silence cobra's built-in usage/error printing so we control it.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr", "localhost:9396",
		"godim admin API address (host:port)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table",
		"output format: table, json")

	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(shellCmd())
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
