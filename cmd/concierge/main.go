// Package main implements the concierge binary: the HTTP ingress, the Temporal
// worker and operator tooling for ticket conversations.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// configPath is the YAML config file; empty uses ~/.config/concierge/config.yaml
	configPath string
	version    = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "concierge",
	Short: "Customer support conversations over specialist plans",
	Long: `concierge routes customer messages to specialist handlers, runs them in
dependency stages and replies with one merged answer. Conversations survive
restarts through a Redis event log (local mode) or Temporal workflows.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.config/concierge/config.yaml)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(replayCmd)
}
