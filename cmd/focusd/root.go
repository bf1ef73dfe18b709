package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version    = "dev"
	configPath string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "focusd",
	Short: "focusd - Deep Focus session synchronization daemon",
	Long: `focusd keeps a single Deep Focus session consistent across every context
that can observe or mutate it: the local control API, browser extensions
connected over WebSocket, and sibling daemons sharing a Redis session log.
Focus time aggregation, override admission, and crash recovery are handled
by the daemon so clients stay thin.`,
	Version: version,
	RunE: func(cmd *cobra.Command, args []string) error {
		// Default to server command when no subcommand is provided
		return runServer(cmd, args)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "/etc/focusd/config.yaml", "Path to configuration file")
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
