/*
Copyright © 2026 James Lawson (jpl-au) <hello@caelisco.net>
*/

// root.go defines the root command and CLI execution entry point.
//
// Separated from flags.go to isolate cobra setup from flag definitions.

package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jpl-au/treedb/internal/log"
)

var rootCmd = &cobra.Command{
	Use:   "treedb",
	Short: "Serve any SQLite table as an editable tree",
	Long:  `An HTTP server that exposes an arbitrary SQLite table with an id and a parent column as an editable hierarchy, with runtime schema discovery and session-scoped exclusive access.`,
	Run: func(cmd *cobra.Command, _ []string) {
		_ = cmd.Help()
	},
}

// Execute runs the root command and handles process lifecycle.
// Opens audit logging, executes the command, and exits 1 on error.
func Execute() {
	// Initialise audit logger (warn if it fails, but continue)
	if err := log.Open(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: audit log unavailable: %v\n", err)
	}
	defer log.Close()

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// RootCmd returns the root command for testing.
func RootCmd() *cobra.Command {
	return rootCmd
}
