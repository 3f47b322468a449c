// Package main is the CLI entry point for the chat gateway.
//
// Start the server:
//
//	gateway serve --config gateway.yaml
//
// Issue a development token for an existing user:
//
//	gateway token --user-id 1 --username alice
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "gateway",
		Short:        "Real-time chat messaging and presence gateway",
		Version:      fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage: true,
	}
	rootCmd.AddCommand(buildServeCmd(), buildTokenCmd())
	return rootCmd
}
