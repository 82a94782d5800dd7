// Sanduku — remote sandbox session manager.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "sanduku",
	Short: "Sanduku — sandboxed code execution sessions for agents and tools.",
	Long: `Sanduku manages named, reusable sandbox sessions on an execution provider
(local Docker containers or a remote runner daemon). It exposes the session
toolset over an HTTP API and over the Model Context Protocol, and bridges
files out of sandboxes onto the local filesystem.`,
	RunE:          runServe, // Default to server mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, execCmd, mcpCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
