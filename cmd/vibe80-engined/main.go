// Command vibe80-engined is the orchestration engine's entrypoint: a daemon
// that drives long-lived coding-agent sessions over cloned Git repositories.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "vibe80-engined",
	Short: "Multi-tenant orchestration engine for long-lived coding agent sessions",
	Long: `vibe80-engined drives Codex/Claude/Gemini coding agents against cloned Git
repositories on behalf of many workspaces. It exposes an HTTP API for session
and worktree lifecycle management and a WebSocket API for streaming agent
turns, diffs, and message history to connected clients.`,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(gcOnceCmd)
	rootCmd.AddCommand(migrateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
