package cmd

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/joescharf/relay/internal/mcp"
	"github.com/joescharf/relay/internal/surface"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP stdio server for agent integration",
	Long: `Start an MCP (Model Context Protocol) server on stdio.

This lets an agent query relay natively for codebases, conversations,
and sessions, and dispatch work. Configure with:

  {
    "mcpServers": {
      "relay": { "command": "relay", "args": ["mcp"] }
    }
  }

Available tools: relay_list_codebases, relay_list_conversations,
relay_list_sessions, relay_dispatch, relay_close_thread`,
	RunE: func(cmd *cobra.Command, args []string) error {
		// Stdout carries the MCP protocol; agent output goes to stderr.
		orch, err := getOrchestrator(&surface.ConsoleMessenger{Out: os.Stderr})
		if err != nil {
			return err
		}
		s, err := getStore()
		if err != nil {
			return err
		}

		srv := mcp.NewServer(s, orch)
		return srv.ServeStdio(context.Background())
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}
