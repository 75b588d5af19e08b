// Package main provides the nexus3 CLI.
//
// nexus3 runs a pool of LLM-backed agents behind a hierarchical permission
// model: each agent streams provider output, dispatches tool calls under
// its policy, and can spawn child agents whose permissions never exceed its
// own.
//
// # Basic Usage
//
// Talk to an agent from the terminal:
//
//	nexus3 chat "summarize ./docs"
//
// Run the runtime as a daemon:
//
//	nexus3 serve --config nexus3.yaml
//
// Inspect saved sessions:
//
//	nexus3 agents list
//
// # Environment Variables
//
//   - NEXUS3_CONFIG: path to the configuration file (default: nexus3.yaml)
//   - Provider API keys per config (e.g. ANTHROPIC_API_KEY, OPENAI_API_KEY)
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached. It is
// separated from main to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "nexus3",
		Short: "nexus3 - multi-agent LLM runtime",
		Long: `nexus3 orchestrates a pool of LLM-backed agents.

Each agent runs a streaming turn loop with tool execution gated by a
hierarchical permission model. Sessions persist across restarts through
the snapshot store.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildChatCmd(),
		buildAgentsCmd(),
		buildSchemaCmd(),
		buildVersionCmd(),
	)

	return rootCmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "nexus3 %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}
