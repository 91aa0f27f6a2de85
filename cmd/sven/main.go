// Package main provides the CLI entry point for Sven, a distributed
// agent runtime node.
//
// Sven runs an agentic Turn Engine behind a Control Service, delegates
// and accepts tasks over a peer-to-peer Task Router, and exposes both
// to an operator through a TUI submission pipeline.
//
// # Basic Usage
//
// Start a node (control WebSocket + task router):
//
//	sven node start --config sven.yaml
//
// Open the interactive TUI against a running or embedded node:
//
//	sven tui --model claude-sonnet-4-5
//
// Manage peer trust:
//
//	sven node list-peers
//	sven node authorize <peer-id>
//
// # Environment Variables
//
//   - SVEN_CONFIG: path to configuration file (default: sven.yaml)
//   - ANTHROPIC_API_KEY: Anthropic API key for Claude models
//   - OPENAI_API_KEY: OpenAI-compatible API key
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
//
// Example build command:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var configPath string

// main is the entry point for the Sven CLI. It sets up the root
// command and all subcommands, then executes based on CLI args.
func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "sven",
		Short: "Sven - distributed agent runtime",
		Long: `Sven runs an agentic Turn Engine behind a Control Service, a
peer-to-peer Task Router for delegating and accepting remote work, and
a TUI submission pipeline for interactive operators.

Supported LLM providers: Anthropic (Claude), OpenAI-compatible, AWS Bedrock`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to configuration file (or set SVEN_CONFIG)")

	rootCmd.AddCommand(
		buildNodeCmd(),
		buildTUICmd(),
	)

	return rootCmd
}

func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	if env := os.Getenv("SVEN_CONFIG"); env != "" {
		return env
	}
	return ""
}
