// Package main provides the CLI entry point for the chatctx context manager.
//
// chatctx keeps per-chat conversation context in a bounded in-memory cache,
// persists turns and rolling summaries durably, and folds old turns into
// summaries in the background once a chat outgrows its token budget.
//
// # Basic Usage
//
// Start an interactive chat session:
//
//	chatctx chat --user alice --chat demo
//
// Write a starter configuration file:
//
//	chatctx init --config chatctx.yaml
//
// # Environment Variables
//
//   - CHATCTX_CONFIG: Path to configuration file (default: chatctx.yaml)
//   - ANTHROPIC_API_KEY: Anthropic API key for Claude models
//   - OPENAI_API_KEY: OpenAI API key for GPT models
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "chatctx",
		Short: "chatctx - Chat context manager with background summarization",
		Long: `chatctx manages per-chat conversation context for LLM chat services.

Recent turns live in a bounded LRU cache with TTL expiry; everything
durable (messages, rolling summary, fold cursor) lives in the database.
When a chat's context outgrows its token or turn budget, old turns are
folded into the rolling summary by a background worker without blocking
the conversation.

Supported providers: Anthropic (Claude), OpenAI (GPT)
Supported databases: SQLite, PostgreSQL, in-memory`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildChatCmd(),
		buildInitCmd(),
	)
	return rootCmd
}

// resolveConfigPath applies the flag > environment > default precedence.
func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv("CHATCTX_CONFIG"); env != "" {
		return env
	}
	return "chatctx.yaml"
}
