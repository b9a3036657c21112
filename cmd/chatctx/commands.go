package main

import (
	"github.com/spf13/cobra"
)

// buildChatCmd creates the "chat" command that runs an interactive session
// against the configured provider, with context managed by chatctx.
func buildChatCmd() *cobra.Command {
	var (
		configPath string
		userID     string
		chatID     string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat session",
		Long: `Start an interactive chat session with managed context.

Each exchange is appended to the chat's context window and persisted.
When the window exceeds the configured token or turn budget, older turns
are summarized in the background; the summary is injected into later
prompts in place of the folded turns.

Session commands:
  /stats    show cache and summarization stats
  /summary  show the current rolling summary
  /reset    delete this chat's context and history
  /quit     exit`,
		Example: `  # Chat with the default config
  chatctx chat --user alice --chat demo

  # Chat against a custom config
  chatctx chat --config /etc/chatctx/prod.yaml --user alice --chat support-42`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd.Context(), resolveConfigPath(configPath), userID, chatID, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVarP(&userID, "user", "u", "local", "User identity for the session")
	cmd.Flags().StringVar(&chatID, "chat", "default", "Chat identity for the session")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging (verbose output)")

	return cmd
}

// buildInitCmd creates the "init" command that writes a starter config file.
func buildInitCmd() *cobra.Command {
	var (
		configPath string
		force      bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter configuration file",
		Example: `  # Write chatctx.yaml in the current directory
  chatctx init

  # Write to a custom location
  chatctx init --config /etc/chatctx/chatctx.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(resolveConfigPath(configPath), force)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to write the configuration file")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing file")

	return cmd
}
