package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "chatgate",
	Short: "Chat bot gateway with rate limiting, isolation and plugins",
	Long: `chatgate connects chat transports (Telegram, OneBot v11) to an AI
provider through a dispatch engine that rate limits senders, serializes
each conversation and runs every message through a staged pipeline.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
