package main

import (
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var version = "dev"

var (
	noColor   bool
	ownerFlag string
)

var rootCmd = &cobra.Command{
	Use:   "askgram",
	Short: "Ask a human a question over Telegram and collect the answer",
	Long: `askgram relays questions from programs and agents to a Telegram chat and
correlates the replies back to the question that asked them.

Run "askgram serve" for the HTTP API, or register "askgram mcp" with an MCP client.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if noColor {
			color.NoColor = true
		}
	},
}

func init() {
	rootCmd.Version = version
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable coloured output")
	rootCmd.PersistentFlags().StringVar(&ownerFlag, "owner", "", "owner to act as (default: owner.default)")

	rootCmd.AddCommand(serveCmd, mcpCmd, stopCmd)
	rootCmd.AddCommand(askCmd, answerCmd, statusCmd, historyCmd, cleanupCmd)
	rootCmd.AddCommand(configCmd, telegramCmd, mcpConfigCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}
