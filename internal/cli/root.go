// Package cli implements the llm-relay command line interface.
package cli

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	cfgFile   string
	noBrowser bool
)

var rootCmd = &cobra.Command{
	Use:   "llm-relay",
	Short: "Relay a conversational backend behind an OpenAI Responses API",
	Long: `llm-relay exposes a single conversational backend as an OpenAI
Responses-compatible API: requests run one at a time over the backend
stream, conversation state lives server-side, and a background scheduler
persists it.

Running llm-relay with no subcommand starts the server.`,
	SilenceUsage: true,
	RunE: func(c *cobra.Command, args []string) error {
		return runServe(c)
	},
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default $XDG_CONFIG_HOME/llm-relay/config.yaml)")
	pf.BoolVar(&noBrowser, "no-browser", false, "print login URLs instead of opening a browser")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(versionCmd)
}
