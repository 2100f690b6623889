package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nghyane/llm-relay/internal/buildinfo"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the relay version",
	Run: func(c *cobra.Command, args []string) {
		if buildinfo.Commit != "" {
			fmt.Printf("llm-relay %s (%s)\n", buildinfo.Version, buildinfo.Commit)
			return
		}
		fmt.Printf("llm-relay %s\n", buildinfo.Version)
	},
}
