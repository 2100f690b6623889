package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nghyane/llm-relay/internal/auth/login"
	"github.com/nghyane/llm-relay/internal/bootstrap"
	"github.com/nghyane/llm-relay/internal/logging"
)

var loginLabel string

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Authenticate with the upstream backend",
	Long: `Authenticate with the upstream backend via OAuth.

Opens the consent page, waits for the pasted authorization code, and
saves the session under the auth directory. Run it again to add more
sessions; the relay rotates between them.`,
	RunE: func(c *cobra.Command, args []string) error {
		logging.SetupBaseLogger()

		result, err := bootstrap.Bootstrap(cfgFile)
		if err != nil {
			return err
		}

		rec, err := login.Run(c.Context(), result.Config, login.Options{
			NoBrowser: noBrowser,
			Label:     loginLabel,
		})
		if err != nil {
			return err
		}
		fmt.Printf("Saved session %s\n", rec.ID)
		return nil
	},
}

func init() {
	loginCmd.Flags().StringVar(&loginLabel, "label", "", "label for the saved session")
}
