package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nghyane/llm-relay/internal/bootstrap"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter config file",
	Long: `Write a starter config file with a freshly minted management secret.

The secret is printed once; management endpoints stay hidden without it.`,
	RunE: func(c *cobra.Command, args []string) error {
		path, secret, err := bootstrap.InitConfig(cfgFile, initForce)
		if err != nil {
			return err
		}
		fmt.Printf("Config written to %s\n", path)
		fmt.Printf("Management secret: %s\n", secret)
		fmt.Println("Set upstream.base-url before starting the server.")
		return nil
	},
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing config file")
}
