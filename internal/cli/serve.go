package cli

import (
	"github.com/spf13/cobra"

	"github.com/nghyane/llm-relay/internal/bootstrap"
	"github.com/nghyane/llm-relay/internal/logging"
	"github.com/nghyane/llm-relay/internal/service"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the relay server",
	Long: `Start the relay API server.

Loads the configuration, restores persisted conversations, and serves
the Responses API until interrupted.`,
	RunE: func(c *cobra.Command, args []string) error {
		return runServe(c)
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "listen port (overrides config)")
}

func runServe(c *cobra.Command) error {
	logging.SetupBaseLogger()

	result, err := bootstrap.Bootstrap(cfgFile)
	if err != nil {
		return err
	}
	cfg := result.Config
	if servePort != 0 {
		cfg.Port = servePort
	}

	logging.SetDebug(cfg.Debug)
	if err := logging.ConfigureLogOutput(cfg.LoggingToFile); err != nil {
		return err
	}

	svc, err := service.New(c.Context(), cfg, result.ConfigFilePath)
	if err != nil {
		return err
	}
	return svc.Run(c.Context())
}
