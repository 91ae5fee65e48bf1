package cmd

import (
	"github.com/helmsman-ops/helmsman/internal/api"
	"github.com/helmsman-ops/helmsman/internal/config"
	"github.com/helmsman-ops/helmsman/internal/telemetry"
	"github.com/spf13/cobra"
)

var agentServerCmd = &cobra.Command{
	Use:   "agent-server",
	Short: "Start Agent Server",
	Run: func(cmd *cobra.Command, args []string) {
		conf := config.ReadConfig()

		shutdownTelemetry := telemetry.NewProvider(conf.OTEL_EXPORTER_OTLP_ENDPOINT)
		defer shutdownTelemetry()

		s := api.New(conf)
		s.Start()
	},
}

// Register the "agent-server" command
func init() {
	rootCmd.AddCommand(agentServerCmd)
}
