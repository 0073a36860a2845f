// Package cmd implements CLI commands using cobra framework.
package cmd

import (
	"github.com/spf13/cobra"
)

// version is overridden at build time with -ldflags "-X".
var version = "0.1.0"

// NewRootCommand builds the command tree.
func NewRootCommand() *cobra.Command {
	var configFile string

	root := &cobra.Command{
		Use:   "dpslens",
		Short: "dpslens - combat telemetry from game server traffic",
		Long: `dpslens reconstructs a live combat feed from the byte stream a game server
sends to its client. It decodes and validates frames, tracks the session,
keeps a consistent world snapshot and emits damage and heal events.

Recorded traffic is replayed from pcap files; events are available on the
console, a websocket feed and Prometheus metrics.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&configFile, "config", "c", "",
		"config file path (defaults and DPSLENS_* environment when empty)")

	root.AddCommand(newReplayCommand(&configFile))
	root.AddCommand(newValidateCommand(&configFile))
	root.AddCommand(newCtlCommand(&configFile))
	return root
}

// Execute runs the root command.
func Execute() error {
	return NewRootCommand().Execute()
}
