package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/dpslens/internal/config"
	"firestige.xyz/dpslens/internal/control"
)

func newCtlCommand(configFile *string) *cobra.Command {
	var (
		socket  string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "ctl <method> [flow]",
		Short: "Query or control a running replay over its control socket",
		Long: `Send one request to the control socket of a running dpslens process
(replay --hold with control.socket set) and print the JSON result.

Methods:
  flows                 list every flow with its state and drop counters
  flow_status <flow>    one flow
  flow_reset <flow>     reset a faulted flow
  flow_snapshot <flow>  the flow's world snapshot
  stats                 dispatcher and emitter counters

Examples:
  dpslens ctl flows --socket /tmp/dpslens.sock
  dpslens ctl flow_reset "10.0.0.1:5003->192.168.1.20:40000"`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if socket == "" {
				cfg, err := config.Load(*configFile)
				if err != nil {
					return err
				}
				socket = cfg.Control.Socket
			}
			if socket == "" {
				return fmt.Errorf("no control socket: set --socket or control.socket")
			}

			var params interface{}
			if len(args) == 2 {
				params = control.FlowParams{Flow: args[1]}
			}
			raw, err := control.NewClient(socket, timeout).Call(cmd.Context(), args[0], params)
			if err != nil {
				return err
			}

			var out bytes.Buffer
			if err := json.Indent(&out, raw, "", "  "); err != nil {
				return fmt.Errorf("failed to format result: %w", err)
			}
			out.WriteByte('\n')
			_, err = cmd.OutOrStdout().Write(out.Bytes())
			return err
		},
	}

	cmd.Flags().StringVarP(&socket, "socket", "s", "", "control socket path (defaults to control.socket)")
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 5*time.Second, "request timeout")
	return cmd
}
