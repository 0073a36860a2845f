package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"firestige.xyz/dpslens/internal/app"
	"firestige.xyz/dpslens/internal/config"
)

type replayOptions struct {
	printEvents   bool
	metricsListen string
	feedListen    string
	controlSocket string
	ports         []uint
	hold          bool
}

// errUnhealthy is returned when a flow ended faulted.
var errUnhealthy = errors.New("one or more flows ended faulted")

func newReplayCommand(configFile *string) *cobra.Command {
	var opts replayOptions

	cmd := &cobra.Command{
		Use:   "replay <file.pcap>",
		Short: "Replay a pcap capture through the analyzer",
		Long: `Replay recorded game traffic through the analyzer and print a summary.

Examples:
  dpslens replay fight.pcap --port 5003 --print-events
  dpslens replay fight.pcap -c dpslens.yml --feed-listen :8765 --hold
  dpslens replay fight.pcap --control-socket /tmp/dpslens.sock --hold`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configFile)
			if err != nil {
				return err
			}
			opts.apply(cmd, cfg)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runReplay(ctx, cmd, cfg, args[0], opts)
		},
	}

	cmd.Flags().BoolVar(&opts.printEvents, "print-events", false, "log every combat event")
	cmd.Flags().StringVar(&opts.metricsListen, "metrics-listen", "", "serve Prometheus metrics on this address")
	cmd.Flags().StringVar(&opts.feedListen, "feed-listen", "", "serve the websocket feed on this address")
	cmd.Flags().StringVar(&opts.controlSocket, "control-socket", "", "serve the control socket at this path")
	cmd.Flags().UintSliceVarP(&opts.ports, "port", "p", nil, "game server ports (overrides capture.server_ports)")
	cmd.Flags().BoolVar(&opts.hold, "hold", false, "keep serving after the replay until interrupted")
	return cmd
}

func (o *replayOptions) apply(cmd *cobra.Command, cfg *config.Config) {
	if o.metricsListen != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Listen = o.metricsListen
	}
	if o.feedListen != "" {
		cfg.Feed.Enabled = true
		cfg.Feed.Listen = o.feedListen
	}
	if o.controlSocket != "" {
		cfg.Control.Socket = o.controlSocket
	}
	if cmd.Flags().Changed("port") {
		cfg.Capture.ServerPorts = cfg.Capture.ServerPorts[:0]
		for _, p := range o.ports {
			cfg.Capture.ServerPorts = append(cfg.Capture.ServerPorts, uint16(p))
		}
	}
}

func runReplay(ctx context.Context, cmd *cobra.Command, cfg *config.Config, path string, opts replayOptions) error {
	a, err := app.New(cfg, app.Options{PrintEvents: opts.printEvents})
	if err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		a.Stop(stopCtx)
	}()

	if err := a.Start(ctx); err != nil {
		return err
	}
	if _, err := a.Replay(ctx, path); err != nil {
		return err
	}

	summary := a.Summary()
	out, err := yaml.Marshal(summary)
	if err != nil {
		return fmt.Errorf("failed to render summary: %w", err)
	}
	if _, err := cmd.OutOrStdout().Write(out); err != nil {
		return err
	}

	if opts.hold && (cfg.Metrics.Enabled || cfg.Feed.Enabled || cfg.Control.Socket != "") {
		fmt.Fprintf(cmd.ErrOrStderr(), "holding: metrics=%s feed=%s control=%s (interrupt to exit)\n",
			a.MetricsAddr(), a.FeedAddr(), cfg.Control.Socket)
		<-ctx.Done()
	}

	if !summary.Healthy() {
		return errUnhealthy
	}
	return nil
}
