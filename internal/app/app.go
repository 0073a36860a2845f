// Package app wires the analyzer pipeline and its outbound surfaces from
// a loaded configuration.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"firestige.xyz/dpslens/internal/analyzer"
	"firestige.xyz/dpslens/internal/config"
	"firestige.xyz/dpslens/internal/control"
	"firestige.xyz/dpslens/internal/emitter"
	"firestige.xyz/dpslens/internal/log"
	"firestige.xyz/dpslens/internal/metrics"
	"firestige.xyz/dpslens/internal/seqid"
	"firestige.xyz/dpslens/internal/session"
	"firestige.xyz/dpslens/internal/sink/console"
	"firestige.xyz/dpslens/internal/sink/feed"
	"firestige.xyz/dpslens/internal/source/pcapfile"
)

// Options toggles optional consumers.
type Options struct {
	// PrintEvents logs every combat event through the console sink.
	PrintEvents bool
	// Logger overrides the logger built from the configuration.
	Logger log.Logger
}

// FlowSummary is the end state of one connection.
type FlowSummary struct {
	Flow     string                `yaml:"flow"`
	State    session.State         `yaml:"state"`
	Entities int                   `yaml:"entities"`
	Version  uint64                `yaml:"snapshot_version"`
	Drops    analyzer.DropCounters `yaml:"drops"`
}

// Summary reports what a run produced.
type Summary struct {
	Capture      pcapfile.Stats `yaml:"capture"`
	Events       emitter.Stats  `yaml:"events"`
	IngressDrops uint64         `yaml:"ingress_drops"`
	Flows        []FlowSummary  `yaml:"flows"`
}

// App owns every long lived component of a run.
type App struct {
	cfg      *config.Config
	logger   log.Logger
	registry *prometheus.Registry
	metrics  *metrics.Collector
	emitter  *emitter.Emitter
	manager  *analyzer.Manager

	metricsServer *metrics.Server
	feedServer    *feed.Server
	controlServer *control.Server
	console       *console.Sink
	consoleDone   chan struct{}
	cancel        context.CancelFunc
	capture       pcapfile.Stats
}

// New builds the pipeline. Nothing is listening until Start.
func New(cfg *config.Config, opts Options) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		var err error
		if logger, err = log.New(cfg.Log); err != nil {
			return nil, fmt.Errorf("failed to initialize logging: %w", err)
		}
	}

	a := &App{cfg: cfg, logger: logger, registry: prometheus.NewRegistry()}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.NewCollector(a.registry)

	a.emitter = emitter.New(cfg.Emitter, seqid.New(),
		emitter.WithLogger(logger.WithField("component", "emitter")),
		emitter.WithMetrics(a.metrics))

	acfg := cfg.Analyzer()
	alog := logger.WithField("component", "analyzer")
	a.manager = analyzer.NewManager(cfg.Dispatch, func(flow string) *analyzer.Analyzer {
		return analyzer.New(flow, acfg,
			analyzer.WithLogger(alog),
			analyzer.WithMetrics(a.metrics),
			analyzer.WithEmitter(a.emitter))
	}, logger.WithField("component", "dispatch"), a.metrics)

	if opts.PrintEvents {
		a.console = console.New(a.emitter, logger.WithField("component", "console"))
	}
	return a, nil
}

// Start brings up the enabled servers and the console sink.
func (a *App) Start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)

	// 1. Metrics
	if a.cfg.Metrics.Enabled {
		a.metricsServer = metrics.NewServer(a.cfg.Metrics.Listen, a.cfg.Metrics.Path, a.registry, a.logger)
		if err := a.metricsServer.Start(ctx); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
	}

	// 2. Live feed
	if a.cfg.Feed.Enabled {
		h := feed.NewHandler(a.emitter, feed.HandlerConfig{
			WriteTimeout: a.cfg.Feed.WriteTimeout,
			Logger:       a.logger.WithField("component", "feed"),
		})
		a.feedServer = feed.NewServer(a.cfg.Feed.Listen, a.cfg.Feed.Path, h, a.logger)
		if err := a.feedServer.Start(); err != nil {
			return fmt.Errorf("failed to start feed server: %w", err)
		}
	}

	// 3. Control socket
	if a.cfg.Control.Socket != "" {
		h := control.NewHandler(a.manager, a.emitter, a.logger.WithField("component", "control"))
		a.controlServer = control.NewServer(a.cfg.Control.Socket, h, a.logger)
		if err := a.controlServer.Start(ctx); err != nil {
			return fmt.Errorf("failed to start control server: %w", err)
		}
	}

	// 4. Console
	if a.console != nil {
		a.consoleDone = make(chan struct{})
		go func() {
			defer close(a.consoleDone)
			a.console.Run(ctx)
		}()
	}
	return nil
}

// Replay drives the pipeline from a pcap file and waits until every
// chunk was processed.
func (a *App) Replay(ctx context.Context, path string) (pcapfile.Stats, error) {
	src := pcapfile.New(a.cfg.Capture, a.manager, a.logger.WithField("component", "pcap"))
	a.logger.WithField("file", path).Info("replaying capture")

	start := time.Now()
	stats, err := src.ReplayFile(ctx, path)
	a.capture = stats
	if err != nil {
		return stats, err
	}

	flushCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := a.manager.Flush(flushCtx); err != nil {
		return stats, fmt.Errorf("failed to flush analyzers: %w", err)
	}
	a.logger.WithField("elapsed", time.Since(start).String()).Info("replay processed")
	return stats, nil
}

// Summary returns counters and the state of every flow seen so far.
func (a *App) Summary() Summary {
	s := Summary{
		Capture:      a.capture,
		Events:       a.emitter.Stats(),
		IngressDrops: a.manager.IngressDrops(),
	}
	for _, flow := range a.manager.Flows() {
		an, ok := a.manager.Analyzer(flow)
		if !ok {
			continue
		}
		snap := an.Snapshot()
		s.Flows = append(s.Flows, FlowSummary{
			Flow:     flow,
			State:    an.CurrentSessionState(),
			Entities: snap.Len(),
			Version:  snap.Version(),
			Drops:    an.DropCounters(),
		})
	}
	return s
}

// Emitter exposes the shared emitter for in-process subscribers.
func (a *App) Emitter() *emitter.Emitter { return a.emitter }

// Manager exposes the dispatcher.
func (a *App) Manager() *analyzer.Manager { return a.manager }

// MetricsAddr returns the bound metrics address, empty when disabled.
func (a *App) MetricsAddr() string {
	if a.metricsServer == nil {
		return ""
	}
	return a.metricsServer.Addr()
}

// FeedAddr returns the bound feed address, empty when disabled.
func (a *App) FeedAddr() string {
	if a.feedServer == nil {
		return ""
	}
	return a.feedServer.Addr()
}

// Stop drains the analyzers, then closes every consumer and server.
func (a *App) Stop(ctx context.Context) {
	a.logger.Info("initiating graceful shutdown")

	if a.controlServer != nil {
		if err := a.controlServer.Stop(); err != nil {
			a.logger.WithError(err).Error("error stopping control server")
		}
	}

	a.manager.Stop()
	// Closing the emitter ends the console sink and every feed client.
	a.emitter.Close()
	if a.consoleDone != nil {
		<-a.consoleDone
	}
	if a.cancel != nil {
		a.cancel()
	}

	if a.feedServer != nil {
		if err := a.feedServer.Stop(ctx); err != nil {
			a.logger.WithError(err).Error("error stopping feed server")
		}
	}
	if a.metricsServer != nil {
		if err := a.metricsServer.Stop(ctx); err != nil {
			a.logger.WithError(err).Error("error stopping metrics server")
		}
	}
	a.logger.Info("stopped")
}

// Healthy reports whether no flow ended faulted.
func (s Summary) Healthy() bool {
	for _, f := range s.Flows {
		if f.State == session.StateFaulted {
			return false
		}
	}
	return true
}
