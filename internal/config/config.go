// Package config loads the dpslens configuration using viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"firestige.xyz/dpslens/internal/analyzer"
	"firestige.xyz/dpslens/internal/core"
	"firestige.xyz/dpslens/internal/emitter"
	"firestige.xyz/dpslens/internal/log"
	"firestige.xyz/dpslens/internal/protocol"
	"firestige.xyz/dpslens/internal/session"
	"firestige.xyz/dpslens/internal/source/pcapfile"
)

// Config is the full process configuration.
type Config struct {
	Log      log.Config              `mapstructure:"log" yaml:"log"`
	Decoder  protocol.Limits         `mapstructure:"decoder" yaml:"decoder"`
	Session  session.Config          `mapstructure:"session" yaml:"session"`
	Emitter  emitter.Config          `mapstructure:"emitter" yaml:"emitter"`
	Dispatch analyzer.DispatchConfig `mapstructure:"dispatch" yaml:"dispatch"`
	Capture  pcapfile.Config         `mapstructure:"capture" yaml:"capture"`
	Metrics  MetricsConfig           `mapstructure:"metrics" yaml:"metrics"`
	Feed     FeedConfig              `mapstructure:"feed" yaml:"feed"`
	Control  ControlConfig           `mapstructure:"control" yaml:"control"`
}

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Listen  string `mapstructure:"listen" yaml:"listen"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// FeedConfig contains the websocket feed settings.
type FeedConfig struct {
	Enabled      bool          `mapstructure:"enabled" yaml:"enabled"`
	Listen       string        `mapstructure:"listen" yaml:"listen"`
	Path         string        `mapstructure:"path" yaml:"path"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
}

// ControlConfig contains the local control socket settings.
type ControlConfig struct {
	Socket string `mapstructure:"socket" yaml:"socket"` // Empty = disabled
}

// Analyzer returns the per-connection analyzer configuration.
func (c *Config) Analyzer() analyzer.Config {
	return analyzer.Config{Decoder: c.Decoder, Session: c.Session}
}

// Validate checks ranges and enumerations. Errors wrap
// core.ErrConfigInvalid.
func (c *Config) Validate() error {
	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "warning": true, "error": true}
	if !validLevels[strings.ToLower(c.Log.Level)] {
		return invalid("log.level %q (must be trace/debug/info/warn/error)", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case log.FormatPattern, log.FormatJSON:
	default:
		return invalid("log.format %q (must be pattern/json)", c.Log.Format)
	}
	if c.Log.File.Enabled && c.Log.File.Filename == "" {
		return invalid("log.file.filename is required when log.file.enabled=true")
	}

	if c.Decoder.MaxFrameLen < protocol.HeaderLen || c.Decoder.MaxFrameLen > protocol.DefaultMaxFrameLen {
		return invalid("decoder.max_frame_len %d (must be in [%d, %d])",
			c.Decoder.MaxFrameLen, protocol.HeaderLen, protocol.DefaultMaxFrameLen)
	}

	if c.Session.FailureThreshold < 1 {
		return invalid("session.failure_threshold %d (must be >= 1)", c.Session.FailureThreshold)
	}
	if c.Session.ReorderWindow == 0 {
		return invalid("session.reorder_window must be > 0")
	}

	if c.Emitter.QueueSize < 1 {
		return invalid("emitter.queue_size %d (must be >= 1)", c.Emitter.QueueSize)
	}
	if c.Emitter.BackpressureTimeout < 0 || c.Emitter.DedupeWindow < 0 {
		return invalid("emitter durations must not be negative")
	}

	if c.Dispatch.Partitions < 1 {
		return invalid("dispatch.partitions %d (must be >= 1)", c.Dispatch.Partitions)
	}
	if c.Dispatch.QueueSize < 1 {
		return invalid("dispatch.queue_size %d (must be >= 1)", c.Dispatch.QueueSize)
	}
	if c.Dispatch.SubmitTimeout <= 0 {
		return invalid("dispatch.submit_timeout must be > 0")
	}

	for _, p := range c.Capture.ServerPorts {
		if p == 0 {
			return invalid("capture.server_ports must not contain 0")
		}
	}

	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		return invalid("metrics.listen is required when metrics.enabled=true")
	}
	if c.Feed.Enabled && c.Feed.Listen == "" {
		return invalid("feed.listen is required when feed.enabled=true")
	}
	return nil
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{core.ErrConfigInvalid}, args...)...)
}
