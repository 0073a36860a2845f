package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"firestige.xyz/dpslens/internal/analyzer"
	"firestige.xyz/dpslens/internal/emitter"
	"firestige.xyz/dpslens/internal/log"
	"firestige.xyz/dpslens/internal/protocol"
	"firestige.xyz/dpslens/internal/session"
)

// EnvPrefix prefixes environment overrides, e.g. DPSLENS_LOG_LEVEL.
const EnvPrefix = "DPSLENS"

const defaultFeedWriteTimeout = 5 * time.Second

// Load reads the YAML file at path, applies environment overrides and
// validates the result. An empty path loads defaults and environment
// only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Default returns the configuration Load produces with no file and no
// environment.
func Default() *Config {
	d := log.DefaultConfig()
	return &Config{
		Log:      d,
		Decoder:  protocol.DefaultLimits(),
		Session:  session.DefaultConfig(),
		Emitter:  emitter.DefaultConfig(),
		Dispatch: analyzer.DefaultDispatchConfig(),
		Metrics:  MetricsConfig{Listen: ":9091", Path: "/metrics"},
		Feed:     FeedConfig{Listen: ":8765", Path: "/feed", WriteTimeout: defaultFeedWriteTimeout},
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()

	// Log defaults
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.pattern", d.Log.Pattern)
	v.SetDefault("log.time", d.Log.Time)
	v.SetDefault("log.caller", d.Log.Caller)
	v.SetDefault("log.file.enabled", d.Log.File.Enabled)
	v.SetDefault("log.file.filename", "/var/log/dpslens/dpslens.log")
	v.SetDefault("log.file.max_size", d.Log.File.MaxSize)
	v.SetDefault("log.file.max_backups", d.Log.File.MaxBackups)
	v.SetDefault("log.file.max_age", d.Log.File.MaxAge)
	v.SetDefault("log.file.compress", d.Log.File.Compress)

	// Pipeline defaults
	v.SetDefault("decoder.max_frame_len", d.Decoder.MaxFrameLen)
	v.SetDefault("session.failure_threshold", d.Session.FailureThreshold)
	v.SetDefault("session.reorder_window", d.Session.ReorderWindow)
	v.SetDefault("emitter.queue_size", d.Emitter.QueueSize)
	v.SetDefault("emitter.backpressure_timeout", d.Emitter.BackpressureTimeout)
	v.SetDefault("emitter.dedupe_window", d.Emitter.DedupeWindow)
	v.SetDefault("dispatch.partitions", d.Dispatch.Partitions)
	v.SetDefault("dispatch.queue_size", d.Dispatch.QueueSize)
	v.SetDefault("dispatch.submit_timeout", d.Dispatch.SubmitTimeout)
	v.SetDefault("capture.server_ports", []uint16{})

	// Outbound defaults
	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.listen", d.Metrics.Listen)
	v.SetDefault("metrics.path", d.Metrics.Path)
	v.SetDefault("feed.enabled", d.Feed.Enabled)
	v.SetDefault("feed.listen", d.Feed.Listen)
	v.SetDefault("feed.path", d.Feed.Path)
	v.SetDefault("feed.write_timeout", d.Feed.WriteTimeout)
	v.SetDefault("control.socket", d.Control.Socket)
}
