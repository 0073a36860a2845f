package log

// Config configures the process logger.
type Config struct {
	Level   string     `mapstructure:"level" yaml:"level"`
	Format  string     `mapstructure:"format" yaml:"format"` // pattern or json
	Pattern string     `mapstructure:"pattern" yaml:"pattern"`
	Time    string     `mapstructure:"time" yaml:"time"`
	Caller  bool       `mapstructure:"caller" yaml:"caller"`
	File    FileConfig `mapstructure:"file" yaml:"file"`
}

// FileConfig enables the rotating file appender.
type FileConfig struct {
	Enabled    bool   `mapstructure:"enabled" yaml:"enabled"`
	Filename   string `mapstructure:"filename" yaml:"filename"`
	MaxSize    int    `mapstructure:"max_size" yaml:"max_size"`       // megabytes
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"` // files
	MaxAge     int    `mapstructure:"max_age" yaml:"max_age"`         // days
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

const (
	FormatPattern = "pattern"
	FormatJSON    = "json"

	DefaultPattern = "%time [%level] %caller: %msg %field\n"
	DefaultTime    = "2006-01-02 15:04:05.000"
)

// DefaultConfig returns an info level pattern logger on stdout.
func DefaultConfig() Config {
	return Config{
		Level:   "info",
		Format:  FormatPattern,
		Pattern: DefaultPattern,
		Time:    DefaultTime,
		File: FileConfig{
			MaxSize:    100,
			MaxBackups: 3,
			MaxAge:     7,
		},
	}
}
