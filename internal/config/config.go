package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Engine names accepted by the engine setting.
const (
	EngineDirect = "direct"
	EngineFSM    = "fsm"
)

// Config holds all application configuration
type Config struct {
	// Database paths
	SQLitePath string `mapstructure:"sqlite-path"`
	FSMDBPath  string `mapstructure:"fsm-db-path"`

	// Artifacts land in <output-dir>/QKViews and <output-dir>/UCS
	OutputDir string `mapstructure:"output-dir"`

	// Default device credentials
	User string `mapstructure:"user"`
	Pass string `mapstructure:"pass"`

	// Device transport
	Insecure       bool    `mapstructure:"insecure"`
	RequestTimeout int     `mapstructure:"request-timeout"`
	ShellRate      float64 `mapstructure:"shell-rate"`
	ChunkRetries   int     `mapstructure:"chunk-retries"`

	// Task polling, in seconds
	QKViewTimeout   int `mapstructure:"qkview-timeout"`
	QKViewTolerance int `mapstructure:"qkview-tolerance"`
	UCSTimeout      int `mapstructure:"ucs-timeout"`
	UCSTolerance    int `mapstructure:"ucs-tolerance"`
	PollInterval    int `mapstructure:"poll-interval"`

	// Remote safety
	NoDelete    bool  `mapstructure:"no-delete"`
	MaxFileSize int64 `mapstructure:"max-file-size"`

	// Pipeline engine
	Engine        string `mapstructure:"engine"`
	FSMMaxRetries int    `mapstructure:"fsm-max-retries"`

	// S3 archive
	Archive    bool   `mapstructure:"archive"`
	S3Bucket   string `mapstructure:"s3-bucket"`
	S3Region   string `mapstructure:"s3-region"`
	S3Endpoint string `mapstructure:"s3-endpoint"`
	S3Prefix   string `mapstructure:"s3-prefix"`

	// Logging
	LogFile string `mapstructure:"log-file"`
	Verbose bool   `mapstructure:"verbose"`
}

// Load reads configuration from .env, environment, config file, and defaults
func Load() (*Config, error) {
	if err := LoadDotEnv(); err != nil {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	viper.SetDefault("sqlite-path", ".bigscan/history.db")
	viper.SetDefault("fsm-db-path", ".bigscan/fsm")
	viper.SetDefault("output-dir", ".")
	viper.SetDefault("user", "")
	viper.SetDefault("pass", "")
	viper.SetDefault("insecure", true)
	viper.SetDefault("request-timeout", 30)
	viper.SetDefault("shell-rate", 5.0)
	viper.SetDefault("chunk-retries", 3)
	viper.SetDefault("qkview-timeout", 1200)
	viper.SetDefault("qkview-tolerance", 3)
	viper.SetDefault("ucs-timeout", 900)
	viper.SetDefault("ucs-tolerance", 10)
	viper.SetDefault("poll-interval", 15)
	viper.SetDefault("no-delete", false)
	viper.SetDefault("max-file-size", 8*1024*1024*1024)
	viper.SetDefault("engine", EngineDirect)
	viper.SetDefault("fsm-max-retries", 3)
	viper.SetDefault("archive", false)
	viper.SetDefault("s3-bucket", "")
	viper.SetDefault("s3-region", "us-east-1")
	viper.SetDefault("s3-endpoint", "")
	viper.SetDefault("s3-prefix", "bigscan")
	viper.SetDefault("log-file", "")
	viper.SetDefault("verbose", false)

	// Environment variables (BIGSCAN_USER, BIGSCAN_S3_BUCKET, etc.)
	viper.SetEnvPrefix("BIGSCAN")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	// Config file (optional)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.bigscan")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.SQLitePath == "" {
		return fmt.Errorf("sqlite-path cannot be empty")
	}
	if c.OutputDir == "" {
		return fmt.Errorf("output-dir cannot be empty")
	}
	switch c.Engine {
	case EngineDirect:
	case EngineFSM:
		if c.FSMDBPath == "" {
			return fmt.Errorf("fsm-db-path cannot be empty with the fsm engine")
		}
	default:
		return fmt.Errorf("engine must be %q or %q, got %q", EngineDirect, EngineFSM, c.Engine)
	}
	if c.QKViewTimeout <= 0 || c.UCSTimeout <= 0 {
		return fmt.Errorf("artifact timeouts must be positive")
	}
	if c.QKViewTolerance <= 0 || c.UCSTolerance <= 0 {
		return fmt.Errorf("failure tolerances must be positive")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll-interval must be positive")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request-timeout must be positive")
	}
	if c.ShellRate <= 0 {
		return fmt.Errorf("shell-rate must be positive")
	}
	if c.ChunkRetries < 0 {
		return fmt.Errorf("chunk-retries must be non-negative")
	}
	if c.MaxFileSize < 0 {
		return fmt.Errorf("max-file-size must be non-negative")
	}
	if c.FSMMaxRetries < 0 {
		return fmt.Errorf("fsm-max-retries must be non-negative")
	}
	if c.Archive && c.S3Bucket == "" {
		return fmt.Errorf("s3-bucket is required when archive is enabled")
	}
	return nil
}
