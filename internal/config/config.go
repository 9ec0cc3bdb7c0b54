package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Config represents the complete autowriter configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Transport TransportConfig `mapstructure:"transport"`
	Generator GeneratorConfig `mapstructure:"generator"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls the HTTP control surface and WebSocket endpoint
type ServerConfig struct {
	// Addr is the listen address (default: "127.0.0.1:8080")
	Addr string `mapstructure:"addr"`
	// ReadHeaderTimeout bounds how long a client may take to send headers
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	// ShutdownTimeout bounds graceful shutdown of the HTTP server
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// StorageConfig controls where session state is persisted
type StorageConfig struct {
	// Dir is the storage root. Sessions live under {Dir}/sessions/{id}.
	// If empty, defaults to $XDG_DATA_HOME/autowriter or ~/.local/share/autowriter.
	Dir string `mapstructure:"dir"`
}

// PipelineConfig controls stage execution and retry behavior
type PipelineConfig struct {
	// StageTimeout is the time budget for a single generation call (default: 5m)
	StageTimeout time.Duration `mapstructure:"stage_timeout"`
	// MaxAttempts is the total number of attempts a retryable stage gets,
	// including the first (default: 3)
	MaxAttempts int `mapstructure:"max_attempts"`
	// RetryableStages lists the stages that re-enter their phase on a
	// transient failure instead of failing the session
	RetryableStages []string `mapstructure:"retryable_stages"`
	// RetryBackoffBase is the delay before the second attempt; later
	// attempts double it up to RetryBackoffMax
	RetryBackoffBase time.Duration `mapstructure:"retry_backoff_base"`
	RetryBackoffMax  time.Duration `mapstructure:"retry_backoff_max"`
}

// TransportConfig controls realtime delivery to subscribers
type TransportConfig struct {
	// BufferSize is the per-subscription outbound buffer (default: 256)
	BufferSize int `mapstructure:"buffer_size"`
	// OverflowPolicy is applied when a subscriber's buffer is full:
	// "drop_oldest" (default) or "disconnect"
	OverflowPolicy string `mapstructure:"overflow_policy"`
	// ReplayWindow is the number of recent messages per session kept in
	// memory for replay; older replays are served from the journal
	ReplayWindow int `mapstructure:"replay_window"`
	// HeartbeatInterval is how often the server pings a subscriber
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	// StableAfter is how long a connection must stay up before it counts as
	// stable and its reconnect attempt counter is reset
	StableAfter time.Duration `mapstructure:"stable_after"`
	// WriteTimeout bounds a single frame write to a subscriber
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// MaxReconnectAttempts is the client reconnect budget (default: 5)
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`
	ReconnectBase        time.Duration `mapstructure:"reconnect_base"`
	ReconnectMax         time.Duration `mapstructure:"reconnect_max"`
}

// GeneratorConfig selects and configures the text-generation capability
type GeneratorConfig struct {
	// Provider is one of "mock", "anthropic", "openai" (default: "mock")
	Provider string `mapstructure:"provider"`
	// Model overrides the provider's default model
	Model string `mapstructure:"model"`
	// APIKey overrides the provider's API key environment variable
	APIKey string `mapstructure:"api_key"`
	// BaseURL overrides the provider endpoint
	BaseURL     string  `mapstructure:"base_url"`
	MaxTokens   int     `mapstructure:"max_tokens"`
	Temperature float64 `mapstructure:"temperature"`
	// MockLatency delays each mock generation call
	MockLatency time.Duration `mapstructure:"mock_latency"`
}

// LoggingConfig controls coordinator logging
type LoggingConfig struct {
	// Level is the log level: "debug", "info", "warn", "error" (default: "info")
	Level string `mapstructure:"level"`
	// Dir is where coordinator.log is written. If empty, {storage.dir}/logs.
	Dir string `mapstructure:"dir"`
	// MaxSizeMB is the maximum log file size in megabytes before rotation (default: 10)
	MaxSizeMB int `mapstructure:"max_size_mb"`
	// MaxBackups is the number of backup log files to keep (default: 3)
	MaxBackups int `mapstructure:"max_backups"`
	// Compress gzips rotated log files
	Compress bool `mapstructure:"compress"`
}

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:              "127.0.0.1:8080",
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownTimeout:   15 * time.Second,
		},
		Storage: StorageConfig{
			Dir: "",
		},
		Pipeline: PipelineConfig{
			StageTimeout:     5 * time.Minute,
			MaxAttempts:      3,
			RetryableStages:  []string{"research", "structure", "planning", "drafting"},
			RetryBackoffBase: 2 * time.Second,
			RetryBackoffMax:  30 * time.Second,
		},
		Transport: TransportConfig{
			BufferSize:           256,
			OverflowPolicy:       OverflowDropOldest,
			ReplayWindow:         1024,
			HeartbeatInterval:    15 * time.Second,
			StableAfter:          30 * time.Second,
			WriteTimeout:         10 * time.Second,
			MaxReconnectAttempts: 5,
			ReconnectBase:        500 * time.Millisecond,
			ReconnectMax:         15 * time.Second,
		},
		Generator: GeneratorConfig{
			Provider:    ProviderMock,
			MaxTokens:   4096,
			Temperature: 0.7,
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
	}
}

// Overflow policies
const (
	OverflowDropOldest = "drop_oldest"
	OverflowDisconnect = "disconnect"
)

// Generator providers
const (
	ProviderMock      = "mock"
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
)

// SetDefaults registers default values with the global viper instance
func SetDefaults() {
	SetDefaultsOn(viper.GetViper())
}

// SetDefaultsOn registers default values with v
func SetDefaultsOn(v *viper.Viper) {
	defaults := Default()

	v.SetDefault("server.addr", defaults.Server.Addr)
	v.SetDefault("server.read_header_timeout", defaults.Server.ReadHeaderTimeout)
	v.SetDefault("server.shutdown_timeout", defaults.Server.ShutdownTimeout)

	v.SetDefault("storage.dir", defaults.Storage.Dir)

	v.SetDefault("pipeline.stage_timeout", defaults.Pipeline.StageTimeout)
	v.SetDefault("pipeline.max_attempts", defaults.Pipeline.MaxAttempts)
	v.SetDefault("pipeline.retryable_stages", defaults.Pipeline.RetryableStages)
	v.SetDefault("pipeline.retry_backoff_base", defaults.Pipeline.RetryBackoffBase)
	v.SetDefault("pipeline.retry_backoff_max", defaults.Pipeline.RetryBackoffMax)

	v.SetDefault("transport.buffer_size", defaults.Transport.BufferSize)
	v.SetDefault("transport.overflow_policy", defaults.Transport.OverflowPolicy)
	v.SetDefault("transport.replay_window", defaults.Transport.ReplayWindow)
	v.SetDefault("transport.heartbeat_interval", defaults.Transport.HeartbeatInterval)
	v.SetDefault("transport.stable_after", defaults.Transport.StableAfter)
	v.SetDefault("transport.write_timeout", defaults.Transport.WriteTimeout)
	v.SetDefault("transport.max_reconnect_attempts", defaults.Transport.MaxReconnectAttempts)
	v.SetDefault("transport.reconnect_base", defaults.Transport.ReconnectBase)
	v.SetDefault("transport.reconnect_max", defaults.Transport.ReconnectMax)

	v.SetDefault("generator.provider", defaults.Generator.Provider)
	v.SetDefault("generator.model", defaults.Generator.Model)
	v.SetDefault("generator.api_key", defaults.Generator.APIKey)
	v.SetDefault("generator.base_url", defaults.Generator.BaseURL)
	v.SetDefault("generator.max_tokens", defaults.Generator.MaxTokens)
	v.SetDefault("generator.temperature", defaults.Generator.Temperature)
	v.SetDefault("generator.mock_latency", defaults.Generator.MockLatency)

	v.SetDefault("logging.level", defaults.Logging.Level)
	v.SetDefault("logging.dir", defaults.Logging.Dir)
	v.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	v.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)
	v.SetDefault("logging.compress", defaults.Logging.Compress)
}

// decodeHook lets durations be written as "30s" and lists as "a,b,c" in
// both the config file and environment variables.
func decodeHook() viper.DecoderConfigOption {
	return viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom reads the configuration from v. Tests use a private viper
// instance to avoid touching global state.
func LoadFrom(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// Get returns the current configuration, falling back to defaults if the
// loaded configuration is invalid.
func Get() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// StorageDir returns the effective storage root.
func (c *Config) StorageDir() string {
	if c.Storage.Dir != "" {
		return c.Storage.Dir
	}
	return DataDir()
}

// LogDir returns the effective log directory.
func (c *Config) LogDir() string {
	if c.Logging.Dir != "" {
		return c.Logging.Dir
	}
	return filepath.Join(c.StorageDir(), "logs")
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "autowriter")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".autowriter"
	}
	return filepath.Join(home, ".config", "autowriter")
}

// ConfigFile returns the path to the config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

// DataDir returns the default storage root
func DataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "autowriter")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".autowriter"
	}
	return filepath.Join(home, ".local", "share", "autowriter")
}
