// Package config loads this module's binaries' runtime configuration from
// the environment, grounded on _examples/adred-codev-ws_poc/ws/config.go's caarlos0/env + godotenv
// pattern: ENV vars override a local .env file override built-in defaults.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds every environment-tunable knob for a fdbus-server/
// fdbus-client process (spec §4.1/§4.2/§4.9's configurable resource
// limits and timeouts).
type Config struct {
	// Bind/connect address, e.g. "ipc:///tmp/fdbus-demo" or "tcp://0.0.0.0:60000".
	Addr string `env:"FDBUS_ADDR" envDefault:"ipc:///tmp/fdbus-demo"`

	NameServerAddr string `env:"FDBUS_NAME_SERVER_ADDR" envDefault:"ipc:///tmp/fdbus-name-server"`

	WorkerQueueDepth int `env:"FDBUS_WORKER_QUEUE_DEPTH" envDefault:"256"`
	SessionSendDepth int `env:"FDBUS_SESSION_SEND_DEPTH" envDefault:"256"`

	ConnectRetries int           `env:"FDBUS_CONNECT_RETRIES" envDefault:"3"`
	ConnectTimeout time.Duration `env:"FDBUS_CONNECT_TIMEOUT" envDefault:"5s"`
	BindRetries    int           `env:"FDBUS_BIND_RETRIES" envDefault:"3"`

	WatchdogEnabled       bool          `env:"FDBUS_WATCHDOG_ENABLED" envDefault:"false"`
	WatchdogInterval      time.Duration `env:"FDBUS_WATCHDOG_INTERVAL" envDefault:"5s"`
	WatchdogBarkThreshold int           `env:"FDBUS_WATCHDOG_BARK_THRESHOLD" envDefault:"3"`

	RequestRateLimitEnabled bool    `env:"FDBUS_REQUEST_RATE_LIMIT_ENABLED" envDefault:"false"`
	RequestRateLimit        float64 `env:"FDBUS_REQUEST_RATE_LIMIT" envDefault:"200"`
	RequestRateLimitBurst   int     `env:"FDBUS_REQUEST_RATE_LIMIT_BURST" envDefault:"50"`

	MetricsAddr           string        `env:"FDBUS_METRICS_ADDR" envDefault:":9090"`
	ProcessSampleInterval time.Duration `env:"FDBUS_PROCESS_SAMPLE_INTERVAL" envDefault:"5s"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads configuration from a local .env file (optional) and then the
// real environment, which always wins. Priority mirrors _examples/adred-codev-ws_poc/ws/config.go:
// ENV vars > .env file > struct defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("no .env file found, using environment variables only")
		}
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate rejects configurations that would make the process misbehave in
// a way no default can paper over.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("FDBUS_ADDR is required")
	}
	if c.WorkerQueueDepth < 1 {
		return fmt.Errorf("FDBUS_WORKER_QUEUE_DEPTH must be > 0, got %d", c.WorkerQueueDepth)
	}
	if c.SessionSendDepth < 1 {
		return fmt.Errorf("FDBUS_SESSION_SEND_DEPTH must be > 0, got %d", c.SessionSendDepth)
	}
	if c.WatchdogEnabled && c.WatchdogBarkThreshold < 1 {
		return fmt.Errorf("FDBUS_WATCHDOG_BARK_THRESHOLD must be > 0, got %d", c.WatchdogBarkThreshold)
	}
	if c.RequestRateLimitEnabled && (c.RequestRateLimit <= 0 || c.RequestRateLimitBurst < 1) {
		return fmt.Errorf("FDBUS_REQUEST_RATE_LIMIT must be > 0 and FDBUS_REQUEST_RATE_LIMIT_BURST must be >= 1")
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validFormats := map[string]bool{"json": true, "text": true, "pretty": true}
	if !validFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, text, pretty (got: %s)", c.LogFormat)
	}
	return nil
}

// LogConfig emits the loaded configuration as a structured log line.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("addr", c.Addr).
		Str("name_server_addr", c.NameServerAddr).
		Int("worker_queue_depth", c.WorkerQueueDepth).
		Int("session_send_depth", c.SessionSendDepth).
		Dur("connect_timeout", c.ConnectTimeout).
		Bool("watchdog_enabled", c.WatchdogEnabled).
		Dur("watchdog_interval", c.WatchdogInterval).
		Bool("request_rate_limit_enabled", c.RequestRateLimitEnabled).
		Float64("request_rate_limit", c.RequestRateLimit).
		Str("metrics_addr", c.MetricsAddr).
		Str("log_level", c.LogLevel).
		Msg("configuration loaded")
}
