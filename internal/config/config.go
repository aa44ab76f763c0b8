// Package config loads gateway configuration from a JSON5 file and applies
// defaults for anything unset.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/titanous/json5"

	"github.com/nextlevelbuilder/fleetgate/pkg/protocol"
)

// Config is the full gateway configuration.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Gateway   GatewayConfig   `json:"gateway"`
	HTTP      HTTPConfig      `json:"http"`
	Stream    StreamConfig    `json:"stream"`
	Database  DatabaseConfig  `json:"database"`
	Telemetry TelemetryConfig `json:"telemetry"`
}

// ServerConfig covers the listener.
type ServerConfig struct {
	Listen string `json:"listen"`
}

// GatewayConfig covers device connection admission and command handling.
type GatewayConfig struct {
	// Token authenticates device registrations and API callers. Empty
	// disables auth (dev mode only).
	Token string `json:"token"`
	// RateLimitWindowMS is the sliding admission window for new device
	// connections, per remote IP.
	RateLimitWindowMS int `json:"rate_limit_window_ms"`
	// MaxConnsPerWindow is the admission cap within one window.
	MaxConnsPerWindow int `json:"max_conns_per_window"`
	// CommandTimeoutMS is the default deadline for one command round trip.
	CommandTimeoutMS int `json:"command_timeout_ms"`
}

// HTTPConfig covers the HTTP API surface.
type HTTPConfig struct {
	RateLimitRPM   int `json:"rate_limit_rpm"`
	RateLimitBurst int `json:"rate_limit_burst"`
}

// StreamConfig is the default screen-stream quality.
type StreamConfig struct {
	FPS         int    `json:"fps"`
	Resolution  string `json:"resolution"`
	Compression int    `json:"compression"`
}

// DatabaseConfig selects the repository backend. An empty DSN runs the
// in-memory store.
type DatabaseConfig struct {
	DSN string `json:"dsn"`
}

// TelemetryConfig gates OTLP trace export.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled"`
	Endpoint    string `json:"endpoint"`
	Protocol    string `json:"protocol"` // "grpc" or "http"
	Insecure    bool   `json:"insecure"`
	ServiceName string `json:"service_name"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads and parses a JSON5 config file, then applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := json5.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Listen == "" {
		c.Server.Listen = ":8080"
	}
	if c.Gateway.RateLimitWindowMS <= 0 {
		c.Gateway.RateLimitWindowMS = 60000
	}
	if c.Gateway.MaxConnsPerWindow <= 0 {
		c.Gateway.MaxConnsPerWindow = 30
	}
	if c.Gateway.CommandTimeoutMS <= 0 {
		c.Gateway.CommandTimeoutMS = 10000
	}
	if c.HTTP.RateLimitRPM <= 0 {
		c.HTTP.RateLimitRPM = 300
	}
	if c.HTTP.RateLimitBurst <= 0 {
		c.HTTP.RateLimitBurst = 20
	}
	if c.Stream.FPS <= 0 {
		c.Stream.FPS = 15
	}
	if c.Stream.Resolution == "" {
		c.Stream.Resolution = "half"
	}
	if c.Stream.Compression <= 0 {
		c.Stream.Compression = 75
	}
	if c.Telemetry.Protocol == "" {
		c.Telemetry.Protocol = "grpc"
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "fleetgate"
	}
}

func (c *Config) validate() error {
	q := c.StreamQuality()
	if q.FPS < 5 || q.FPS > 30 {
		return fmt.Errorf("stream.fps must be between 5 and 30, got %d", q.FPS)
	}
	if q.Compression < 60 || q.Compression > 90 {
		return fmt.Errorf("stream.compression must be between 60 and 90, got %d", q.Compression)
	}
	switch q.Resolution {
	case "full", "half", "quarter":
	default:
		return fmt.Errorf("stream.resolution must be full, half or quarter, got %q", q.Resolution)
	}
	return nil
}

// CommandTimeout returns the default command deadline as a duration.
func (c *Config) CommandTimeout() time.Duration {
	return time.Duration(c.Gateway.CommandTimeoutMS) * time.Millisecond
}

// RateLimitWindow returns the connection admission window as a duration.
func (c *Config) RateLimitWindow() time.Duration {
	return time.Duration(c.Gateway.RateLimitWindowMS) * time.Millisecond
}

// StreamQuality returns the default stream quality.
func (c *Config) StreamQuality() protocol.StreamQuality {
	return protocol.StreamQuality{
		FPS:         c.Stream.FPS,
		Resolution:  c.Stream.Resolution,
		Compression: c.Stream.Compression,
	}
}
