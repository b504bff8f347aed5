// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"github.com/absmach/pairlink/transport/websocket"
	"gopkg.in/yaml.v3"
)

// Transport types.
const (
	TransportLoopback  = "loopback"
	TransportWebsocket = "websocket"
)

// Config holds all configuration for the pairlink daemon.
type Config struct {
	Delivery  DeliveryConfig  `yaml:"delivery"`
	Transport TransportConfig `yaml:"transport"`
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Probe     ProbeConfig     `yaml:"probe"`
}

// DeliveryConfig holds the delivery engine windows.
type DeliveryConfig struct {
	// How long a queued message may wait for the transport to become ready.
	OutgoingTimeout time.Duration `yaml:"outgoing_timeout"`

	// How long a sent message may wait for its reply.
	ReplyTimeout time.Duration `yaml:"reply_timeout"`
}

// TransportConfig selects and configures the paired link.
type TransportConfig struct {
	Type      string           `yaml:"type"` // loopback, websocket
	Websocket websocket.Config `yaml:"websocket"`
}

// ServerConfig holds auxiliary server configuration.
type ServerConfig struct {
	HealthEnabled   bool          `yaml:"health_enabled"`
	HealthAddr      string        `yaml:"health_addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MetricsEnabled  bool          `yaml:"metrics_enabled"` // enables OTel
	MetricsAddr     string        `yaml:"metrics_addr"`    // OTLP endpoint

	// OpenTelemetry configuration
	OtelServiceName     string  `yaml:"otel_service_name"`
	OtelServiceVersion  string  `yaml:"otel_service_version"`
	OtelTracesEnabled   bool    `yaml:"otel_traces_enabled"`
	OtelMetricsEnabled  bool    `yaml:"otel_metrics_enabled"`
	OtelTraceSampleRate float64 `yaml:"otel_trace_sample_rate"` // 0.0 to 1.0
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// ProbeConfig controls the periodic probe sender. A zero interval disables it.
type ProbeConfig struct {
	Interval    time.Duration `yaml:"interval"`
	ExpectReply bool          `yaml:"expect_reply"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Delivery: DeliveryConfig{
			OutgoingTimeout: 3 * time.Second,
			ReplyTimeout:    3 * time.Second,
		},
		Transport: TransportConfig{
			Type:      TransportWebsocket,
			Websocket: websocket.DefaultConfig(),
		},
		Server: ServerConfig{
			HealthEnabled:       true,
			HealthAddr:          ":8081",
			ShutdownTimeout:     10 * time.Second,
			MetricsEnabled:      false,
			MetricsAddr:         "localhost:4317",
			OtelServiceName:     "pairlink",
			OtelServiceVersion:  "1.0.0",
			OtelMetricsEnabled:  true,
			OtelTracesEnabled:   false,
			OtelTraceSampleRate: 0.1,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Probe: ProbeConfig{
			Interval:    0,
			ExpectReply: true,
		},
	}
}

// Load loads configuration from a YAML file.
// If the file doesn't exist, returns default configuration.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Delivery.OutgoingTimeout <= 0 {
		return fmt.Errorf("delivery.outgoing_timeout must be positive")
	}
	if c.Delivery.ReplyTimeout <= 0 {
		return fmt.Errorf("delivery.reply_timeout must be positive")
	}

	switch c.Transport.Type {
	case TransportLoopback:
	case TransportWebsocket:
		if err := c.Transport.Websocket.Validate(); err != nil {
			return fmt.Errorf("transport.websocket: %w", err)
		}
	default:
		return fmt.Errorf("transport.type must be one of: loopback, websocket")
	}

	if c.Server.HealthEnabled && c.Server.HealthAddr == "" {
		return fmt.Errorf("server.health_addr required when health is enabled")
	}
	if c.Server.ShutdownTimeout < time.Second {
		return fmt.Errorf("server.shutdown_timeout must be at least 1 second")
	}

	// OpenTelemetry validation (only if metrics enabled)
	if c.Server.MetricsEnabled {
		if c.Server.OtelServiceName == "" {
			return fmt.Errorf("server.otel_service_name cannot be empty when metrics enabled")
		}
		if c.Server.OtelTraceSampleRate < 0.0 || c.Server.OtelTraceSampleRate > 1.0 {
			return fmt.Errorf("server.otel_trace_sample_rate must be between 0.0 and 1.0")
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	if c.Probe.Interval < 0 {
		return fmt.Errorf("probe.interval cannot be negative")
	}

	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
