// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package websocket

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/absmach/pairlink/ratelimit"
	"github.com/sony/gobreaker"
)

// Mode selects how the link finds its peer.
type Mode string

const (
	ModeListen Mode = "listen"
	ModeDial   Mode = "dial"
)

// BreakerConfig configures the circuit breaker guarding socket writes.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// Config holds websocket link settings.
type Config struct {
	Mode       Mode   `yaml:"mode"`
	ListenAddr string `yaml:"listen_addr"`
	Path       string `yaml:"path"`
	PeerURL    string `yaml:"peer_url"`

	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	PingInterval     time.Duration `yaml:"ping_interval"`
	PongWait         time.Duration `yaml:"pong_wait"`
	RedialInterval   time.Duration `yaml:"redial_interval"`
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout"`
	CallTTL          time.Duration `yaml:"call_ttl"`

	MaxMessageSize       int64       `yaml:"max_message_size"`
	SendBuffer           int         `yaml:"send_buffer"`
	Compression          Compression `yaml:"compression"`
	CompressionThreshold int         `yaml:"compression_threshold"`

	Breaker   BreakerConfig    `yaml:"breaker"`
	RateLimit ratelimit.Config `yaml:"rate_limit"`
}

// DefaultConfig returns a listening link on :8785.
func DefaultConfig() Config {
	return Config{
		Mode:                 ModeListen,
		ListenAddr:           ":8785",
		Path:                 "/link",
		HandshakeTimeout:     10 * time.Second,
		WriteTimeout:         5 * time.Second,
		PingInterval:         20 * time.Second,
		PongWait:             60 * time.Second,
		RedialInterval:       2 * time.Second,
		ShutdownTimeout:      5 * time.Second,
		CallTTL:              time.Minute,
		MaxMessageSize:       1 << 20,
		SendBuffer:           256,
		Compression:          CompressionNone,
		CompressionThreshold: 1024,
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			ResetTimeout:     30 * time.Second,
		},
		RateLimit: ratelimit.DefaultConfig(),
	}
}

// withDefaults fills zero values from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Path == "" {
		c.Path = d.Path
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	if c.PongWait <= 0 {
		c.PongWait = d.PongWait
	}
	if c.RedialInterval <= 0 {
		c.RedialInterval = d.RedialInterval
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}
	if c.CallTTL <= 0 {
		c.CallTTL = d.CallTTL
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = d.SendBuffer
	}
	if c.Compression == "" {
		c.Compression = CompressionNone
	}
	if c.Breaker.FailureThreshold <= 0 {
		c.Breaker.FailureThreshold = d.Breaker.FailureThreshold
	}
	if c.Breaker.ResetTimeout <= 0 {
		c.Breaker.ResetTimeout = d.Breaker.ResetTimeout
	}
	return c
}

// Validate checks the settings that cannot be defaulted.
func (c Config) Validate() error {
	switch c.Mode {
	case ModeListen:
		if c.ListenAddr == "" {
			return errors.New("listen_addr is required in listen mode")
		}
	case ModeDial:
		if c.PeerURL == "" {
			return errors.New("peer_url is required in dial mode")
		}
		u, err := url.Parse(c.PeerURL)
		if err != nil {
			return fmt.Errorf("invalid peer_url: %w", err)
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return fmt.Errorf("peer_url scheme must be ws or wss, got %q", u.Scheme)
		}
	default:
		return fmt.Errorf("invalid mode %q (must be listen or dial)", c.Mode)
	}

	switch c.Compression {
	case "", CompressionNone, CompressionS2, CompressionZstd:
	default:
		return fmt.Errorf("invalid compression %q (must be none, s2 or zstd)", c.Compression)
	}
	if c.CompressionThreshold < 0 {
		return errors.New("compression_threshold cannot be negative")
	}
	if c.PongWait > 0 && c.PingInterval >= c.PongWait {
		return errors.New("ping_interval must be shorter than pong_wait")
	}
	return nil
}

func isBreakerRejection(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
