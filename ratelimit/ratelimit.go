// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config holds link rate limiting settings.
type Config struct {
	Enabled bool `yaml:"enabled"`

	// Handshake limits upgrade attempts per remote IP on a listening link.
	Handshake HandshakeConfig `yaml:"handshake"`

	// Inbound limits messages received from the connected peer.
	Inbound InboundConfig `yaml:"inbound"`
}

// HandshakeConfig holds per-IP handshake limits.
type HandshakeConfig struct {
	Rate            float64       `yaml:"rate"`             // handshakes per second per IP
	Burst           int           `yaml:"burst"`            // burst allowance
	CleanupInterval time.Duration `yaml:"cleanup_interval"` // how often stale IPs are forgotten
}

// InboundConfig holds per-peer message limits.
type InboundConfig struct {
	Rate  float64 `yaml:"rate"`  // messages per second per peer
	Burst int     `yaml:"burst"` // burst allowance
}

// DefaultConfig returns limits generous enough for an interactive peer.
func DefaultConfig() Config {
	return Config{
		Enabled: true,
		Handshake: HandshakeConfig{
			Rate:            1,
			Burst:           5,
			CleanupInterval: 5 * time.Minute,
		},
		Inbound: InboundConfig{
			Rate:  200,
			Burst: 50,
		},
	}
}

// IPRateLimiter limits handshakes per remote IP.
type IPRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*ipEntry
	rate     rate.Limit
	burst    int
	cleanup  time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

type ipEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewIPRateLimiter creates an IP limiter; r is handshakes per second.
func NewIPRateLimiter(r float64, burst int, cleanupInterval time.Duration) *IPRateLimiter {
	if cleanupInterval <= 0 {
		cleanupInterval = 5 * time.Minute
	}
	l := &IPRateLimiter{
		limiters: make(map[string]*ipEntry),
		rate:     rate.Limit(r),
		burst:    burst,
		cleanup:  cleanupInterval,
		stopCh:   make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Allow reports whether a handshake from addr may proceed.
func (l *IPRateLimiter) Allow(addr net.Addr) bool {
	return l.AllowHost(extractIP(addr))
}

// AllowHost is Allow for an already extracted host string. An empty host is
// always allowed.
func (l *IPRateLimiter) AllowHost(host string) bool {
	if host == "" {
		return true
	}

	l.mu.Lock()
	entry, ok := l.limiters[host]
	if !ok {
		entry = &ipEntry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[host] = entry
	}
	entry.lastSeen = time.Now()
	limiter := entry.limiter
	l.mu.Unlock()

	return limiter.Allow()
}

func (l *IPRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanup)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.forgetStale()
		case <-l.stopCh:
			return
		}
	}
}

func (l *IPRateLimiter) forgetStale() {
	l.mu.Lock()
	defer l.mu.Unlock()

	threshold := time.Now().Add(-l.cleanup * 2)
	for host, entry := range l.limiters {
		if entry.lastSeen.Before(threshold) {
			delete(l.limiters, host)
		}
	}
}

// Stop stops the cleanup goroutine. It is safe to call more than once.
func (l *IPRateLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

// PeerLimiter limits messages received from each connected peer.
type PeerLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

// NewPeerLimiter creates a per-peer limiter; r is messages per second.
func NewPeerLimiter(r float64, burst int) *PeerLimiter {
	return &PeerLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(r),
		burst:    burst,
	}
}

// Allow reports whether another message from peer may be processed.
func (l *PeerLimiter) Allow(peer string) bool {
	l.mu.Lock()
	limiter, ok := l.limiters[peer]
	if !ok {
		limiter = rate.NewLimiter(l.rate, l.burst)
		l.limiters[peer] = limiter
	}
	l.mu.Unlock()

	return limiter.Allow()
}

// Forget drops the limiter of a disconnected peer.
func (l *PeerLimiter) Forget(peer string) {
	l.mu.Lock()
	delete(l.limiters, peer)
	l.mu.Unlock()
}

// Manager bundles the limiters a link uses. A nil or disabled Manager allows
// everything.
type Manager struct {
	handshake *IPRateLimiter
	inbound   *PeerLimiter
}

// NewManager creates limiters from cfg.
func NewManager(cfg Config) *Manager {
	if !cfg.Enabled {
		return &Manager{}
	}

	m := &Manager{}
	if cfg.Handshake.Rate > 0 {
		m.handshake = NewIPRateLimiter(cfg.Handshake.Rate, cfg.Handshake.Burst, cfg.Handshake.CleanupInterval)
	}
	if cfg.Inbound.Rate > 0 {
		m.inbound = NewPeerLimiter(cfg.Inbound.Rate, cfg.Inbound.Burst)
	}
	return m
}

// AllowHandshake checks the handshake limit for remoteAddr ("host:port").
func (m *Manager) AllowHandshake(remoteAddr string) bool {
	if m == nil || m.handshake == nil {
		return true
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	return m.handshake.AllowHost(host)
}

// AllowInbound checks the inbound message limit for peer.
func (m *Manager) AllowInbound(peer string) bool {
	if m == nil || m.inbound == nil {
		return true
	}
	return m.inbound.Allow(peer)
}

// OnPeerDisconnect drops per-peer state.
func (m *Manager) OnPeerDisconnect(peer string) {
	if m == nil || m.inbound == nil {
		return
	}
	m.inbound.Forget(peer)
}

// Stop releases background resources.
func (m *Manager) Stop() {
	if m == nil || m.handshake == nil {
		return
	}
	m.handshake.Stop()
}

func extractIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}

	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP.String()
	case *net.UDPAddr:
		return a.IP.String()
	default:
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			return addr.String()
		}
		return host
	}
}
