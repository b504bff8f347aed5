// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package loopback provides an in-process pair of linked transports whose
// readiness gates are set by the host.
package loopback

import (
	"log/slog"
	"maps"
	"sync"

	"github.com/absmach/pairlink/message"
	"github.com/absmach/pairlink/transport"
)

// Option configures a pair of links.
type Option func(*options)

type options struct {
	logger           *slog.Logger
	manualActivation bool
}

// WithLogger sets the logger for both links.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithManualActivation makes Activate a no-op; activation then completes only
// through SetActivated.
func WithManualActivation() Option {
	return func(o *options) {
		o.manualActivation = true
	}
}

// Link is one end of an in-process pair.
type Link struct {
	name   string
	logger *slog.Logger
	manual bool

	mu        sync.Mutex
	supported bool
	activated bool
	reachable bool
	handler   transport.Handler
	peer      *Link

	watchers transport.Watchers
	inflight sync.WaitGroup
}

// NewPair returns two connected links. Both start supported, not activated
// and reachable.
func NewPair(opts ...Option) (*Link, *Link) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	a := newLink("a", o)
	b := newLink("b", o)
	a.peer = b
	b.peer = a
	return a, b
}

func newLink(name string, o options) *Link {
	return &Link{
		name:      name,
		logger:    o.logger.With(slog.String("link", name)),
		manual:    o.manualActivation,
		supported: true,
		reachable: true,
	}
}

// IsSupported implements delivery.Transport.
func (l *Link) IsSupported() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.supported
}

// IsActivated implements delivery.Transport.
func (l *Link) IsActivated() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.activated
}

// IsReachable implements delivery.Transport.
func (l *Link) IsReachable() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reachable
}

// State returns all readiness gates at once.
func (l *Link) State() transport.State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return transport.State{
		Supported: l.supported,
		Activated: l.activated,
		Reachable: l.reachable,
	}
}

// Activate implements delivery.Transport.
func (l *Link) Activate() {
	if l.manual {
		return
	}
	l.SetActivated(true)
}

// SetSupported sets the supported gate.
func (l *Link) SetSupported(v bool) {
	l.update(func() bool {
		changed := l.supported != v
		l.supported = v
		return changed
	})
}

// SetActivated sets the activated gate.
func (l *Link) SetActivated(v bool) {
	l.update(func() bool {
		changed := l.activated != v
		l.activated = v
		return changed
	})
}

// SetReachable sets the reachable gate.
func (l *Link) SetReachable(v bool) {
	l.update(func() bool {
		changed := l.reachable != v
		l.reachable = v
		return changed
	})
}

func (l *Link) update(apply func() bool) {
	l.mu.Lock()
	changed := apply()
	l.mu.Unlock()

	if changed {
		l.logger.Debug("loopback state changed",
			slog.Bool("supported", l.IsSupported()),
			slog.Bool("activated", l.IsActivated()),
			slog.Bool("reachable", l.IsReachable()))
		l.watchers.Notify()
	}
}

// OnStateChange implements delivery.StateNotifier.
func (l *Link) OnStateChange(fn func()) {
	l.watchers.Add(fn)
}

// SetHandler installs the handler for messages arriving from the peer.
func (l *Link) SetHandler(h transport.Handler) {
	l.mu.Lock()
	l.handler = h
	l.mu.Unlock()
}

func (l *Link) inbound() transport.Handler {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.handler
}

// SendMessage implements delivery.Transport. Delivery and callbacks run on a
// separate goroutine.
func (l *Link) SendMessage(payload message.Payload, onReply message.ReplyHandler, onError message.ErrorHandler) {
	reachable := l.IsReachable()
	peer := l.peer
	msg := maps.Clone(payload)

	l.inflight.Add(1)
	go func() {
		defer l.inflight.Done()

		if !reachable {
			if onError != nil {
				onError(transport.ErrLinkClosed)
			}
			return
		}

		h := peer.inbound()
		if h == nil {
			if onError != nil {
				onError(transport.ErrNoHandler)
			}
			return
		}

		var reply message.ReplyHandler
		if onReply != nil {
			var once sync.Once
			reply = func(p message.Payload) {
				once.Do(func() { onReply(maps.Clone(p)) })
			}
		}
		h(msg, reply)
	}()
}

// Wait blocks until every in-flight delivery started by SendMessage returned.
func (l *Link) Wait() {
	l.inflight.Wait()
}
