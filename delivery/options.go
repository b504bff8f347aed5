// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package delivery

import (
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
)

const (
	// DefaultOutgoingTimeout bounds how long a message may wait to be sent.
	DefaultOutgoingTimeout = 3 * time.Second

	// DefaultReplyTimeout bounds how long a sent message may wait for its reply.
	DefaultReplyTimeout = 3 * time.Second
)

// Options configures an Engine.
type Options struct {
	OutgoingTimeout time.Duration
	ReplyTimeout    time.Duration
	Clock           clock.Clock
	Logger          *slog.Logger
	Observer        Observer
}

// Option is a function that configures the engine.
type Option func(*Options)

// WithOutgoingTimeout sets the pending-send window.
func WithOutgoingTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.OutgoingTimeout = d
	}
}

// WithReplyTimeout sets the reply window.
func WithReplyTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.ReplyTimeout = d
	}
}

// WithClock sets the clock timers and envelope timestamps use.
func WithClock(c clock.Clock) Option {
	return func(o *Options) {
		o.Clock = c
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Options) {
		o.Logger = l
	}
}

// WithObserver sets the delivery event observer.
func WithObserver(obs Observer) Option {
	return func(o *Options) {
		o.Observer = obs
	}
}

func defaultOptions() Options {
	return Options{
		OutgoingTimeout: DefaultOutgoingTimeout,
		ReplyTimeout:    DefaultReplyTimeout,
	}
}
