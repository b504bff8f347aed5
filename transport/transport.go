// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package transport holds what every paired-peer link implementation shares:
// the inbound handler contract, readiness snapshots and common errors.
package transport

import (
	"errors"
	"sync"

	"github.com/absmach/pairlink/message"
)

var (
	// ErrLinkClosed is reported for requests still outstanding when the link goes down.
	ErrLinkClosed = errors.New("link closed")

	// ErrNoHandler is returned to a peer whose message arrived with no handler installed.
	ErrNoHandler = errors.New("no inbound handler")

	// ErrRateLimited is returned to a peer that exceeded the inbound rate.
	ErrRateLimited = errors.New("inbound rate limit exceeded")
)

// Handler processes a message received from the peer. reply is nil when the
// peer does not expect an answer; otherwise it must be called at most once.
type Handler func(msg message.Payload, reply message.ReplyHandler)

// State is a snapshot of the readiness gates of a link.
type State struct {
	Supported bool `json:"supported"`
	Activated bool `json:"activated"`
	Reachable bool `json:"reachable"`
}

// Watchers fans a readiness change out to registered callbacks.
type Watchers struct {
	mu  sync.Mutex
	fns []func()
}

// Add registers fn.
func (w *Watchers) Add(fn func()) {
	if fn == nil {
		return
	}
	w.mu.Lock()
	w.fns = append(w.fns, fn)
	w.mu.Unlock()
}

// Notify calls every registered callback. It must be called with no link
// lock held.
func (w *Watchers) Notify() {
	w.mu.Lock()
	fns := make([]func(), len(w.fns))
	copy(fns, w.fns)
	w.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}
