// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package message

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

// Payload is an outbound or inbound message body. It is opaque to the queue.
type Payload map[string]any

// ReplyHandler receives the peer's reply to a message.
type ReplyHandler func(reply Payload)

// ErrorHandler receives the failure of a message.
type ErrorHandler func(err error)

// TransitionFunc observes status changes of an envelope.
type TransitionFunc func(env *Envelope, from, to Status)

// Timing holds the clock and reply window an envelope measures itself against.
type Timing struct {
	Clock        clock.Clock
	ReplyTimeout time.Duration

	// OnTransition, if set, is called after every status change with no lock held.
	OnTransition TransitionFunc
}

// Envelope is one outbound message plus its lifecycle state and callbacks.
type Envelope struct {
	ID        string
	Payload   Payload
	CreatedAt time.Time

	onReply      ReplyHandler
	onError      ErrorHandler
	clock        clock.Clock
	replyTimeout time.Duration
	onTransition TransitionFunc

	mu       sync.Mutex
	status   Status
	notified bool
}

// New creates an envelope stamped with the current time of timing.Clock.
func New(payload Payload, onReply ReplyHandler, onError ErrorHandler, timing Timing) *Envelope {
	clk := timing.Clock
	if clk == nil {
		clk = clock.New()
	}

	return &Envelope{
		ID:           uuid.New().String(),
		Payload:      payload,
		CreatedAt:    clk.Now(),
		onReply:      onReply,
		onError:      onError,
		clock:        clk,
		replyTimeout: timing.ReplyTimeout,
		onTransition: timing.OnTransition,
		status:       NotSent,
	}
}

// Status returns the current lifecycle state.
func (e *Envelope) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// ExpectsReply reports whether the producer supplied a reply handler.
func (e *Envelope) ExpectsReply() bool {
	return e.onReply != nil
}

// Age returns the time elapsed since the envelope was created.
func (e *Envelope) Age() time.Duration {
	return e.clock.Since(e.CreatedAt)
}

// MarkSent moves a NotSent envelope to SentAwaitingReply or SentNoReplyNeeded,
// depending on whether a reply handler is present. It returns false if the
// envelope was already past NotSent.
func (e *Envelope) MarkSent() bool {
	to := SentNoReplyNeeded
	if e.ExpectsReply() {
		to = SentAwaitingReply
	}

	e.mu.Lock()
	if e.status != NotSent {
		e.mu.Unlock()
		return false
	}
	from := e.status
	e.status = to
	e.mu.Unlock()

	e.transitioned(from, to)
	return true
}

// Fail terminates an unsent envelope and hands err to the error handler.
// It returns false if the envelope had already left NotSent.
func (e *Envelope) Fail(err error) bool {
	e.mu.Lock()
	if e.status != NotSent {
		e.mu.Unlock()
		return false
	}
	from := e.status
	e.status = Failed
	notify := e.claimNotification()
	e.mu.Unlock()

	e.transitioned(from, Failed)
	if notify && e.onError != nil {
		e.onError(err)
	}
	return true
}

// Expire reports the end of the reply window to the error handler. It closes
// the window of an envelope still awaiting its reply, or notifies for one whose
// late reply was already dropped by Reply or Error. It returns true if err was
// delivered; any reply arriving afterwards is dropped.
func (e *Envelope) Expire(err error) bool {
	e.mu.Lock()
	from := e.status
	switch from {
	case SentAwaitingReply:
		e.status = RepliedAfterTimeout
	case RepliedAfterTimeout:
	default:
		e.mu.Unlock()
		return false
	}
	notify := e.claimNotification()
	e.mu.Unlock()

	if from != RepliedAfterTimeout {
		e.transitioned(from, RepliedAfterTimeout)
	}
	if !notify {
		return false
	}
	if e.onError != nil {
		e.onError(err)
	}
	return true
}

// Reply is the timed reply handler given to the transport. The reply window
// runs from CreatedAt, so it includes the time the envelope spent waiting to be
// sent. A reply arriving after the window marks the envelope
// RepliedAfterTimeout and is dropped; Reply then returns true and the caller
// must report the timeout through Expire.
func (e *Envelope) Reply(reply Payload) (late bool) {
	notify, late := e.settle()
	if notify && e.onReply != nil {
		e.onReply(reply)
	}
	return late
}

// Error is the timed error handler given to the transport. It follows the same
// window rule as Reply.
func (e *Envelope) Error(err error) (late bool) {
	notify, late := e.settle()
	if notify && e.onError != nil {
		e.onError(err)
	}
	return late
}

// settle applies the reply-window rule. It reports whether the producer's
// callback should run, and whether this call closed the window late.
func (e *Envelope) settle() (notify, late bool) {
	expired := e.clock.Since(e.CreatedAt) > e.replyTimeout

	e.mu.Lock()
	from := e.status
	to := from
	switch from {
	case SentAwaitingReply:
		to = RepliedOnTime
		if expired {
			to = RepliedAfterTimeout
		}
	case SentNoReplyNeeded:
		// Terminal already; a send error may still be reported once in time.
	default:
		e.mu.Unlock()
		return false, false
	}
	e.status = to
	notify = !expired && e.claimNotification()
	e.mu.Unlock()

	if to != from {
		e.transitioned(from, to)
	}
	return notify, to == RepliedAfterTimeout && from != to
}

// claimNotification must be called with e.mu held.
func (e *Envelope) claimNotification() bool {
	if e.notified {
		return false
	}
	e.notified = true
	return true
}

func (e *Envelope) transitioned(from, to Status) {
	if e.onTransition != nil {
		e.onTransition(e, from, to)
	}
}
