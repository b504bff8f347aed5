// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package delivery

import "log/slog"

// Each queue has at most one live timer. A generation number guards against a
// timer that fired concurrently with being stopped or replaced.

// armPendingTimer must be called with e.mu held.
func (e *Engine) armPendingTimer() {
	e.stopPendingTimer()
	e.pendingGen++
	gen := e.pendingGen
	e.pendingTimer = e.clock.AfterFunc(e.opts.OutgoingTimeout, func() {
		e.pendingExpired(gen)
	})
}

// stopPendingTimer must be called with e.mu held.
func (e *Engine) stopPendingTimer() {
	if e.pendingTimer != nil {
		e.pendingTimer.Stop()
		e.pendingTimer = nil
	}
}

// armReplyTimer starts the reply timer unless one is already running.
// It must be called with e.mu held.
func (e *Engine) armReplyTimer() {
	if e.replyTimer != nil {
		return
	}
	e.replyGen++
	gen := e.replyGen
	e.replyTimer = e.clock.AfterFunc(e.opts.ReplyTimeout, func() {
		e.replyExpired(gen)
	})
}

// stopReplyTimer must be called with e.mu held.
func (e *Engine) stopReplyTimer() {
	if e.replyTimer != nil {
		e.replyTimer.Stop()
		e.replyTimer = nil
	}
}

func (e *Engine) pendingExpired(gen uint64) {
	e.mu.Lock()
	if gen != e.pendingGen || e.pendingTimer == nil {
		e.mu.Unlock()
		return
	}
	e.pendingTimer = nil
	expired := e.store.Pending.DrainAll()
	e.mu.Unlock()

	if len(expired) == 0 {
		return
	}
	e.logger.Warn("outgoing window elapsed, failing pending messages",
		slog.Int("count", len(expired)),
		slog.Duration("timeout", e.opts.OutgoingTimeout))
	e.fail(expired, ErrOutgoingTimeout)
	e.reportDepths()
}

func (e *Engine) replyExpired(gen uint64) {
	e.mu.Lock()
	if gen != e.replyGen || e.replyTimer == nil {
		e.mu.Unlock()
		return
	}
	e.replyTimer = nil
	expired := e.store.Awaiting.DrainAll()
	e.mu.Unlock()

	if len(expired) == 0 {
		return
	}
	e.logger.Warn("reply window elapsed, failing sent messages",
		slog.Int("count", len(expired)),
		slog.Duration("timeout", e.opts.ReplyTimeout))
	e.expire(expired, ErrReplyTimeout)
	e.reportDepths()
}
