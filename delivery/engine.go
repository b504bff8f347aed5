// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package delivery

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/absmach/pairlink/message"
	"github.com/absmach/pairlink/queue"
	"github.com/benbjohnson/clock"
)

// Engine queues outbound messages until the transport is ready, sends them in
// order, and reports each outcome to the producer exactly once.
//
// Observer methods may be called while the engine lock is held and must not
// call back into the Engine. Producer callbacks are always invoked with no
// engine lock held and may call Send.
type Engine struct {
	transport Transport
	opts      Options
	clock     clock.Clock
	logger    *slog.Logger
	observer  Observer

	mu           sync.Mutex
	store        *queue.Store[*message.Envelope]
	pendingTimer *clock.Timer
	pendingGen   uint64
	replyTimer   *clock.Timer
	replyGen     uint64

	drainMu        sync.Mutex
	drainRequested atomic.Bool
}

// New creates an engine bound to t. If t implements StateNotifier the engine
// drains its pending queue on every readiness change.
func New(t Transport, opts ...Option) *Engine {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.OutgoingTimeout <= 0 {
		o.OutgoingTimeout = DefaultOutgoingTimeout
	}
	if o.ReplyTimeout <= 0 {
		o.ReplyTimeout = DefaultReplyTimeout
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Observer == nil {
		o.Observer = noopObserver{}
	}

	e := &Engine{
		transport: t,
		opts:      o,
		clock:     o.Clock,
		logger:    o.Logger,
		observer:  o.Observer,
		store:     queue.NewStore[*message.Envelope](),
	}

	if n, ok := t.(StateNotifier); ok {
		n.OnStateChange(e.Flush)
	}

	return e
}

// Send queues payload for delivery. onReply may be nil for messages that need
// no reply; onError may be nil if the producer does not care about failures.
// Send never blocks. If the transport is unsupported, onError is called before
// Send returns.
func (e *Engine) Send(payload message.Payload, onReply message.ReplyHandler, onError message.ErrorHandler) {
	env := message.New(payload, onReply, onError, message.Timing{
		Clock:        e.clock,
		ReplyTimeout: e.opts.ReplyTimeout,
		OnTransition: e.observer.OnTransition,
	})

	if !e.transport.IsSupported() {
		e.logger.Debug("transport unsupported, failing message", slog.String("message_id", env.ID))
		e.fail([]*message.Envelope{env}, ErrTransportUnsupported)
		return
	}

	e.transport.Activate()

	e.mu.Lock()
	e.store.Pending.Enqueue(env)
	e.armPendingTimer()
	e.mu.Unlock()

	e.logger.Debug("message queued",
		slog.String("message_id", env.ID),
		slog.Bool("expects_reply", env.ExpectsReply()))
	e.reportDepths()

	e.Flush()
}

// Flush drains the pending queue as far as transport readiness allows.
// Concurrent calls are coalesced: if a drain is already running it re-checks
// the queue before returning.
func (e *Engine) Flush() {
	e.drainRequested.Store(true)
	for e.drainRequested.Load() {
		if !e.drainMu.TryLock() {
			return
		}
		for e.drainRequested.Swap(false) {
			e.drain()
		}
		e.drainMu.Unlock()
	}
}

// Depths returns the current queue lengths.
func (e *Engine) Depths() queue.Depths {
	return e.store.Depths()
}

func (e *Engine) drain() {
	for {
		env, unreachable := e.next()
		if len(unreachable) > 0 {
			e.logger.Warn("peer unreachable, failing pending messages",
				slog.Int("count", len(unreachable)))
			e.fail(unreachable, ErrNotReachable)
			e.reportDepths()
			return
		}
		if env == nil {
			return
		}
		e.reportDepths()
		e.dispatch(env)
	}
}

// next decides the fate of the head of the pending queue. It returns the
// envelope to transmit, the whole backlog if the peer is unreachable, or
// neither when draining must stop.
func (e *Engine) next() (*message.Envelope, []*message.Envelope) {
	e.mu.Lock()
	defer e.mu.Unlock()

	head, ok := e.store.Pending.Peek()
	if !ok {
		e.stopPendingTimer()
		return nil, nil
	}

	// Not activated yet: the head stays where it is and keeps its deadline.
	if !e.transport.IsActivated() {
		return nil, nil
	}

	if !e.transport.IsReachable() {
		e.stopPendingTimer()
		return nil, e.store.Pending.DrainAll()
	}

	e.store.Pending.Dequeue()
	head.MarkSent()
	if head.ExpectsReply() {
		e.store.Awaiting.Enqueue(head)
		e.armReplyTimer()
	}
	if e.store.Pending.Len() == 0 {
		e.stopPendingTimer()
	}

	return head, nil
}

func (e *Engine) dispatch(env *message.Envelope) {
	var onReply message.ReplyHandler
	if env.ExpectsReply() {
		onReply = func(reply message.Payload) {
			e.resolved(env)
			if env.Reply(reply) {
				e.lateAnswer(env)
			}
		}
	}
	onError := func(err error) {
		e.resolved(env)
		if env.Error(err) {
			e.lateAnswer(env)
		}
	}

	e.logger.Debug("sending message", slog.String("message_id", env.ID))
	e.transport.SendMessage(env.Payload, onReply, onError)
}

// resolved removes env from the awaiting queue once the transport answered.
func (e *Engine) resolved(env *message.Envelope) {
	e.mu.Lock()
	removed := e.store.Awaiting.Remove(env)
	if removed && e.store.Awaiting.Len() == 0 {
		e.stopReplyTimer()
	}
	e.mu.Unlock()

	if removed {
		e.reportDepths()
	}
}

// lateAnswer reports the reply timeout for an answer that arrived after the
// window but before the reply timer fired.
func (e *Engine) lateAnswer(env *message.Envelope) {
	e.logger.Debug("answer arrived after reply window",
		slog.String("message_id", env.ID),
		slog.Duration("age", env.Age()))
	e.expire([]*message.Envelope{env}, ErrReplyTimeout)
}

func (e *Engine) fail(envs []*message.Envelope, kind error) {
	code := CodeOf(kind)
	for _, env := range envs {
		if env.Fail(messageError(kind, env.ID)) {
			e.observer.OnFailure(env, code)
		}
	}
}

func (e *Engine) expire(envs []*message.Envelope, kind error) {
	code := CodeOf(kind)
	for _, env := range envs {
		if env.Expire(messageError(kind, env.ID)) {
			e.observer.OnFailure(env, code)
		}
	}
}

func (e *Engine) reportDepths() {
	e.observer.OnDepths(e.store.Depths())
}
