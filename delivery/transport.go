// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package delivery

import "github.com/absmach/pairlink/message"

// Transport is the paired-peer link messages are delivered over.
//
// Readiness queries must not block; the engine calls them while holding its
// queue lock. SendMessage must not call back into the engine synchronously
// while holding a lock of its own.
type Transport interface {
	// IsSupported reports whether the link can exist on this host at all.
	IsSupported() bool

	// IsActivated reports whether activation has completed.
	IsActivated() bool

	// IsReachable reports whether the peer can currently receive messages.
	IsReachable() bool

	// Activate starts activation. It is idempotent and does not block.
	Activate()

	// SendMessage transmits payload. Exactly one of onReply or onError is
	// eventually invoked, possibly from another goroutine; onReply is nil when
	// no reply is wanted.
	SendMessage(payload message.Payload, onReply message.ReplyHandler, onError message.ErrorHandler)
}

// StateNotifier is implemented by transports that report readiness changes.
// The callback is invoked with no transport lock held.
type StateNotifier interface {
	OnStateChange(fn func())
}
