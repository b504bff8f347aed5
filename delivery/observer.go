// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package delivery

import (
	"github.com/absmach/pairlink/message"
	"github.com/absmach/pairlink/queue"
)

// Observer receives delivery events. Implementations must be safe for
// concurrent use and must not block.
type Observer interface {
	// OnTransition is called after every envelope status change.
	OnTransition(env *message.Envelope, from, to message.Status)

	// OnFailure is called once per envelope failed by the engine.
	OnFailure(env *message.Envelope, code Code)

	// OnDepths is called whenever either queue changes length.
	OnDepths(d queue.Depths)
}

type noopObserver struct{}

func (noopObserver) OnTransition(*message.Envelope, message.Status, message.Status) {}
func (noopObserver) OnFailure(*message.Envelope, Code)                              {}
func (noopObserver) OnDepths(queue.Depths)                                          {}

var _ Observer = noopObserver{}
