// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package delivery

import (
	"errors"
	"fmt"
)

// Delivery failures handed to a producer's error handler.
var (
	// ErrTransportUnsupported means no transport is available on this host.
	ErrTransportUnsupported = errors.New("transport unsupported")

	// ErrNotReachable means the peer was unreachable when the queue was drained.
	ErrNotReachable = errors.New("peer not reachable")

	// ErrOutgoingTimeout means the message was not sent within the outgoing window.
	ErrOutgoingTimeout = errors.New("outgoing message timed out")

	// ErrReplyTimeout means no reply arrived within the reply window.
	ErrReplyTimeout = errors.New("reply timed out")
)

// Code is a stable label for a delivery failure.
type Code string

const (
	CodeTransportUnsupported Code = "transport_unsupported"
	CodeNotReachable         Code = "not_reachable"
	CodeOutgoingTimeout      Code = "outgoing_timeout"
	CodeReplyTimeout         Code = "reply_timeout"
	CodeTransport            Code = "transport"
)

// CodeOf classifies err. Errors not raised by the engine are reported as
// CodeTransport.
func CodeOf(err error) Code {
	switch {
	case errors.Is(err, ErrTransportUnsupported):
		return CodeTransportUnsupported
	case errors.Is(err, ErrNotReachable):
		return CodeNotReachable
	case errors.Is(err, ErrOutgoingTimeout):
		return CodeOutgoingTimeout
	case errors.Is(err, ErrReplyTimeout):
		return CodeReplyTimeout
	default:
		return CodeTransport
	}
}

func messageError(kind error, id string) error {
	return fmt.Errorf("%w: message %s", kind, id)
}
