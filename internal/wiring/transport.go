// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package wiring

import (
	"fmt"
	"log/slog"

	"github.com/absmach/pairlink/config"
	"github.com/absmach/pairlink/delivery"
	"github.com/absmach/pairlink/message"
	"github.com/absmach/pairlink/transport"
	"github.com/absmach/pairlink/transport/loopback"
	"github.com/absmach/pairlink/transport/websocket"
)

// Link is what the daemon needs from a configured transport.
type Link interface {
	delivery.Transport
	delivery.StateNotifier
	SetHandler(h transport.Handler)
	State() transport.State
	Close() error
}

var (
	_ Link = (*websocket.Link)(nil)
	_ Link = (*loopbackLink)(nil)
)

// NewTransport builds the link selected by cfg.Type.
func NewTransport(cfg config.TransportConfig, logger *slog.Logger) (Link, error) {
	if logger == nil {
		logger = slog.Default()
	}

	switch cfg.Type {
	case config.TransportWebsocket:
		return websocket.New(cfg.Websocket, logger), nil
	case config.TransportLoopback:
		local, peer := loopback.NewPair(loopback.WithLogger(logger))
		peer.SetHandler(Echo(logger.With(slog.String("side", "peer"))))
		return &loopbackLink{Link: local, peer: peer}, nil
	default:
		return nil, fmt.Errorf("unknown transport type %q", cfg.Type)
	}
}

// loopbackLink pairs the local side of an in-process link with an echoing peer.
type loopbackLink struct {
	*loopback.Link
	peer *loopback.Link
}

func (l *loopbackLink) Close() error {
	l.SetReachable(false)
	l.Wait()
	l.peer.Wait()
	return nil
}

// Echo answers every request with the received payload under "echo". Messages
// that need no reply are only logged.
func Echo(logger *slog.Logger) transport.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(msg message.Payload, reply message.ReplyHandler) {
		logger.Debug("inbound message", slog.Int("fields", len(msg)), slog.Bool("expects_reply", reply != nil))
		if reply == nil {
			return
		}
		reply(message.Payload{"echo": msg})
	}
}
