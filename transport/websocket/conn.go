// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package websocket

import (
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/pairlink/message"
	"github.com/absmach/pairlink/transport"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type outbound struct {
	data    []byte
	callID  string
	onError message.ErrorHandler
}

// peerConn owns one websocket connection. All writes go through send so a
// single goroutine writes to the socket and frames leave in order.
type peerConn struct {
	ws        *websocket.Conn
	peer      string
	send      chan outbound
	done      chan struct{}
	closeOnce sync.Once
}

func newPeerConn(ws *websocket.Conn, peer string, buffer int) *peerConn {
	return &peerConn{
		ws:   ws,
		peer: peer,
		send: make(chan outbound, buffer),
		done: make(chan struct{}),
	}
}

func (pc *peerConn) enqueue(out outbound) error {
	select {
	case <-pc.done:
		return transport.ErrLinkClosed
	default:
	}

	select {
	case pc.send <- out:
		return nil
	case <-pc.done:
		return transport.ErrLinkClosed
	default:
		return ErrSendBufferFull
	}
}

func (pc *peerConn) close() {
	pc.closeOnce.Do(func() {
		close(pc.done)
		pc.ws.Close()
	})
}

func (l *Link) readLoop(pc *peerConn) {
	ws := pc.ws
	ws.SetReadLimit(l.cfg.MaxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(l.cfg.PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(l.cfg.PongWait))
	})

	for {
		typ, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				l.logger.Debug("websocket read error",
					slog.String("peer", pc.peer),
					slog.String("error", err.Error()))
			}
			return
		}
		if typ != websocket.BinaryMessage {
			continue
		}

		f, err := l.codec.decode(data)
		if err != nil {
			l.logger.Warn("dropping frame",
				slog.String("peer", pc.peer),
				slog.String("error", err.Error()))
			continue
		}
		l.handleFrame(pc, f)
	}
}

func (l *Link) writeLoop(pc *peerConn) {
	ticker := time.NewTicker(l.cfg.PingInterval)
	defer ticker.Stop()
	defer pc.close()

	for {
		select {
		case <-pc.done:
			l.drainOutbound(pc)
			return

		case out := <-pc.send:
			_, err := l.breaker.Execute(func() (any, error) {
				if err := pc.ws.SetWriteDeadline(time.Now().Add(l.cfg.WriteTimeout)); err != nil {
					return nil, err
				}
				return nil, pc.ws.WriteMessage(websocket.BinaryMessage, out.data)
			})
			if err == nil {
				continue
			}
			l.failOutbound(out, err)
			if isBreakerRejection(err) {
				continue
			}
			l.logger.Warn("websocket write failed",
				slog.String("peer", pc.peer),
				slog.String("error", err.Error()))
			return

		case <-ticker.C:
			deadline := time.Now().Add(l.cfg.WriteTimeout)
			if err := pc.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
			l.expireCalls(pc)
		}
	}
}

func (l *Link) drainOutbound(pc *peerConn) {
	for {
		select {
		case out := <-pc.send:
			l.failOutbound(out, transport.ErrLinkClosed)
		default:
			return
		}
	}
}

func (l *Link) handleFrame(pc *peerConn, f *Frame) {
	switch f.Kind {
	case KindRequest, KindMessage:
		l.handleInbound(pc, f)
	case KindReply:
		if c := l.takeCall(f.ID); c != nil {
			c.onReply(f.Payload)
		}
	case KindError:
		if c := l.takeCall(f.ID); c != nil && c.onError != nil {
			c.onError(&RemoteError{Message: f.Error})
		}
	default:
		l.logger.Warn("unknown frame kind",
			slog.String("peer", pc.peer),
			slog.String("kind", string(f.Kind)))
	}
}

func (l *Link) handleInbound(pc *peerConn, f *Frame) {
	request := f.Kind == KindRequest

	if !l.limits.AllowInbound(pc.peer) {
		l.logger.Warn("inbound message rate limited", slog.String("peer", pc.peer))
		if request {
			l.writeFrame(pc, &Frame{ID: f.ID, Kind: KindError, Error: transport.ErrRateLimited.Error()})
		}
		return
	}

	h := l.inboundHandler()
	if h == nil {
		if request {
			l.writeFrame(pc, &Frame{ID: f.ID, Kind: KindError, Error: transport.ErrNoHandler.Error()})
		}
		return
	}

	var reply message.ReplyHandler
	if request {
		var once sync.Once
		reply = func(p message.Payload) {
			once.Do(func() {
				l.writeFrame(pc, &Frame{ID: f.ID, Kind: KindReply, Payload: p})
			})
		}
	}

	if !l.track() {
		return
	}
	go func() {
		defer l.wg.Done()
		_, span := l.tracer.Start(l.ctx, "pairlink.inbound",
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("pairlink.frame.id", f.ID),
				attribute.String("pairlink.frame.kind", string(f.Kind)),
			))
		defer span.End()
		h(f.Payload, reply)
	}()
}

// writeFrame queues a frame that has no producer callbacks.
func (l *Link) writeFrame(pc *peerConn, f *Frame) {
	data, err := l.codec.encode(f)
	if err == nil {
		err = pc.enqueue(outbound{data: data})
	}
	if err != nil {
		l.logger.Debug("failed to queue frame",
			slog.String("id", f.ID),
			slog.String("kind", string(f.Kind)),
			slog.String("error", err.Error()))
	}
}
