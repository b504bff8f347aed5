// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package websocket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/absmach/pairlink/delivery"
	"github.com/absmach/pairlink/message"
	"github.com/absmach/pairlink/ratelimit"
	"github.com/absmach/pairlink/transport"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
)

const tracerName = "github.com/absmach/pairlink/transport/websocket"

var (
	// ErrSendBufferFull is reported when the outbound queue of the connection
	// is full.
	ErrSendBufferFull = errors.New("send buffer full")
	// ErrCallExpired is reported for requests the peer never answered.
	ErrCallExpired = errors.New("request expired without reply")
)

// RemoteError is an error frame received from the peer.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return "peer: " + e.Message
}

var _ delivery.Transport = (*Link)(nil)
var _ delivery.StateNotifier = (*Link)(nil)

// Link is a websocket connection to a single paired peer. In listen mode it
// accepts one peer at a time; in dial mode it keeps redialing the peer URL.
//
// The link is activated once the listener is bound or the first dial attempt
// completed, and reachable while a connection is live and the write breaker is
// not open.
type Link struct {
	cfg      Config
	valid    bool
	logger   *slog.Logger
	codec    codec
	limits   *ratelimit.Manager
	breaker  *gobreaker.CircuitBreaker
	tracer   trace.Tracer
	upgrader websocket.Upgrader

	ctx          context.Context
	cancel       context.CancelFunc
	activateOnce sync.Once
	wg           sync.WaitGroup

	mu        sync.Mutex
	activated bool
	failed    bool
	closed    bool
	conn      *peerConn
	handler   transport.Handler
	calls     map[string]*call
	server    *http.Server
	addr      net.Addr

	watchers transport.Watchers
}

type call struct {
	onReply message.ReplyHandler
	onError message.ErrorHandler
	conn    *peerConn
	created time.Time
}

// New creates a link. An invalid configuration yields a link that reports
// itself unsupported.
func New(cfg Config, logger *slog.Logger) *Link {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()

	valid := true
	if err := cfg.Validate(); err != nil {
		logger.Error("websocket link disabled", slog.String("error", err.Error()))
		valid = false
	}
	frames, err := newCodec(cfg.Compression, cfg.CompressionThreshold, cfg.MaxMessageSize)
	if err != nil {
		logger.Error("websocket link disabled", slog.String("error", err.Error()))
		valid = false
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &Link{
		cfg:    cfg,
		valid:  valid,
		logger: logger.With(slog.String("transport", "websocket"), slog.String("mode", string(cfg.Mode))),
		codec:  frames,
		limits: ratelimit.NewManager(cfg.RateLimit),
		tracer: otel.Tracer(tracerName),
		upgrader: websocket.Upgrader{
			HandshakeTimeout: cfg.HandshakeTimeout,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
		ctx:    ctx,
		cancel: cancel,
		calls:  make(map[string]*call),
	}

	l.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "pairlink-websocket",
		MaxRequests: 1,
		Timeout:     cfg.Breaker.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.Breaker.FailureThreshold)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			l.logger.Warn("write breaker state changed",
				slog.String("from", from.String()),
				slog.String("to", to.String()))
			// Called with the breaker lock held; watchers query State().
			go l.watchers.Notify()
		},
	})

	return l
}

// IsSupported reports whether the link is configured and has not failed or
// been closed.
func (l *Link) IsSupported() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.valid && !l.failed && !l.closed
}

// IsActivated reports whether the link finished starting up.
func (l *Link) IsActivated() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.activated
}

// IsReachable reports whether a peer is connected and writes are not failing.
func (l *Link) IsReachable() bool {
	l.mu.Lock()
	connected := l.conn != nil
	l.mu.Unlock()
	return connected && l.breaker.State() != gobreaker.StateOpen
}

// State returns a snapshot of the readiness gates.
func (l *Link) State() transport.State {
	return transport.State{
		Supported: l.IsSupported(),
		Activated: l.IsActivated(),
		Reachable: l.IsReachable(),
	}
}

// Addr returns the bound listener address, or nil before activation and in
// dial mode.
func (l *Link) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.addr
}

// OnStateChange registers fn to run after every readiness change.
func (l *Link) OnStateChange(fn func()) {
	l.watchers.Add(fn)
}

// SetHandler installs the handler for messages sent by the peer.
func (l *Link) SetHandler(h transport.Handler) {
	l.mu.Lock()
	l.handler = h
	l.mu.Unlock()
}

// Activate starts listening or dialing. It returns immediately and only has an
// effect the first time it is called.
func (l *Link) Activate() {
	if !l.IsSupported() {
		return
	}
	l.activateOnce.Do(func() {
		if !l.track() {
			return
		}
		go func() {
			defer l.wg.Done()
			switch l.cfg.Mode {
			case ModeListen:
				l.listen()
			case ModeDial:
				l.dialLoop()
			}
		}()
	})
}

// SendMessage writes payload to the peer. A request is registered for
// correlation when onReply is set. Failures are reported through onError.
func (l *Link) SendMessage(payload message.Payload, onReply message.ReplyHandler, onError message.ErrorHandler) {
	f := &Frame{ID: uuid.New().String(), Kind: KindMessage, Payload: payload}
	if onReply != nil {
		f.Kind = KindRequest
	}

	data, err := l.codec.encode(f)
	if err != nil {
		if onError != nil {
			onError(err)
		}
		return
	}

	l.mu.Lock()
	pc := l.conn
	if pc != nil && onReply != nil {
		l.calls[f.ID] = &call{onReply: onReply, onError: onError, conn: pc, created: time.Now()}
	}
	l.mu.Unlock()

	if pc == nil {
		if onError != nil {
			onError(transport.ErrLinkClosed)
		}
		return
	}

	out := outbound{data: data, onError: onError}
	if onReply != nil {
		out = outbound{data: data, callID: f.ID}
	}
	if err := pc.enqueue(out); err != nil {
		l.failOutbound(out, err)
	}
}

// Close tears the link down. Outstanding requests fail with
// transport.ErrLinkClosed and the link reports itself unsupported afterwards.
func (l *Link) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	srv := l.server
	pc := l.conn
	calls := l.calls
	l.calls = make(map[string]*call)
	l.mu.Unlock()

	l.cancel()

	var err error
	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), l.cfg.ShutdownTimeout)
		err = multierr.Append(err, srv.Shutdown(ctx))
		cancel()
	}
	if pc != nil {
		deadline := time.Now().Add(l.cfg.WriteTimeout)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "link closed")
		if werr := pc.ws.WriteControl(websocket.CloseMessage, msg, deadline); werr != nil && !errors.Is(werr, websocket.ErrCloseSent) {
			err = multierr.Append(err, fmt.Errorf("failed to send close frame: %w", werr))
		}
		pc.close()
	}

	l.wg.Wait()
	l.limits.Stop()
	l.codec.close()

	for _, c := range calls {
		if c.onError != nil {
			c.onError(transport.ErrLinkClosed)
		}
	}
	l.watchers.Notify()

	return err
}

// track registers a goroutine with the link unless it is closing.
func (l *Link) track() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	l.wg.Add(1)
	return true
}

func (l *Link) listen() {
	ln, err := net.Listen("tcp", l.cfg.ListenAddr)
	if err != nil {
		l.logger.Error("failed to bind websocket listener",
			slog.String("addr", l.cfg.ListenAddr),
			slog.String("error", err.Error()))
		l.mu.Lock()
		l.failed = true
		l.mu.Unlock()
		l.watchers.Notify()
		return
	}

	mux := http.NewServeMux()
	mux.HandleFunc(l.cfg.Path, l.handleUpgrade)
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: l.cfg.HandshakeTimeout,
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		ln.Close()
		return
	}
	l.server = srv
	l.addr = ln.Addr()
	l.activated = true
	l.mu.Unlock()

	l.logger.Info("websocket link listening", slog.String("addr", ln.Addr().String()))
	l.watchers.Notify()

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		l.logger.Error("websocket listener stopped", slog.String("error", err.Error()))
	}
}

func (l *Link) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if !l.limits.AllowHandshake(r.RemoteAddr) {
		l.logger.Warn("handshake rate limited", slog.String("remote", r.RemoteAddr))
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}

	l.mu.Lock()
	busy := l.conn != nil || l.closed
	l.mu.Unlock()
	if busy {
		http.Error(w, "peer already connected", http.StatusConflict)
		return
	}

	ws, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.logger.Warn("websocket upgrade failed",
			slog.String("remote", r.RemoteAddr),
			slog.String("error", err.Error()))
		return
	}

	l.serveConn(ws, r.RemoteAddr)
}

func (l *Link) dialLoop() {
	dialer := websocket.Dialer{HandshakeTimeout: l.cfg.HandshakeTimeout}
	first := true

	for {
		ws, _, err := dialer.DialContext(l.ctx, l.cfg.PeerURL, nil)
		switch {
		case err == nil:
			first = false
			l.serveConn(ws, l.cfg.PeerURL)
		case l.ctx.Err() != nil:
			return
		default:
			l.logger.Debug("dial failed",
				slog.String("url", l.cfg.PeerURL),
				slog.String("error", err.Error()))
			if first {
				first = false
				l.mu.Lock()
				l.activated = true
				l.mu.Unlock()
				l.watchers.Notify()
			}
		}

		select {
		case <-l.ctx.Done():
			return
		case <-time.After(l.cfg.RedialInterval):
		}
	}
}

// serveConn runs a connection until it closes.
func (l *Link) serveConn(ws *websocket.Conn, peer string) {
	pc := newPeerConn(ws, peer, l.cfg.SendBuffer)
	if !l.attach(pc) {
		ws.Close()
		return
	}

	l.logger.Info("peer connected", slog.String("peer", peer))
	l.watchers.Notify()

	if l.track() {
		go func() {
			defer l.wg.Done()
			l.writeLoop(pc)
		}()
	} else {
		pc.close()
	}

	l.readLoop(pc)
	l.detach(pc)
}

// attach installs pc as the live connection. Connecting also activates the
// link, so both gates flip in one notification.
func (l *Link) attach(pc *peerConn) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || l.conn != nil {
		return false
	}
	l.conn = pc
	l.activated = true
	return true
}

func (l *Link) detach(pc *peerConn) {
	l.mu.Lock()
	if l.conn != pc {
		l.mu.Unlock()
		return
	}
	l.conn = nil
	var orphaned []*call
	for id, c := range l.calls {
		if c.conn == pc {
			orphaned = append(orphaned, c)
			delete(l.calls, id)
		}
	}
	l.mu.Unlock()

	pc.close()
	l.limits.OnPeerDisconnect(pc.peer)
	l.logger.Info("peer disconnected",
		slog.String("peer", pc.peer),
		slog.Int("orphaned_requests", len(orphaned)))

	for _, c := range orphaned {
		if c.onError != nil {
			c.onError(transport.ErrLinkClosed)
		}
	}
	l.watchers.Notify()
}

func (l *Link) takeCall(id string) *call {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.calls[id]
	if !ok {
		return nil
	}
	delete(l.calls, id)
	return c
}

// expireCalls fails requests older than the configured call TTL.
func (l *Link) expireCalls(pc *peerConn) {
	cutoff := time.Now().Add(-l.cfg.CallTTL)

	l.mu.Lock()
	var expired []*call
	for id, c := range l.calls {
		if c.conn == pc && c.created.Before(cutoff) {
			expired = append(expired, c)
			delete(l.calls, id)
		}
	}
	l.mu.Unlock()

	for _, c := range expired {
		if c.onError != nil {
			c.onError(ErrCallExpired)
		}
	}
}

func (l *Link) failOutbound(out outbound, err error) {
	if out.callID != "" {
		if c := l.takeCall(out.callID); c != nil && c.onError != nil {
			c.onError(err)
		}
		return
	}
	if out.onError != nil {
		out.onError(err)
	}
}

func (l *Link) inboundHandler() transport.Handler {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.handler
}
