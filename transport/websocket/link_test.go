// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package websocket

import (
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/absmach/pairlink/delivery"
	"github.com/absmach/pairlink/message"
	"github.com/absmach/pairlink/transport"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 3 * time.Second

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func startListener(t *testing.T, mutate func(*Config)) *Link {
	t.Helper()

	cfg := DefaultConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	if mutate != nil {
		mutate(&cfg)
	}

	l := New(cfg, testLogger)
	t.Cleanup(func() { l.Close() })
	l.Activate()
	require.Eventually(t, l.IsActivated, waitFor, 10*time.Millisecond)
	require.NotNil(t, l.Addr())
	return l
}

func startDialer(t *testing.T, server *Link, mutate func(*Config)) *Link {
	t.Helper()

	cfg := DefaultConfig()
	cfg.Mode = ModeDial
	cfg.PeerURL = "ws://" + server.Addr().String() + "/link"
	cfg.RedialInterval = 50 * time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}

	l := New(cfg, testLogger)
	t.Cleanup(func() { l.Close() })
	l.Activate()
	require.Eventually(t, l.IsReachable, waitFor, 10*time.Millisecond)
	require.Eventually(t, server.IsReachable, waitFor, 10*time.Millisecond)
	return l
}

type result struct {
	mu      sync.Mutex
	replies []message.Payload
	errs    []error
}

func (r *result) onReply(p message.Payload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replies = append(r.replies, p)
}

func (r *result) onError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *result) total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.replies) + len(r.errs)
}

func (r *result) firstError() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.errs) == 0 {
		return nil
	}
	return r.errs[0]
}

func TestLink_InvalidConfigUnsupported(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
	}{
		{"unknown mode", Config{Mode: "carrier-pigeon"}},
		{"listen without addr", Config{Mode: ModeListen}},
		{"dial without url", Config{Mode: ModeDial}},
		{"dial with http url", Config{Mode: ModeDial, PeerURL: "http://peer"}},
		{"bad compression", Config{Mode: ModeListen, ListenAddr: ":0", Compression: "lz4"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			l := New(tc.cfg, testLogger)
			defer l.Close()

			assert.False(t, l.IsSupported())
			l.Activate()
			assert.False(t, l.IsActivated())
		})
	}
}

func TestLink_ListenActivatesWithoutPeer(t *testing.T) {
	server := startListener(t, nil)

	state := server.State()
	assert.True(t, state.Supported)
	assert.True(t, state.Activated)
	assert.False(t, state.Reachable)
}

func TestLink_DialFailureActivates(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Mode = ModeDial
	cfg.PeerURL = "ws://127.0.0.1:1/link"
	cfg.HandshakeTimeout = 200 * time.Millisecond
	cfg.RedialInterval = time.Hour

	l := New(cfg, testLogger)
	defer l.Close()
	l.Activate()

	require.Eventually(t, l.IsActivated, waitFor, 10*time.Millisecond)
	assert.False(t, l.IsReachable())
}

func TestLink_RequestReply(t *testing.T) {
	for _, compression := range []Compression{CompressionNone, CompressionS2, CompressionZstd} {
		t.Run(string(compression), func(t *testing.T) {
			server := startListener(t, nil)
			server.SetHandler(func(msg message.Payload, reply message.ReplyHandler) {
				reply(message.Payload{"echo": msg["text"]})
			})
			client := startDialer(t, server, func(c *Config) {
				c.Compression = compression
				c.CompressionThreshold = 0
			})

			var r result
			client.SendMessage(message.Payload{"text": "hello"}, r.onReply, r.onError)

			require.Eventually(t, func() bool { return r.total() == 1 }, waitFor, 10*time.Millisecond)
			r.mu.Lock()
			defer r.mu.Unlock()
			require.Len(t, r.replies, 1)
			assert.Equal(t, "hello", r.replies[0]["echo"])
		})
	}
}

func TestLink_FireAndForget(t *testing.T) {
	server := startListener(t, nil)

	received := make(chan message.Payload, 1)
	server.SetHandler(func(msg message.Payload, reply message.ReplyHandler) {
		assert.Nil(t, reply)
		received <- msg
	})
	client := startDialer(t, server, nil)

	var r result
	client.SendMessage(message.Payload{"text": "ping"}, nil, r.onError)

	select {
	case msg := <-received:
		assert.Equal(t, "ping", msg["text"])
	case <-time.After(waitFor):
		t.Fatal("message not delivered")
	}
	assert.Equal(t, 0, r.total())
}

func TestLink_ReplyFromServerSide(t *testing.T) {
	server := startListener(t, nil)
	client := startDialer(t, server, nil)
	client.SetHandler(func(msg message.Payload, reply message.ReplyHandler) {
		reply(message.Payload{"from": "client"})
	})

	var r result
	server.SendMessage(message.Payload{"q": "who"}, r.onReply, r.onError)

	require.Eventually(t, func() bool { return r.total() == 1 }, waitFor, 10*time.Millisecond)
	r.mu.Lock()
	defer r.mu.Unlock()
	require.Len(t, r.replies, 1)
	assert.Equal(t, "client", r.replies[0]["from"])
}

func TestLink_NoHandlerReturnsRemoteError(t *testing.T) {
	server := startListener(t, nil)
	client := startDialer(t, server, nil)

	var r result
	client.SendMessage(message.Payload{"text": "anyone?"}, r.onReply, r.onError)

	require.Eventually(t, func() bool { return r.total() == 1 }, waitFor, 10*time.Millisecond)
	var remote *RemoteError
	require.ErrorAs(t, r.firstError(), &remote)
	assert.Equal(t, transport.ErrNoHandler.Error(), remote.Message)
}

func TestLink_InboundRateLimited(t *testing.T) {
	server := startListener(t, func(c *Config) {
		c.RateLimit.Inbound.Rate = 0.001
		c.RateLimit.Inbound.Burst = 1
	})
	server.SetHandler(func(msg message.Payload, reply message.ReplyHandler) {
		reply(message.Payload{"ok": true})
	})
	client := startDialer(t, server, nil)

	var first, second result
	client.SendMessage(message.Payload{"n": "1"}, first.onReply, first.onError)
	require.Eventually(t, func() bool { return first.total() == 1 }, waitFor, 10*time.Millisecond)
	client.SendMessage(message.Payload{"n": "2"}, second.onReply, second.onError)
	require.Eventually(t, func() bool { return second.total() == 1 }, waitFor, 10*time.Millisecond)

	assert.NoError(t, first.firstError())
	var remote *RemoteError
	require.ErrorAs(t, second.firstError(), &remote)
	assert.Equal(t, transport.ErrRateLimited.Error(), remote.Message)
}

func TestLink_SendWithoutPeer(t *testing.T) {
	server := startListener(t, nil)

	var r result
	server.SendMessage(message.Payload{"text": "void"}, r.onReply, r.onError)

	assert.Equal(t, 1, r.total())
	assert.ErrorIs(t, r.firstError(), transport.ErrLinkClosed)
}

func TestLink_DisconnectFailsOutstanding(t *testing.T) {
	server := startListener(t, nil)
	handled := make(chan struct{})
	server.SetHandler(func(msg message.Payload, reply message.ReplyHandler) {
		close(handled)
	})
	client := startDialer(t, server, func(c *Config) {
		c.RedialInterval = time.Hour
	})

	var r result
	client.SendMessage(message.Payload{"text": "hold"}, r.onReply, r.onError)
	<-handled

	require.NoError(t, server.Close())

	require.Eventually(t, func() bool { return r.total() == 1 }, waitFor, 10*time.Millisecond)
	assert.ErrorIs(t, r.firstError(), transport.ErrLinkClosed)
	assert.Eventually(t, func() bool { return !client.IsReachable() }, waitFor, 10*time.Millisecond)
	assert.False(t, server.IsSupported())
}

func TestLink_SecondPeerRejected(t *testing.T) {
	server := startListener(t, nil)
	startDialer(t, server, nil)

	url := "ws://" + server.Addr().String() + "/link"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if conn != nil {
		conn.Close()
	}
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestLink_StateNotifications(t *testing.T) {
	server := startListener(t, nil)

	var mu sync.Mutex
	var seen []bool
	server.OnStateChange(func() {
		mu.Lock()
		seen = append(seen, server.IsReachable())
		mu.Unlock()
	})

	client := startDialer(t, server, func(c *Config) {
		c.RedialInterval = time.Hour
	})
	require.NoError(t, client.Close())

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) >= 2 && seen[0] && !seen[len(seen)-1]
	}, waitFor, 10*time.Millisecond)
}

func TestLink_DrivesEngine(t *testing.T) {
	server := startListener(t, nil)
	server.SetHandler(func(msg message.Payload, reply message.ReplyHandler) {
		if reply != nil {
			reply(message.Payload{"ack": msg["seq"]})
		}
	})
	client := startDialer(t, server, nil)

	engine := delivery.New(client, delivery.WithLogger(testLogger))

	var r result
	for _, seq := range []string{"a", "b", "c"} {
		engine.Send(message.Payload{"seq": seq}, r.onReply, r.onError)
	}

	require.Eventually(t, func() bool { return r.total() == 3 }, waitFor, 10*time.Millisecond)
	r.mu.Lock()
	defer r.mu.Unlock()
	assert.Empty(t, r.errs)
	assert.Eventually(t, func() bool { return engine.Depths().Awaiting == 0 }, waitFor, 10*time.Millisecond)
}
