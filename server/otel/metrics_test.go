// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"testing"
	"time"

	"github.com/absmach/pairlink/delivery"
	"github.com/absmach/pairlink/message"
	"github.com/absmach/pairlink/queue"
	"github.com/absmach/pairlink/transport/loopback"
	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	require.NoError(t, err)
	return m, reader
}

// sum returns the value of the int64 sum named name whose attributes contain
// key=value, or the total over all points when key is empty.
func sum(t *testing.T, reader *sdkmetric.ManualReader, name, key, value string) int64 {
	t.Helper()

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			if md.Name != name {
				continue
			}
			data, ok := md.Data.(metricdata.Sum[int64])
			require.True(t, ok, "%s is not an int64 sum", name)
			for _, dp := range data.DataPoints {
				if key != "" {
					v, ok := dp.Attributes.Value(attribute.Key(key))
					if !ok || v.Emit() != value {
						continue
					}
				}
				total += dp.Value
			}
		}
	}
	return total
}

func TestMetrics_Transitions(t *testing.T) {
	m, reader := newTestMetrics(t)
	clk := clock.NewMock()
	timing := message.Timing{Clock: clk, ReplyTimeout: time.Second}

	env := message.New(message.Payload{}, func(message.Payload) {}, nil, timing)
	m.OnTransition(env, message.NotSent, message.SentAwaitingReply)
	m.OnTransition(env, message.SentAwaitingReply, message.RepliedOnTime)

	ff := message.New(message.Payload{}, nil, nil, timing)
	m.OnTransition(ff, message.NotSent, message.SentNoReplyNeeded)

	late := message.New(message.Payload{}, func(message.Payload) {}, nil, timing)
	m.OnTransition(late, message.SentAwaitingReply, message.RepliedAfterTimeout)

	assert.Equal(t, int64(2), sum(t, reader, "pairlink.messages.sent", "", ""))
	assert.Equal(t, int64(1), sum(t, reader, "pairlink.messages.sent", "expects_reply", "true"))
	assert.Equal(t, int64(1), sum(t, reader, "pairlink.replies", "outcome", "on_time"))
	assert.Equal(t, int64(1), sum(t, reader, "pairlink.replies", "outcome", "late"))
}

func TestMetrics_FailuresAndDepths(t *testing.T) {
	m, reader := newTestMetrics(t)
	env := message.New(message.Payload{}, nil, nil, message.Timing{})

	m.OnFailure(env, delivery.CodeNotReachable)
	m.OnFailure(env, delivery.CodeNotReachable)
	m.OnFailure(env, delivery.CodeOutgoingTimeout)

	m.OnDepths(queue.Depths{Pending: 3, Awaiting: 0})
	m.OnDepths(queue.Depths{Pending: 1, Awaiting: 2})

	assert.Equal(t, int64(2), sum(t, reader, "pairlink.messages.failed", "code", "not_reachable"))
	assert.Equal(t, int64(1), sum(t, reader, "pairlink.messages.failed", "code", "outgoing_timeout"))
	assert.Equal(t, int64(1), sum(t, reader, "pairlink.queue.pending", "", ""))
	assert.Equal(t, int64(2), sum(t, reader, "pairlink.queue.awaiting", "", ""))
}

func TestMetrics_AsEngineObserver(t *testing.T) {
	m, reader := newTestMetrics(t)

	local, remote := loopback.NewPair()
	remote.SetHandler(func(msg message.Payload, reply message.ReplyHandler) {
		reply(message.Payload{"ok": true})
	})
	engine := delivery.New(local, delivery.WithObserver(m))

	done := make(chan struct{})
	engine.Send(message.Payload{"n": 1}, func(message.Payload) { close(done) }, nil)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("no reply")
	}

	assert.Eventually(t, func() bool {
		return sum(t, reader, "pairlink.replies", "outcome", "on_time") == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(1), sum(t, reader, "pairlink.messages.sent", "", ""))
	assert.Equal(t, int64(0), sum(t, reader, "pairlink.queue.awaiting", "", ""))
}
