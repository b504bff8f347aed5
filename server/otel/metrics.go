// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"fmt"
	"sync"

	"github.com/absmach/pairlink/delivery"
	"github.com/absmach/pairlink/message"
	"github.com/absmach/pairlink/queue"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/absmach/pairlink"

var _ delivery.Observer = (*Metrics)(nil)

// Metrics records delivery outcomes as OpenTelemetry instruments. It is
// installed on the engine as its Observer.
type Metrics struct {
	meter metric.Meter

	// Counters
	messagesSent   metric.Int64Counter
	messagesFailed metric.Int64Counter
	replies        metric.Int64Counter

	// UpDownCounters (Gauges)
	pendingDepth  metric.Int64UpDownCounter
	awaitingDepth metric.Int64UpDownCounter

	// Histograms
	replyLatency metric.Float64Histogram

	mu   sync.Mutex
	last queue.Depths
}

// NewMetrics creates the instruments on mp, or on the global provider when mp
// is nil.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	m := &Metrics{
		meter: mp.Meter(meterName),
	}

	var err error

	m.messagesSent, err = m.meter.Int64Counter(
		"pairlink.messages.sent",
		metric.WithDescription("Messages handed to the transport"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesSent counter: %w", err)
	}

	m.messagesFailed, err = m.meter.Int64Counter(
		"pairlink.messages.failed",
		metric.WithDescription("Messages failed by the delivery engine, by code"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesFailed counter: %w", err)
	}

	m.replies, err = m.meter.Int64Counter(
		"pairlink.replies",
		metric.WithDescription("Replies received, by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create replies counter: %w", err)
	}

	m.pendingDepth, err = m.meter.Int64UpDownCounter(
		"pairlink.queue.pending",
		metric.WithDescription("Messages waiting for the transport"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create pendingDepth gauge: %w", err)
	}

	m.awaitingDepth, err = m.meter.Int64UpDownCounter(
		"pairlink.queue.awaiting",
		metric.WithDescription("Sent messages waiting for a reply"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create awaitingDepth gauge: %w", err)
	}

	m.replyLatency, err = m.meter.Float64Histogram(
		"pairlink.reply.duration.ms",
		metric.WithDescription("Time from enqueue to on-time reply in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create replyLatency histogram: %w", err)
	}

	return m, nil
}

// OnTransition counts sends and replies.
func (m *Metrics) OnTransition(env *message.Envelope, from, to message.Status) {
	ctx := context.Background()

	switch to {
	case message.SentAwaitingReply, message.SentNoReplyNeeded:
		m.messagesSent.Add(ctx, 1, metric.WithAttributes(
			attribute.Bool("expects_reply", to == message.SentAwaitingReply),
		))
	case message.RepliedOnTime:
		m.replies.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "on_time")))
		m.replyLatency.Record(ctx, float64(env.Age().Microseconds())/1000)
	case message.RepliedAfterTimeout:
		m.replies.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "late")))
	}
}

// OnFailure counts a message failed by the engine.
func (m *Metrics) OnFailure(env *message.Envelope, code delivery.Code) {
	m.messagesFailed.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("code", string(code)),
	))
}

// OnDepths moves the depth gauges to d.
func (m *Metrics) OnDepths(d queue.Depths) {
	m.mu.Lock()
	dp := d.Pending - m.last.Pending
	da := d.Awaiting - m.last.Awaiting
	m.last = d
	m.mu.Unlock()

	ctx := context.Background()
	if dp != 0 {
		m.pendingDepth.Add(ctx, int64(dp))
	}
	if da != 0 {
		m.awaitingDepth.Add(ctx, int64(da))
	}
}
