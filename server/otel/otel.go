// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"fmt"
	"time"

	"github.com/absmach/pairlink/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/multierr"
)

const exportTimeout = 30 * time.Second

// Resource attribute keys describing the link a pairlink instance runs.
const (
	AttrTransport       = attribute.Key("pairlink.transport")
	AttrLinkMode        = attribute.Key("pairlink.link.mode")
	AttrLinkCompression = attribute.Key("pairlink.link.compression")
	AttrOutgoingTimeout = attribute.Key("pairlink.delivery.outgoing_timeout_ms")
	AttrReplyTimeout    = attribute.Key("pairlink.delivery.reply_timeout_ms")
)

// NewResource describes this instance: the service identity plus the transport
// and delivery windows it was started with, so exported telemetry from two
// paired peers can be told apart.
func NewResource(cfg *config.Config, instanceID string) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceNameKey.String(cfg.Server.OtelServiceName),
		semconv.ServiceVersionKey.String(cfg.Server.OtelServiceVersion),
		semconv.ServiceInstanceIDKey.String(instanceID),
		AttrTransport.String(cfg.Transport.Type),
		AttrOutgoingTimeout.Int64(cfg.Delivery.OutgoingTimeout.Milliseconds()),
		AttrReplyTimeout.Int64(cfg.Delivery.ReplyTimeout.Milliseconds()),
	}
	if cfg.Transport.Type == config.TransportWebsocket {
		ws := cfg.Transport.Websocket
		attrs = append(attrs,
			AttrLinkMode.String(string(ws.Mode)),
			AttrLinkCompression.String(string(ws.Compression)),
		)
	}

	res, err := resource.New(context.Background(), resource.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}
	return res, nil
}

// InitProvider registers the global tracer and meter providers exporting over
// OTLP/gRPC to cfg.Server.MetricsAddr. The returned function flushes and stops
// every provider it started.
func InitProvider(cfg *config.Config, instanceID string) (func(context.Context) error, error) {
	res, err := NewResource(cfg, instanceID)
	if err != nil {
		return nil, err
	}

	ctx := context.Background()
	srv := cfg.Server

	var stops []func(context.Context) error
	shutdown := func(ctx context.Context) error {
		var err error
		for _, stop := range stops {
			err = multierr.Append(err, stop(ctx))
		}
		return err
	}

	if !srv.OtelTracesEnabled {
		otel.SetTracerProvider(tracenoop.NewTracerProvider())
	} else {
		tp, err := newTracerProvider(ctx, srv, res)
		if err != nil {
			return nil, err
		}
		otel.SetTracerProvider(tp)
		stops = append(stops, tp.Shutdown)
	}

	if srv.OtelMetricsEnabled {
		mp, err := newMeterProvider(ctx, srv, res)
		if err != nil {
			return nil, multierr.Append(err, shutdown(ctx))
		}
		otel.SetMeterProvider(mp)
		stops = append(stops, mp.Shutdown)
	}

	return shutdown, nil
}

func newTracerProvider(ctx context.Context, srv config.ServerConfig, res *resource.Resource) (*trace.TracerProvider, error) {
	exp, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(srv.MetricsAddr),
		otlptracegrpc.WithInsecure(),
		otlptracegrpc.WithTimeout(exportTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	// Every message produces a short span; batch them.
	return trace.NewTracerProvider(
		trace.WithResource(res),
		trace.WithSampler(trace.ParentBased(trace.TraceIDRatioBased(srv.OtelTraceSampleRate))),
		trace.WithBatcher(exp, trace.WithBatchTimeout(5*time.Second)),
	), nil
}

func newMeterProvider(ctx context.Context, srv config.ServerConfig, res *resource.Resource) (*metric.MeterProvider, error) {
	exp, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(srv.MetricsAddr),
		otlpmetricgrpc.WithInsecure(),
		otlpmetricgrpc.WithTimeout(exportTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}

	return metric.NewMeterProvider(
		metric.WithResource(res),
		metric.WithReader(metric.NewPeriodicReader(exp, metric.WithInterval(10*time.Second))),
	), nil
}
