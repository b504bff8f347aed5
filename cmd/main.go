// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/absmach/pairlink/config"
	"github.com/absmach/pairlink/delivery"
	"github.com/absmach/pairlink/internal/wiring"
	"github.com/absmach/pairlink/server/health"
	"github.com/absmach/pairlink/server/otel"
	"github.com/google/uuid"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	instanceID := uuid.New().String()
	slog.Info("Starting pairlink", "version", "0.1.0", "instance_id", instanceID)
	slog.Info("Configuration loaded",
		"transport", cfg.Transport.Type,
		"outgoing_timeout", cfg.Delivery.OutgoingTimeout,
		"reply_timeout", cfg.Delivery.ReplyTimeout)

	var otelShutdown func(context.Context) error
	engineOpts := []delivery.Option{
		delivery.WithOutgoingTimeout(cfg.Delivery.OutgoingTimeout),
		delivery.WithReplyTimeout(cfg.Delivery.ReplyTimeout),
		delivery.WithLogger(logger),
	}

	if cfg.Server.MetricsEnabled {
		shutdown, err := otel.InitProvider(cfg, instanceID)
		if err != nil {
			slog.Error("Failed to initialize OpenTelemetry", "error", err)
			os.Exit(1)
		}
		otelShutdown = shutdown
		slog.Info("OpenTelemetry initialized", "endpoint", cfg.Server.MetricsAddr)

		if cfg.Server.OtelMetricsEnabled {
			m, err := otel.NewMetrics(nil)
			if err != nil {
				slog.Error("Failed to create metrics", "error", err)
				os.Exit(1)
			}
			engineOpts = append(engineOpts, delivery.WithObserver(m))
			slog.Info("OTel metrics enabled")
		}

		if cfg.Server.OtelTracesEnabled {
			slog.Info("Distributed tracing enabled", "sample_rate", cfg.Server.OtelTraceSampleRate)
		} else {
			slog.Info("Distributed tracing disabled (zero overhead)")
		}
	} else {
		slog.Info("OpenTelemetry disabled")
	}

	link, err := wiring.NewTransport(cfg.Transport, logger)
	if err != nil {
		slog.Error("Failed to create transport", "error", err)
		os.Exit(1)
	}
	link.SetHandler(wiring.Echo(logger))

	engine := delivery.New(link, engineOpts...)

	// The peer may connect before anything is sent.
	link.Activate()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	serverErr := make(chan error, 1)

	if cfg.Server.HealthEnabled {
		healthCfg := health.Config{
			Address:         cfg.Server.HealthAddr,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
			TransportType:   cfg.Transport.Type,
		}
		healthServer := health.New(healthCfg, link, engine, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := healthServer.Listen(ctx); err != nil {
				serverErr <- err
			}
		}()
	}

	if cfg.Probe.Interval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			slog.Info("Starting probe", "interval", cfg.Probe.Interval, "expect_reply", cfg.Probe.ExpectReply)
			wiring.RunProbe(ctx, engine, cfg.Probe, logger)
		}()
	}

	slog.Info("pairlink started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server error", "error", err)
	}

	cancel()

	if err := link.Close(); err != nil {
		slog.Error("Error closing transport", "error", err)
	}

	if otelShutdown != nil {
		otelShutdownCtx, otelCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer otelCancel()
		if err := otelShutdown(otelShutdownCtx); err != nil {
			slog.Error("Failed to shutdown OpenTelemetry", "error", err)
		} else {
			slog.Info("OpenTelemetry shutdown complete")
		}
	}

	wg.Wait()
	slog.Info("pairlink stopped", "pending", engine.Depths().Pending, "awaiting", engine.Depths().Awaiting)
}
