// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package wiring

import (
	"context"
	"log/slog"
	"time"

	"github.com/absmach/pairlink/config"
	"github.com/absmach/pairlink/delivery"
	"github.com/absmach/pairlink/message"
)

// Sender queues payloads for delivery.
type Sender interface {
	Send(payload message.Payload, onReply message.ReplyHandler, onError message.ErrorHandler)
}

var _ Sender = (*delivery.Engine)(nil)

// RunProbe sends {"type":"probe","seq":n} every cfg.Interval until ctx is
// done. Outcomes are logged. It returns immediately if the interval is zero.
func RunProbe(ctx context.Context, s Sender, cfg config.ProbeConfig, logger *slog.Logger) {
	if cfg.Interval <= 0 {
		return
	}
	if logger == nil {
		logger = slog.Default()
	}

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for seq := 1; ; seq++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		sentAt := time.Now()
		log := logger.With(slog.Int("seq", seq))

		var onReply message.ReplyHandler
		if cfg.ExpectReply {
			onReply = func(message.Payload) {
				log.Info("probe answered", slog.Duration("rtt", time.Since(sentAt)))
			}
		}
		onError := func(err error) {
			log.Warn("probe failed",
				slog.String("code", string(delivery.CodeOf(err))),
				slog.String("error", err.Error()))
		}

		s.Send(message.Payload{"type": "probe", "seq": seq}, onReply, onError)
	}
}
