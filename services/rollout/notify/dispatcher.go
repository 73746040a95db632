// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package notify delivers events to external sinks.
//
// Each sink gets its own bus subscription and goroutine, so a slow
// endpoint only drops its own events.
package notify

import (
	"context"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianDeploy/services/rollout/events"
)

// Sink receives events.
type Sink interface {
	Name() string

	// Events filters the delivered types. Nil delivers every event.
	Events() []events.Type

	Send(ctx context.Context, ev events.Event) error
}

// Stats counts deliveries of one sink.
type Stats struct {
	Sink      string `json:"sink"`
	Delivered int64  `json:"delivered"`
	Failed    int64  `json:"failed"`
	Dropped   int64  `json:"dropped"`
}

type route struct {
	sink      Sink
	sub       *events.Subscription
	delivered atomic.Int64
	failed    atomic.Int64
}

// Dispatcher fans bus events out to sinks.
//
// # Description
//
// Subscriptions are taken in NewDispatcher, so events published between
// construction and Run are queued rather than lost.
//
// # Thread Safety
//
// Stats may be called concurrently with Run.
type Dispatcher struct {
	routes []*route
	logger *slog.Logger
}

// NewDispatcher subscribes every sink to bus.
//
// # Inputs
//
//   - bus: Event source.
//   - buffer: Per-sink queue length.
//   - logger: Optional.
//   - sinks: Delivery targets.
func NewDispatcher(bus *events.Bus, buffer int, logger *slog.Logger, sinks ...Sink) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{logger: logger.With(slog.String("component", "notify"))}
	for _, s := range sinks {
		d.routes = append(d.routes, &route{sink: s, sub: bus.Subscribe(buffer, s.Events()...)})
	}
	return d
}

// Run delivers events until ctx is done or the bus closes. Delivery
// errors are logged and counted; they never stop the dispatcher.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, r := range d.routes {
		g.Go(func() error {
			defer r.sub.Cancel()
			for {
				select {
				case <-ctx.Done():
					return nil
				case ev, ok := <-r.sub.C:
					if !ok {
						return nil
					}
					d.deliver(ctx, r, ev)
				}
			}
		})
	}
	return g.Wait()
}

func (d *Dispatcher) deliver(ctx context.Context, r *route, ev events.Event) {
	if err := r.sink.Send(ctx, ev); err != nil {
		r.failed.Add(1)
		if ctx.Err() == nil {
			d.logger.Warn("event delivery failed",
				slog.String("sink", r.sink.Name()),
				slog.String("event", string(ev.Type)),
				slog.String("error", err.Error()))
		}
		return
	}
	r.delivered.Add(1)
}

// Stats returns per-sink counters in sink order.
func (d *Dispatcher) Stats() []Stats {
	out := make([]Stats, 0, len(d.routes))
	for _, r := range d.routes {
		out = append(out, Stats{
			Sink:      r.sink.Name(),
			Delivered: r.delivered.Load(),
			Failed:    r.failed.Load(),
			Dropped:   r.sub.Dropped(),
		})
	}
	return out
}
