// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package notify

import (
	"context"
	"log/slog"

	"github.com/AleutianAI/AleutianDeploy/services/rollout/events"
)

// LogSink writes events to a structured logger.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a log sink. Nil logger uses slog.Default().
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

// Name implements Sink.
func (l *LogSink) Name() string { return "log" }

// Events implements Sink.
func (l *LogSink) Events() []events.Type { return nil }

// Send implements Sink.
func (l *LogSink) Send(ctx context.Context, ev events.Event) error {
	level := slog.LevelInfo
	if ev.Type == events.DeploymentFailed || ev.Type == events.BreakerOpened || ev.Type == events.RollbackTriggered {
		level = slog.LevelWarn
	}
	l.logger.LogAttrs(ctx, level, "event", append([]slog.Attr{slog.String("type", string(ev.Type))}, attrs(ev)...)...)
	return nil
}

func attrs(ev events.Event) []slog.Attr {
	switch {
	case ev.Pipeline != nil:
		p := ev.Pipeline
		return []slog.Attr{
			slog.String("execution_id", p.ExecutionID),
			slog.String("pipeline", p.Pipeline),
			slog.String("status", string(p.Status)),
			slog.String("reason", p.Reason),
		}
	case ev.Stage != nil:
		s := ev.Stage
		return []slog.Attr{
			slog.String("execution_id", s.ExecutionID),
			slog.String("stage", s.Stage),
			slog.String("status", string(s.Status)),
		}
	case ev.Deployment != nil:
		d := ev.Deployment.Deployment
		return []slog.Attr{
			slog.String("deployment_id", d.ID),
			slog.String("service", d.Service),
			slog.String("environment", d.Environment),
			slog.String("phase", string(d.Phase)),
			slog.Int("traffic", d.TrafficPercent),
		}
	case ev.Breaker != nil:
		return []slog.Attr{
			slog.String("dependency", ev.Breaker.Dependency),
			slog.String("from", ev.Breaker.From),
			slog.String("to", ev.Breaker.To),
		}
	case ev.Health != nil:
		return []slog.Attr{
			slog.String("service_id", ev.Health.ServiceID),
			slog.String("from", string(ev.Health.From)),
			slog.String("to", string(ev.Health.To)),
		}
	case ev.Rollback != nil:
		return []slog.Attr{
			slog.String("deployment_id", ev.Rollback.DeploymentID),
			slog.String("reason", ev.Rollback.Reason),
		}
	}
	return nil
}
