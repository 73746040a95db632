// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package controller

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/AleutianAI/AleutianDeploy/services/rollout/api"
	"github.com/AleutianAI/AleutianDeploy/services/rollout/breaker"
	"github.com/AleutianAI/AleutianDeploy/services/rollout/domain"
)

var _ api.Service = (*Controller)(nil)

// Trigger starts the pipeline selected by ev.
//
// # Description
//
// The pending execution is persisted before Trigger returns, so it can
// be fetched immediately. The run continues in the background and is
// cancelled by Shutdown.
//
// # Outputs
//
//   - *domain.PipelineExecution: The pending execution.
//   - error: domain.ErrInvalidConfig for a malformed event,
//     domain.ErrNotFound for an unknown pipeline.
func (c *Controller) Trigger(ctx context.Context, ev domain.TriggerEvent) (*domain.PipelineExecution, error) {
	v := &domain.ValidationError{Subject: "trigger event"}
	if ev.Type == "" {
		v.Add("type is required")
	}
	if ev.Branch == "" {
		v.Add("branch is required")
	}
	if ev.CommitSHA == "" {
		v.Add("commitSha is required")
	}
	if err := v.Err(); err != nil {
		return nil, err
	}
	if c.base.Err() != nil {
		return nil, fmt.Errorf("controller is shutting down: %w", domain.ErrCancelled)
	}

	def, ok := c.config().Pipeline(ev.Pipeline)
	if !ok {
		name := ev.Pipeline
		if name == "" {
			name = "(default)"
		}
		return nil, fmt.Errorf("pipeline %s: %w", name, domain.ErrNotFound)
	}

	rec := domain.NewPipelineExecution(def.Name, ev)
	if err := c.store.SavePipeline(ctx, rec); err != nil {
		return nil, fmt.Errorf("persist execution: %w", err)
	}

	c.runs.Add(1)
	go func() {
		defer c.runs.Done()
		if _, err := c.executor.Run(c.base, rec, def); err != nil {
			c.logger.Error("pipeline rejected",
				slog.String("execution_id", rec.ID),
				slog.String("pipeline", def.Name),
				slog.Any("error", err))
		}
	}()
	c.logger.Info("pipeline triggered",
		slog.String("execution_id", rec.ID),
		slog.String("pipeline", def.Name),
		slog.String("branch", ev.Branch),
		slog.String("commit", ev.CommitSHA))
	return rec.Clone(), nil
}

// ListPipelines returns recent executions, newest first. Running ones
// reflect their live state.
func (c *Controller) ListPipelines(ctx context.Context, limit int) ([]*domain.PipelineExecution, error) {
	list, err := c.store.ListPipelines(ctx, limit)
	if err != nil {
		return nil, err
	}
	for i, rec := range list {
		if live, ok := c.executor.Get(rec.ID); ok {
			list[i] = live
		}
	}
	return list, nil
}

// GetPipeline returns one execution.
func (c *Controller) GetPipeline(ctx context.Context, id string) (*domain.PipelineExecution, error) {
	if live, ok := c.executor.Get(id); ok {
		return live, nil
	}
	return c.store.LoadPipeline(ctx, id)
}

// CancelPipeline cancels a running execution.
func (c *Controller) CancelPipeline(id, reason string) error {
	return c.executor.Cancel(id, reason)
}

// ListDeployments returns recent deployments, newest first, optionally
// filtered by service.
func (c *Controller) ListDeployments(ctx context.Context, service string, limit int) ([]*domain.Deployment, error) {
	list, err := c.store.ListDeployments(ctx, service, limit)
	if err != nil {
		return nil, err
	}
	for i, d := range list {
		if live, err := c.engine.Get(ctx, d.ID); err == nil {
			list[i] = live
		}
	}
	return list, nil
}

// GetDeployment returns one deployment.
func (c *Controller) GetDeployment(ctx context.Context, id string) (*domain.Deployment, error) {
	return c.engine.Get(ctx, id)
}

// ApproveDeployment releases a paused canary step.
func (c *Controller) ApproveDeployment(id string) error {
	return c.engine.Approve(id)
}

// AbortDeployment aborts a running deployment.
func (c *Controller) AbortDeployment(id, reason string) (*domain.Deployment, error) {
	return c.engine.Abort(id, reason)
}

// HealthStatus returns the current classification of a service.
func (c *Controller) HealthStatus(serviceID string) domain.HealthStatus {
	return c.monitor.Status(serviceID)
}

// HealthHistory returns the recorded snapshots of a service.
func (c *Controller) HealthHistory(serviceID string) []domain.HealthSnapshot {
	return c.monitor.History(serviceID)
}

// Breakers returns the state of every dependency breaker.
func (c *Controller) Breakers() []breaker.Snapshot {
	return c.breakers.Snapshots()
}
