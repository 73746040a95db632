// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"fmt"

	"github.com/AleutianAI/AleutianDeploy/services/rollout/analysis"
	"github.com/AleutianAI/AleutianDeploy/services/rollout/domain"
	"github.com/AleutianAI/AleutianDeploy/services/rollout/engine"
	"github.com/AleutianAI/AleutianDeploy/services/rollout/health"
	"github.com/AleutianAI/AleutianDeploy/services/rollout/pipeline"
)

// DeployTarget is what a deploy stage asks the controller to roll out.
type DeployTarget struct {
	PipelineID      string
	Spec            pipeline.DeploySpec
	Version         string
	PreviousVersion string
}

// Request builds the engine request for a deploy stage.
//
// # Description
//
// The rollout profile supplies the strategy and its gates. The target
// environment supplies the health thresholds bound to the rollout, and
// its approval timeout when the profile sets none. A spec version
// overrides the target version.
//
// # Outputs
//
//   - engine.Request: Validated request.
//   - error: domain.ErrNotFound for an unknown profile or environment,
//     a domain.ValidationError for an invalid result.
func (c *Config) Request(t DeployTarget) (engine.Request, error) {
	profile, ok := c.Rollouts[t.Spec.Rollout]
	if !ok {
		return engine.Request{}, fmt.Errorf("rollout profile %q: %w", t.Spec.Rollout, domain.ErrNotFound)
	}
	env, ok := c.Environments[t.Spec.Environment]
	if !ok {
		return engine.Request{}, fmt.Errorf("environment %q: %w", t.Spec.Environment, domain.ErrNotFound)
	}

	version := t.Version
	if t.Spec.Version != "" {
		version = t.Spec.Version
	}
	req := profile.build(t.Spec.Environment, t.Spec.Service, version)
	req.PipelineID = t.PipelineID
	req.PreviousVersion = t.PreviousVersion
	if req.ApprovalTimeout == 0 {
		req.ApprovalTimeout = env.ApprovalTimeout
	}
	req.Health = c.HealthOptions(t.Spec.Environment)
	if err := req.Validate(); err != nil {
		return engine.Request{}, err
	}
	return req, nil
}

func (p RolloutProfile) build(environment, service, version string) engine.Request {
	return engine.Request{
		Environment:     environment,
		Service:         service,
		Version:         version,
		Strategy:        p.Strategy,
		Replicas:        p.Replicas,
		Steps:           append([]domain.CanaryStep(nil), p.Steps...),
		ApprovalTimeout: p.ApprovalTimeout,
		Metrics:         append([]analysis.MetricDefinition(nil), p.Metrics...),
		PrePromotion:    append([]analysis.MetricDefinition(nil), p.PrePromotion...),
		PostPromotion:   append([]analysis.MetricDefinition(nil), p.PostPromotion...),
		Window:          p.Window,
		ScaleDownDelay:  p.ScaleDownDelay,
		MaxSurge:        p.MaxSurge,
		MaxUnavailable:  p.MaxUnavailable,
		Health:          health.Options{Thresholds: health.DefaultThresholds()},
	}
}

// request builds and validates a request with placeholder identity, used
// to reject broken profiles at load time.
func (p RolloutProfile) request(environment, service, version string) (engine.Request, error) {
	req := p.build(environment, service, version)
	if req.Replicas == 0 {
		req.Replicas = 1
	}
	return req, req.Validate()
}
