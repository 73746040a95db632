// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"errors"
	"time"

	"github.com/AleutianAI/AleutianDeploy/services/rollout/analysis"
	"github.com/AleutianAI/AleutianDeploy/services/rollout/domain"
	"github.com/AleutianAI/AleutianDeploy/services/rollout/health"
)

// Request describes a rollout to start.
type Request struct {
	PipelineID      string          `json:"pipelineId,omitempty"`
	Environment     string          `json:"environment"`
	Service         string          `json:"service"`
	Version         string          `json:"version"`
	PreviousVersion string          `json:"previousVersion,omitempty"`
	Strategy        domain.Strategy `json:"strategy"`

	// Replicas is the desired replica count of the new version.
	// Default: 1
	Replicas int `json:"replicas"`

	// Steps is the canary ramp. Required for canary, ignored otherwise.
	Steps []domain.CanaryStep `json:"steps,omitempty"`

	// ApprovalTimeout bounds every manual approval wait. Expiry aborts
	// the rollout. Zero uses the engine default.
	ApprovalTimeout time.Duration `json:"approvalTimeout,omitempty"`

	// Metrics gate canary steps and in-place strategies.
	Metrics []analysis.MetricDefinition `json:"metrics,omitempty"`

	// PrePromotion and PostPromotion gate the blue-green switch. Each
	// falls back to Metrics when empty.
	PrePromotion  []analysis.MetricDefinition `json:"prePromotion,omitempty"`
	PostPromotion []analysis.MetricDefinition `json:"postPromotion,omitempty"`

	Window analysis.Window `json:"window"`

	// ScaleDownDelay is the wait before blue is scaled down after a
	// successful blue-green switch.
	ScaleDownDelay time.Duration `json:"scaleDownDelay,omitempty"`

	// MaxSurge and MaxUnavailable bound a rolling update.
	// Default: MaxSurge 1 when both are zero
	MaxSurge       int `json:"maxSurge,omitempty"`
	MaxUnavailable int `json:"maxUnavailable,omitempty"`

	// Health configures the monitor watch bound to this rollout.
	Health health.Options `json:"health"`
}

func (r Request) withDefaults(approvalTimeout time.Duration) Request {
	if r.Replicas == 0 {
		r.Replicas = 1
	}
	if r.ApprovalTimeout == 0 {
		r.ApprovalTimeout = approvalTimeout
	}
	if r.Strategy == domain.StrategyRolling && r.MaxSurge == 0 && r.MaxUnavailable == 0 {
		r.MaxSurge = 1
	}
	return r
}

func (r Request) prePromotion() []analysis.MetricDefinition {
	if len(r.PrePromotion) > 0 {
		return r.PrePromotion
	}
	return r.Metrics
}

func (r Request) postPromotion() []analysis.MetricDefinition {
	if len(r.PostPromotion) > 0 {
		return r.PostPromotion
	}
	return r.Metrics
}

// Validate rejects configuration errors before a rollout starts.
//
// # Description
//
// Every problem is collected into one domain.ValidationError, which
// matches domain.ErrInvalidConfig. An empty canary step list, weights
// outside 1..100 or decreasing weights are rejected.
func (r Request) Validate() error {
	v := &domain.ValidationError{Subject: "deployment request"}
	if r.Environment == "" {
		v.Add("environment is required")
	}
	if r.Service == "" {
		v.Add("service is required")
	}
	if r.Version == "" {
		v.Add("version is required")
	}
	if !r.Strategy.Valid() {
		v.Add("unknown strategy %q", r.Strategy)
	}
	if r.Replicas < 1 {
		v.Add("replicas must be at least 1, got %d", r.Replicas)
	}
	if r.ApprovalTimeout < 0 {
		v.Add("approval timeout must not be negative")
	}

	switch r.Strategy {
	case domain.StrategyCanary:
		if len(r.Steps) == 0 {
			v.Add("canary steps must not be empty")
		}
		prev := 0
		for i, s := range r.Steps {
			if s.Weight < 1 || s.Weight > 100 {
				v.Add("canary step %d: weight %d outside 1..100", i+1, s.Weight)
			}
			if s.Weight < prev {
				v.Add("canary step %d: weight %d is lower than the previous step's %d", i+1, s.Weight, prev)
			}
			if s.Duration < 0 {
				v.Add("canary step %d: duration must not be negative", i+1)
			}
			prev = s.Weight
		}
	case domain.StrategyBlueGreen:
		if r.ScaleDownDelay < 0 {
			v.Add("scale down delay must not be negative")
		}
	case domain.StrategyRolling:
		if r.MaxSurge < 0 || r.MaxUnavailable < 0 {
			v.Add("max surge and max unavailable must not be negative")
		}
	}

	for _, set := range [][]analysis.MetricDefinition{r.Metrics, r.PrePromotion, r.PostPromotion} {
		if err := analysis.Validate(set); err != nil {
			var ve *domain.ValidationError
			if errors.As(err, &ve) {
				v.Problems = append(v.Problems, ve.Problems...)
			}
		}
	}
	if r.Window.Samples < 0 || r.Window.Interval < 0 || r.Window.Lookback < 0 {
		v.Add("analysis window values must not be negative")
	}
	return v.Err()
}
