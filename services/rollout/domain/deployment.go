// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package domain

import (
	"time"
)

// Strategy selects how a Deployment is rolled out.
type Strategy string

const (
	StrategyCanary    Strategy = "canary"
	StrategyBlueGreen Strategy = "blue-green"
	StrategyRolling   Strategy = "rolling"
	StrategyRecreate  Strategy = "recreate"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyCanary, StrategyBlueGreen, StrategyRolling, StrategyRecreate:
		return true
	}
	return false
}

// DeploymentStatus is the coarse, externally visible status of a
// Deployment.
type DeploymentStatus string

const (
	DeploymentPending    DeploymentStatus = "pending"
	DeploymentDeploying  DeploymentStatus = "deploying"
	DeploymentDeployed   DeploymentStatus = "deployed"
	DeploymentFailed     DeploymentStatus = "failed"
	DeploymentRolledBack DeploymentStatus = "rolled-back"
)

// IsTerminal reports whether the status is final.
func (s DeploymentStatus) IsTerminal() bool {
	return s == DeploymentDeployed || s == DeploymentFailed || s == DeploymentRolledBack
}

// Phase is the fine-grained rollout engine state.
//
// # State Diagram
//
//	PENDING ──► DEPLOYING ──► CANARY_RAMPING ───────┐
//	                     ├──► BLUE_GREEN_SWITCHING ─┤
//	                     ├──► ROLLING ──────────────┼──► DEPLOYED
//	                     └──► RECREATING ───────────┘
//
//	any in-progress phase ──► ABORTING ──► ROLLED_BACK
//	                                  └──► FAILED (rollback could not complete)
type Phase string

const (
	PhasePending            Phase = "PENDING"
	PhaseDeploying          Phase = "DEPLOYING"
	PhaseCanaryRamping      Phase = "CANARY_RAMPING"
	PhaseBlueGreenSwitching Phase = "BLUE_GREEN_SWITCHING"
	PhaseRolling            Phase = "ROLLING"
	PhaseRecreating         Phase = "RECREATING"
	PhaseDeployed           Phase = "DEPLOYED"
	PhaseAborting           Phase = "ABORTING"
	PhaseRolledBack         Phase = "ROLLED_BACK"
	PhaseFailed             Phase = "FAILED"
)

// IsTerminal reports whether the phase is final.
func (p Phase) IsTerminal() bool {
	return p == PhaseDeployed || p == PhaseRolledBack || p == PhaseFailed
}

// Status maps the phase to the coarse deployment status.
func (p Phase) Status() DeploymentStatus {
	switch p {
	case PhasePending:
		return DeploymentPending
	case PhaseDeployed:
		return DeploymentDeployed
	case PhaseRolledBack:
		return DeploymentRolledBack
	case PhaseFailed:
		return DeploymentFailed
	default:
		return DeploymentDeploying
	}
}

// CanaryStep is one stage of the canary ramp. It is configuration, not
// runtime state.
type CanaryStep struct {
	// Weight is the percentage of traffic sent to the new version.
	Weight int `json:"weight" yaml:"weight"`

	// Duration is the dwell time before the step is analysed.
	Duration time.Duration `json:"duration" yaml:"duration"`

	// Pause requires a manual approval after the step passes analysis.
	Pause bool `json:"pause,omitempty" yaml:"pause,omitempty"`
}

// Replicas holds the replica counts reported by the control plane.
type Replicas struct {
	Desired   int `json:"desired"`
	Ready     int `json:"ready"`
	Available int `json:"available"`
}

// AllReady reports whether every desired replica is ready and available.
func (r Replicas) AllReady() bool {
	return r.Ready >= r.Desired && r.Available >= r.Desired
}

// HealthSignals is an error/latency/availability reading.
type HealthSignals struct {
	ErrorRate    float64       `json:"errorRate"`
	Latency      time.Duration `json:"latency"`
	Availability float64       `json:"availability"`
}

// Deployment is one progressive rollout of a version to an environment.
type Deployment struct {
	ID              string           `json:"id"`
	PipelineID      string           `json:"pipelineId,omitempty"`
	Environment     string           `json:"environment"`
	Service         string           `json:"service"`
	Version         string           `json:"version"`
	PreviousVersion string           `json:"previousVersion,omitempty"`
	Strategy        Strategy         `json:"strategy"`
	Status          DeploymentStatus `json:"status"`
	Phase           Phase            `json:"phase"`
	StartedAt       time.Time        `json:"startedAt,omitempty"`
	FinishedAt      time.Time        `json:"finishedAt,omitempty"`
	TrafficPercent  int              `json:"trafficPercent"`
	Replicas        Replicas         `json:"replicas"`
	Health          HealthSignals    `json:"health"`

	// CurrentStep is the index of the canary step in progress, -1 before
	// the first step.
	CurrentStep      int    `json:"currentStep"`
	AwaitingApproval bool   `json:"awaitingApproval,omitempty"`
	Reason           string `json:"reason,omitempty"`

	// Slot is the workload slot the new version was deployed to. Blue-green
	// records the idle colour it picked so a recovery rolls back the
	// right one.
	Slot string `json:"slot,omitempty"`
}

// IsTerminal reports whether the deployment finished.
func (d *Deployment) IsTerminal() bool {
	return d.Phase.IsTerminal()
}

// Clone returns a copy. Deployment holds no reference fields.
func (d *Deployment) Clone() *Deployment {
	if d == nil {
		return nil
	}
	c := *d
	return &c
}

// =============================================================================
// Health
// =============================================================================

// HealthStatus classifies a service.
type HealthStatus string

const (
	HealthUnknown   HealthStatus = "unknown"
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// HealthSnapshot is one health-check tick for one service.
type HealthSnapshot struct {
	ServiceID    string        `json:"serviceId"`
	Status       HealthStatus  `json:"status"`
	Latency      time.Duration `json:"latency"`
	ErrorRate    float64       `json:"errorRate"`
	Availability float64       `json:"availability"`
	Timestamp    time.Time     `json:"timestamp"`

	// Error holds the probe failure, if the probe could not complete.
	Error string `json:"error,omitempty"`
}

// Signals returns the reading carried by the snapshot.
func (s HealthSnapshot) Signals() HealthSignals {
	return HealthSignals{ErrorRate: s.ErrorRate, Latency: s.Latency, Availability: s.Availability}
}
