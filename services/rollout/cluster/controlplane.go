// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cluster is the narrow interface to the cluster control plane.
//
// The rollout engine never talks to Kubernetes or a mesh directly. It
// applies opaque manifests of a few kinds and reads replica counts back.
// [HTTPClient] forwards both operations to a control-plane API; [Memory]
// keeps them in process for tests and dry runs.
package cluster

import (
	"context"
	"fmt"

	"github.com/AleutianAI/AleutianDeploy/services/rollout/domain"
)

// Kind names a manifest kind.
type Kind string

const (
	// KindWorkload creates or updates a set of replicas running a version.
	KindWorkload Kind = "Workload"

	// KindScale changes the replica count of an existing workload.
	KindScale Kind = "Scale"

	// KindTrafficSplit sets mesh routing weights between slots.
	KindTrafficSplit Kind = "TrafficSplit"
)

// Slot names a workload position within one service.
type Slot string

const (
	SlotStable Slot = "stable"
	SlotCanary Slot = "canary"
	SlotBlue   Slot = "blue"
	SlotGreen  Slot = "green"
)

// Ref identifies one workload.
type Ref struct {
	Environment string `json:"environment"`
	Service     string `json:"service"`
	Slot        Slot   `json:"slot"`
}

// String renders env/service/slot.
func (r Ref) String() string {
	return fmt.Sprintf("%s/%s/%s", r.Environment, r.Service, r.Slot)
}

// WorkloadSpec is the body of a KindWorkload manifest.
type WorkloadSpec struct {
	Ref      Ref    `json:"ref"`
	Version  string `json:"version"`
	Replicas int    `json:"replicas"`

	// MaxSurge and MaxUnavailable bound an in-place replacement. Both zero
	// means the control plane replaces every replica at once.
	MaxSurge       int `json:"maxSurge,omitempty"`
	MaxUnavailable int `json:"maxUnavailable,omitempty"`
}

// ScaleSpec is the body of a KindScale manifest.
type ScaleSpec struct {
	Ref      Ref `json:"ref"`
	Replicas int `json:"replicas"`
}

// Route is one weighted destination of a traffic split.
type Route struct {
	Slot   Slot `json:"slot"`
	Weight int  `json:"weight"`
}

// TrafficSplitSpec is the body of a KindTrafficSplit manifest.
//
// A service has exactly one split, identified by Environment and
// Service. DeploymentID names the deployment that applied it last.
type TrafficSplitSpec struct {
	DeploymentID string  `json:"deploymentId,omitempty"`
	Environment  string  `json:"environment"`
	Service      string  `json:"service"`
	Routes       []Route `json:"routes"`
}

// Weight returns the weight routed to slot, 0 if it has no route.
func (s TrafficSplitSpec) Weight(slot Slot) int {
	for _, r := range s.Routes {
		if r.Slot == slot {
			return r.Weight
		}
	}
	return 0
}

// ControlPlane applies manifests and reports replica status.
type ControlPlane interface {
	// ApplyManifest creates or updates the object described by spec.
	// Applying the same manifest twice is a no-op success.
	ApplyManifest(ctx context.Context, kind Kind, spec any) error

	// GetReplicaStatus returns replica counts of one workload. An unknown
	// workload yields an error wrapping domain.ErrNotFound.
	GetReplicaStatus(ctx context.Context, ref Ref) (domain.Replicas, error)
}

// SplitReader is implemented by control planes that can report the
// traffic split currently in effect for a service.
type SplitReader interface {
	// GetTrafficSplit returns the split of environment/service. A service
	// without a split yields an error wrapping domain.ErrNotFound.
	GetTrafficSplit(ctx context.Context, environment, service string) (TrafficSplitSpec, error)
}
