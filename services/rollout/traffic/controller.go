// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package traffic controls what fraction of requests reach a new version.
//
// A service has one traffic split. Deployments bind to it through
// Register and move it with a single idempotent "set percentage"
// operation. Updates to one service are strictly serialised, which also
// serialises the updates of any one deployment; different services
// proceed independently.
package traffic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianDeploy/services/rollout/cluster"
	"github.com/AleutianAI/AleutianDeploy/services/rollout/domain"
	"github.com/AleutianAI/AleutianDeploy/services/rollout/resilience"
)

// ErrInvalidPercent is returned for a percentage outside [0,100].
var ErrInvalidPercent = errors.New("traffic percentage must be within [0,100]")

// DependencyName is the breaker key used for traffic updates.
const DependencyName = "control-plane"

// Target binds a deployment to the two slots traffic is split between.
type Target struct {
	Environment string
	Service     string

	// Stable receives 100-percent of traffic.
	Stable cluster.Slot

	// Candidate receives percent of traffic.
	Candidate cluster.Slot
}

// Controller sets and reads the traffic split of a deployment's service.
type Controller interface {
	// Current returns the routes in effect for environment/service, nil
	// when no split is known.
	Current(ctx context.Context, environment, service string) ([]cluster.Route, error)

	// Register binds a deployment id to its service and slots. Binding
	// the same id again replaces the slots.
	Register(ctx context.Context, deploymentID string, target Target)

	// Forget drops the binding once the deployment is terminal. The
	// service split itself is kept.
	Forget(deploymentID string)

	// SetSplit routes percent of the service's traffic to the deployment's
	// candidate slot and the rest to its stable slot. Setting the split
	// already in effect is a no-op success.
	SetSplit(ctx context.Context, deploymentID string, percent int) error

	// GetSplit returns the weight of the deployment's candidate slot in
	// the last successfully applied split.
	GetSplit(ctx context.Context, deploymentID string) (int, error)
}

// ValidatePercent checks the [0,100] range.
func ValidatePercent(percent int) error {
	if percent < 0 || percent > 100 {
		return fmt.Errorf("%w: got %d", ErrInvalidPercent, percent)
	}
	return nil
}

// Routes builds the two-slot split that sends percent to t.Candidate.
func (t Target) Routes(percent int) []cluster.Route {
	return []cluster.Route{
		{Slot: t.Stable, Weight: 100 - percent},
		{Slot: t.Candidate, Weight: percent},
	}
}

func serviceKey(environment, service string) string {
	return environment + "/" + service
}

// sameRoutes compares splits by slot weight, ignoring order and zero
// weights.
func sameRoutes(a, b []cluster.Route) bool {
	weights := func(rs []cluster.Route) map[cluster.Slot]int {
		m := make(map[cluster.Slot]int, len(rs))
		for _, r := range rs {
			if r.Weight != 0 {
				m[r.Slot] += r.Weight
			}
		}
		return m
	}
	wa, wb := weights(a), weights(b)
	if len(wa) != len(wb) {
		return false
	}
	for slot, w := range wa {
		if wb[slot] != w {
			return false
		}
	}
	return true
}

func weightOf(routes []cluster.Route, slot cluster.Slot) int {
	return cluster.TrafficSplitSpec{Routes: routes}.Weight(slot)
}

// =============================================================================
// Mesh Controller
// =============================================================================

// split is the state of one service's traffic split.
type split struct {
	mu          sync.Mutex
	environment string
	service     string
	seeded      bool
	routes      []cluster.Route // nil while unknown
}

type binding struct {
	split  *split
	target Target
}

// MeshController applies TrafficSplit manifests through the control plane.
//
// # Description
//
// Every change is applied as one TrafficSplit manifest carrying both
// weights, so the mesh never observes a split that does not sum to 100.
// The split in effect is read once per service from the control plane
// when it implements cluster.SplitReader; until it is known, the first
// SetSplit is always applied. After the control plane acknowledges the
// manifest, SetSplit waits PropagationDelay before returning. Requests
// issued after SetSplit returns observe the new split provided the mesh
// propagates within that delay.
//
// # Thread Safety
//
// Safe for concurrent use. Each service split has its own mutex; the map
// lock is held only for lookup.
type MeshController struct {
	cp               cluster.ControlPlane
	guard            *resilience.Guard
	propagationDelay time.Duration
	logger           *slog.Logger

	mu       sync.RWMutex
	splits   map[string]*split
	bindings map[string]binding
}

// NewMeshController creates a controller.
//
// # Inputs
//
//   - cp: Control plane that applies manifests
//   - guard: Retry and breaker wrapper for control plane calls
//   - propagationDelay: Wait after a successful apply. Zero disables it.
//   - logger: Optional; slog.Default() when nil
func NewMeshController(cp cluster.ControlPlane, guard *resilience.Guard, propagationDelay time.Duration, logger *slog.Logger) *MeshController {
	if logger == nil {
		logger = slog.Default()
	}
	return &MeshController{
		cp:               cp,
		guard:            guard,
		propagationDelay: propagationDelay,
		logger:           logger,
		splits:           make(map[string]*split),
		bindings:         make(map[string]binding),
	}
}

func (m *MeshController) splitFor(environment, service string) *split {
	key := serviceKey(environment, service)
	m.mu.Lock()
	defer m.mu.Unlock()
	sp, ok := m.splits[key]
	if !ok {
		sp = &split{environment: environment, service: service}
		m.splits[key] = sp
	}
	return sp
}

// seed reads the split in effect. Caller holds sp.mu.
func (m *MeshController) seed(ctx context.Context, sp *split) error {
	if sp.seeded {
		return nil
	}
	reader, ok := m.cp.(cluster.SplitReader)
	if !ok {
		sp.seeded = true
		return nil
	}
	spec, err := resilience.Call(ctx, m.guard, DependencyName, func(ctx context.Context) (cluster.TrafficSplitSpec, error) {
		return reader.GetTrafficSplit(ctx, sp.environment, sp.service)
	})
	switch {
	case err == nil:
		sp.routes = append([]cluster.Route(nil), spec.Routes...)
	case errors.Is(err, domain.ErrNotFound):
	default:
		return fmt.Errorf("read traffic split of %s/%s: %w", sp.environment, sp.service, err)
	}
	sp.seeded = true
	return nil
}

// Current implements Controller.
func (m *MeshController) Current(ctx context.Context, environment, service string) ([]cluster.Route, error) {
	sp := m.splitFor(environment, service)
	sp.mu.Lock()
	defer sp.mu.Unlock()
	if err := m.seed(ctx, sp); err != nil {
		return nil, err
	}
	return append([]cluster.Route(nil), sp.routes...), nil
}

// Register implements Controller. A split that cannot be read is left
// unknown, so the next SetSplit applies unconditionally.
func (m *MeshController) Register(ctx context.Context, deploymentID string, target Target) {
	sp := m.splitFor(target.Environment, target.Service)
	sp.mu.Lock()
	if err := m.seed(ctx, sp); err != nil {
		m.logger.Warn("traffic split unknown", "deployment_id", deploymentID, "error", err)
	}
	sp.mu.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.bindings[deploymentID] = binding{split: sp, target: target}
}

// Forget implements Controller.
func (m *MeshController) Forget(deploymentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.bindings, deploymentID)
}

func (m *MeshController) binding(deploymentID string) (binding, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bindings[deploymentID]
	if !ok {
		return binding{}, fmt.Errorf("traffic route %s: %w", deploymentID, domain.ErrNotFound)
	}
	return b, nil
}

// SetSplit implements Controller.
func (m *MeshController) SetSplit(ctx context.Context, deploymentID string, percent int) error {
	if err := ValidatePercent(percent); err != nil {
		return err
	}
	b, err := m.binding(deploymentID)
	if err != nil {
		return err
	}

	sp := b.split
	sp.mu.Lock()
	defer sp.mu.Unlock()
	want := b.target.Routes(percent)
	if sp.routes != nil && sameRoutes(sp.routes, want) {
		return nil
	}

	spec := cluster.TrafficSplitSpec{
		DeploymentID: deploymentID,
		Environment:  sp.environment,
		Service:      sp.service,
		Routes:       want,
	}
	err = m.guard.Do(ctx, DependencyName, func(ctx context.Context) error {
		return m.cp.ApplyManifest(ctx, cluster.KindTrafficSplit, spec)
	})
	if err != nil {
		return fmt.Errorf("set traffic split %d%% for %s: %w", percent, deploymentID, err)
	}

	m.logger.Info("traffic split applied",
		"deployment_id", deploymentID,
		"service", sp.service,
		"environment", sp.environment,
		"from_percent", weightOf(sp.routes, b.target.Candidate),
		"to_percent", percent)
	sp.routes = want

	if m.propagationDelay > 0 {
		timer := time.NewTimer(m.propagationDelay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return fmt.Errorf("waiting for traffic propagation: %w", ctx.Err())
		}
	}
	return nil
}

// GetSplit implements Controller.
func (m *MeshController) GetSplit(_ context.Context, deploymentID string) (int, error) {
	b, err := m.binding(deploymentID)
	if err != nil {
		return 0, err
	}
	b.split.mu.Lock()
	defer b.split.mu.Unlock()
	return weightOf(b.split.routes, b.target.Candidate), nil
}
