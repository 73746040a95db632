// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package traffic

import (
	"context"
	"fmt"
	"sync"

	"github.com/AleutianAI/AleutianDeploy/services/rollout/cluster"
	"github.com/AleutianAI/AleutianDeploy/services/rollout/domain"
)

// Memory is an in-process controller that keeps one split per service
// and records every effective change per deployment.
//
// # Thread Safety
//
// Memory is safe for concurrent use.
type Memory struct {
	mu       sync.Mutex
	routes   map[string][]cluster.Route
	bindings map[string]Target
	history  map[string][]int
	failAt   map[int]error
}

// NewMemory creates an empty recorder.
func NewMemory() *Memory {
	return &Memory{
		routes:   make(map[string][]cluster.Route),
		bindings: make(map[string]Target),
		history:  make(map[string][]int),
		failAt:   make(map[int]error),
	}
}

// FailAt makes every SetSplit to percent return err.
func (m *Memory) FailAt(percent int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAt[percent] = err
}

// Seed installs the split in effect for a service.
func (m *Memory) Seed(environment, service string, routes ...cluster.Route) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routes[serviceKey(environment, service)] = append([]cluster.Route(nil), routes...)
}

// Routes returns the split of a service.
func (m *Memory) Routes(environment, service string) []cluster.Route {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]cluster.Route(nil), m.routes[serviceKey(environment, service)]...)
}

// Current implements Controller.
func (m *Memory) Current(ctx context.Context, environment, service string) ([]cluster.Route, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rs := m.Routes(environment, service)
	if len(rs) == 0 {
		return nil, nil
	}
	return rs, nil
}

// Register implements Controller.
func (m *Memory) Register(_ context.Context, deploymentID string, target Target) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bindings[deploymentID] = target
}

// Forget implements Controller. History is kept for inspection.
func (m *Memory) Forget(deploymentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.bindings, deploymentID)
}

// SetSplit implements Controller. A service without a split behaves as
// if its stable slot had all traffic.
func (m *Memory) SetSplit(ctx context.Context, deploymentID string, percent int) error {
	if err := ValidatePercent(percent); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	target, ok := m.bindings[deploymentID]
	if !ok {
		return fmt.Errorf("traffic route %s: %w", deploymentID, domain.ErrNotFound)
	}
	key := serviceKey(target.Environment, target.Service)
	current := m.routes[key]
	if current == nil {
		current = target.Routes(0)
	}
	want := target.Routes(percent)
	if sameRoutes(current, want) {
		return nil
	}
	if err := m.failAt[percent]; err != nil {
		return err
	}
	m.routes[key] = want
	m.history[deploymentID] = append(m.history[deploymentID], percent)
	return nil
}

// GetSplit implements Controller.
func (m *Memory) GetSplit(_ context.Context, deploymentID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	target, ok := m.bindings[deploymentID]
	if !ok {
		return 0, fmt.Errorf("traffic route %s: %w", deploymentID, domain.ErrNotFound)
	}
	return weightOf(m.routes[serviceKey(target.Environment, target.Service)], target.Candidate), nil
}

// History returns the effective split changes of a deployment in order.
func (m *Memory) History(deploymentID string) []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int(nil), m.history[deploymentID]...)
}
