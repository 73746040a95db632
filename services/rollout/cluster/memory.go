// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cluster

import (
	"context"
	"fmt"
	"sync"

	"github.com/AleutianAI/AleutianDeploy/services/rollout/domain"
)

// Applied is one manifest recorded by Memory.
type Applied struct {
	Kind Kind
	Spec any
}

// Workload is the state Memory keeps per Ref.
type Workload struct {
	Version  string
	Replicas domain.Replicas
}

// Memory is an in-process control plane.
//
// # Description
//
// Workloads become ready immediately unless Hold is set for their ref.
// Failures can be injected per kind with FailKind. Every successful apply
// is appended to the log returned by Applied.
//
// # Thread Safety
//
// Memory is safe for concurrent use.
type Memory struct {
	mu        sync.Mutex
	workloads map[Ref]*Workload
	splits    map[string]TrafficSplitSpec // by environment/service
	held      map[Ref]bool
	failures  map[Kind]error
	log       []Applied
}

// NewMemory creates an empty control plane.
func NewMemory() *Memory {
	return &Memory{
		workloads: make(map[Ref]*Workload),
		splits:    make(map[string]TrafficSplitSpec),
		held:      make(map[Ref]bool),
		failures:  make(map[Kind]error),
	}
}

// Seed installs a ready workload, as if it had been deployed earlier.
func (m *Memory) Seed(ref Ref, version string, replicas int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workloads[ref] = &Workload{
		Version:  version,
		Replicas: domain.Replicas{Desired: replicas, Ready: replicas, Available: replicas},
	}
}

// Hold keeps new replicas of ref unready until Release.
func (m *Memory) Hold(ref Ref) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.held[ref] = true
}

// Release makes every replica of ref ready.
func (m *Memory) Release(ref Ref) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.held, ref)
	if w, ok := m.workloads[ref]; ok {
		w.Replicas.Ready = w.Replicas.Desired
		w.Replicas.Available = w.Replicas.Desired
	}
}

// FailKind makes every apply of kind return err. A nil err clears it.
func (m *Memory) FailKind(kind Kind, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, kind)
		return
	}
	m.failures[kind] = err
}

// ApplyManifest implements ControlPlane.
func (m *Memory) ApplyManifest(ctx context.Context, kind Kind, spec any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failures[kind]; err != nil {
		return fmt.Errorf("apply %s: %w", kind, err)
	}

	switch s := spec.(type) {
	case WorkloadSpec:
		m.setReplicas(s.Ref, s.Replicas)
		m.workloads[s.Ref].Version = s.Version
	case ScaleSpec:
		if _, ok := m.workloads[s.Ref]; !ok {
			return fmt.Errorf("scale %s: %w", s.Ref, domain.ErrNotFound)
		}
		m.setReplicas(s.Ref, s.Replicas)
	case TrafficSplitSpec:
		s.Routes = append([]Route(nil), s.Routes...)
		m.splits[splitKey(s.Environment, s.Service)] = s
	default:
		return fmt.Errorf("apply %s: unsupported spec %T", kind, spec)
	}
	m.log = append(m.log, Applied{Kind: kind, Spec: spec})
	return nil
}

func (m *Memory) setReplicas(ref Ref, n int) {
	w, ok := m.workloads[ref]
	if !ok {
		w = &Workload{}
		m.workloads[ref] = w
	}
	w.Replicas.Desired = n
	if m.held[ref] {
		if w.Replicas.Ready > n {
			w.Replicas.Ready = n
		}
		if w.Replicas.Available > n {
			w.Replicas.Available = n
		}
		return
	}
	w.Replicas.Ready = n
	w.Replicas.Available = n
}

// GetReplicaStatus implements ControlPlane.
func (m *Memory) GetReplicaStatus(ctx context.Context, ref Ref) (domain.Replicas, error) {
	if err := ctx.Err(); err != nil {
		return domain.Replicas{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workloads[ref]
	if !ok {
		return domain.Replicas{}, fmt.Errorf("workload %s: %w", ref, domain.ErrNotFound)
	}
	return w.Replicas, nil
}

// Workload returns the state of ref.
func (m *Memory) Workload(ref Ref) (Workload, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workloads[ref]
	if !ok {
		return Workload{}, false
	}
	return *w, true
}

// Split returns the traffic split of a service.
func (m *Memory) Split(environment, service string) (TrafficSplitSpec, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.splits[splitKey(environment, service)]
	s.Routes = append([]Route(nil), s.Routes...)
	return s, ok
}

// GetTrafficSplit implements SplitReader.
func (m *Memory) GetTrafficSplit(ctx context.Context, environment, service string) (TrafficSplitSpec, error) {
	if err := ctx.Err(); err != nil {
		return TrafficSplitSpec{}, err
	}
	s, ok := m.Split(environment, service)
	if !ok {
		return TrafficSplitSpec{}, fmt.Errorf("traffic split %s/%s: %w", environment, service, domain.ErrNotFound)
	}
	return s, nil
}

func splitKey(environment, service string) string {
	return environment + "/" + service
}

// Applied returns a copy of the apply log.
func (m *Memory) Applied() []Applied {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Applied(nil), m.log...)
}

// AppliedKinds counts successful applies of kind.
func (m *Memory) AppliedKinds(kind Kind) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, a := range m.log {
		if a.Kind == kind {
			n++
		}
	}
	return n
}
