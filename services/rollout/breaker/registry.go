// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package breaker

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Registry manages one breaker per dependency.
//
// # Description
//
// Creates breakers on demand with consistent configuration. The registry
// lock only guards map membership; every breaker owns its own mutex, so
// calls to unrelated dependencies never serialise on each other.
//
// # Thread Safety
//
// Registry is safe for concurrent use.
//
// # Example
//
//	registry := breaker.NewRegistry(breaker.DefaultConfig())
//	err := registry.Execute(ctx, "control-plane", applyFn, nil)
type Registry struct {
	defaultConfig Config
	overrides     map[string]Config
	clock         func() time.Time
	breakers      map[string]*Breaker
	mu            sync.RWMutex
}

// NewRegistry creates an empty registry.
//
// # Inputs
//
//   - defaultConfig: Configuration for breakers created on demand. Its
//     OnStateChange hook is shared by every breaker.
func NewRegistry(defaultConfig Config) *Registry {
	return &Registry{
		defaultConfig: defaultConfig,
		overrides:     make(map[string]Config),
		clock:         time.Now,
		breakers:      make(map[string]*Breaker),
	}
}

// SetClock replaces time.Now for breakers created afterwards.
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clock = now
}

// Configure sets a per-dependency configuration used when the breaker is
// first created. The default OnStateChange hook is kept when the override
// has none.
func (r *Registry) Configure(name string, config Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if config.OnStateChange == nil {
		config.OnStateChange = r.defaultConfig.OnStateChange
	}
	r.overrides[name] = config
}

// Get returns the breaker for a dependency, creating it if needed.
func (r *Registry) Get(name string) *Breaker {
	r.mu.RLock()
	b, exists := r.breakers[name]
	r.mu.RUnlock()
	if exists {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring write lock
	if b, exists = r.breakers[name]; exists {
		return b
	}
	cfg, ok := r.overrides[name]
	if !ok {
		cfg = r.defaultConfig
	}
	b = New(name, cfg, WithClock(r.clock))
	r.breakers[name] = b
	return b
}

// Execute runs op through the breaker of dependencyID.
func (r *Registry) Execute(ctx context.Context, dependencyID string, op func(context.Context) error, fallback func(context.Context, error) error) error {
	return r.Get(dependencyID).Execute(ctx, op, fallback)
}

// Call is the typed form of Registry.Execute.
func Call[T any](ctx context.Context, r *Registry, dependencyID string, op func(context.Context) (T, error), fallback func(context.Context, error) (T, error)) (T, error) {
	return Do(ctx, r.Get(dependencyID), op, fallback)
}

// Snapshots returns the state of every known breaker sorted by name.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	list := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		list = append(list, b)
	}
	r.mu.RUnlock()

	out := make([]Snapshot, 0, len(list))
	for _, b := range list {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Dependency < out[j].Dependency })
	return out
}

// Snapshot returns the state of one breaker, if it exists.
func (r *Registry) Snapshot(name string) (Snapshot, bool) {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if !ok {
		return Snapshot{}, false
	}
	return b.Snapshot(), true
}

// ResetAll closes every breaker.
func (r *Registry) ResetAll() {
	r.mu.RLock()
	list := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		list = append(list, b)
	}
	r.mu.RUnlock()

	for _, b := range list {
		b.Reset()
	}
}
