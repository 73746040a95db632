// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package metrics is the client side of the metrics backend.
//
// The rollout core only needs "run this query over this window and give me
// the numeric series". [Influx] answers with Flux against InfluxDB 2.x;
// [Static] answers from a fixed table for tests and dry runs.
package metrics

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Backend evaluates metric queries.
type Backend interface {
	// Query returns the numeric series produced by query over the trailing
	// window, oldest first. An empty series is not an error.
	Query(ctx context.Context, query string, window time.Duration) ([]float64, error)
}

// BackendFunc adapts a function to Backend.
type BackendFunc func(ctx context.Context, query string, window time.Duration) ([]float64, error)

// Query implements Backend.
func (f BackendFunc) Query(ctx context.Context, query string, window time.Duration) ([]float64, error) {
	return f(ctx, query, window)
}

// Static answers queries from a table keyed by substring.
//
// # Description
//
// The first registered key contained in the query wins. Queries matching
// no key receive Default. Series can be replaced at runtime, which lets a
// test flip a metric from good to bad mid-rollout.
//
// # Thread Safety
//
// Static is safe for concurrent use.
type Static struct {
	mu      sync.RWMutex
	keys    []string
	series  map[string][]float64
	errs    map[string]error
	calls   map[string]int
	Default []float64
}

// NewStatic creates an empty table.
func NewStatic() *Static {
	return &Static{
		series: make(map[string][]float64),
		errs:   make(map[string]error),
		calls:  make(map[string]int),
	}
}

// Set registers the series returned for queries containing key.
func (s *Static) Set(key string, values ...float64) *Static {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.series[key]; !ok {
		if _, ok := s.errs[key]; !ok {
			s.keys = append(s.keys, key)
		}
	}
	delete(s.errs, key)
	s.series[key] = append([]float64(nil), values...)
	return s
}

// Fail makes queries containing key return err.
func (s *Static) Fail(key string, err error) *Static {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.series[key]; !ok {
		if _, ok := s.errs[key]; !ok {
			s.keys = append(s.keys, key)
		}
	}
	delete(s.series, key)
	s.errs[key] = err
	return s
}

// Calls returns how many queries matched key.
func (s *Static) Calls(key string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.calls[key]
}

// Query implements Backend.
func (s *Static) Query(ctx context.Context, query string, _ time.Duration) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range s.keys {
		if !strings.Contains(query, key) {
			continue
		}
		s.calls[key]++
		if err, ok := s.errs[key]; ok {
			return nil, fmt.Errorf("query %q: %w", key, err)
		}
		return append([]float64(nil), s.series[key]...), nil
	}
	return append([]float64(nil), s.Default...), nil
}
