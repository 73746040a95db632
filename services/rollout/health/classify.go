// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package health

import (
	"time"

	"github.com/AleutianAI/AleutianDeploy/services/rollout/breaker"
	"github.com/AleutianAI/AleutianDeploy/services/rollout/domain"
)

// Thresholds are the per-environment health limits.
type Thresholds struct {
	// MaxErrorRate is the highest acceptable error ratio (0..1).
	MaxErrorRate float64 `json:"maxErrorRate" yaml:"max_error_rate" validate:"gte=0,lte=1"`

	// MaxLatency is the highest acceptable latency.
	MaxLatency time.Duration `json:"maxLatency" yaml:"max_latency" validate:"gt=0"`

	// MinAvailability is the lowest acceptable availability ratio (0..1).
	MinAvailability float64 `json:"minAvailability" yaml:"min_availability" validate:"gte=0,lte=1"`

	// DegradedRatio marks a signal degraded once it has used this share of
	// its budget. For availability the budget is 1-MinAvailability.
	// Default: 0.8
	DegradedRatio float64 `json:"degradedRatio" yaml:"degraded_ratio" validate:"gte=0,lte=1"`
}

// DefaultThresholds are permissive development limits.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MaxErrorRate:    0.05,
		MaxLatency:      time.Second,
		MinAvailability: 0.95,
		DegradedRatio:   0.8,
	}
}

func (t Thresholds) degradedRatio() float64 {
	if t.DegradedRatio <= 0 {
		return 0.8
	}
	return t.DegradedRatio
}

// ClassifySample classifies one reading.
//
// # Description
//
// Unhealthy when errorRate > MaxErrorRate, latency > MaxLatency or
// availability < MinAvailability. Degraded when no limit is breached but
// some signal has consumed DegradedRatio of its budget. Healthy otherwise.
func ClassifySample(s domain.HealthSignals, t Thresholds) domain.HealthStatus {
	if s.ErrorRate > t.MaxErrorRate ||
		(t.MaxLatency > 0 && s.Latency > t.MaxLatency) ||
		s.Availability < t.MinAvailability {
		return domain.HealthUnhealthy
	}
	r := t.degradedRatio()
	if t.MaxErrorRate > 0 && s.ErrorRate >= r*t.MaxErrorRate {
		return domain.HealthDegraded
	}
	if t.MaxLatency > 0 && float64(s.Latency) >= r*float64(t.MaxLatency) {
		return domain.HealthDegraded
	}
	if budget := 1 - t.MinAvailability; budget > 0 && 1-s.Availability >= r*budget {
		return domain.HealthDegraded
	}
	return domain.HealthHealthy
}

// Classify classifies a window of snapshots.
//
// # Description
//
// Snapshots whose probe failed are ignored. The remaining signals are
// averaged and classified with ClassifySample, so one outlier inside a
// longer window does not flip the result on its own. An empty window, or
// one made only of failed probes, is unknown.
func Classify(window []domain.HealthSnapshot, t Thresholds) domain.HealthStatus {
	var sum domain.HealthSignals
	n := 0
	for _, s := range window {
		if s.Error != "" {
			continue
		}
		sum.ErrorRate += s.ErrorRate
		sum.Latency += s.Latency
		sum.Availability += s.Availability
		n++
	}
	if n == 0 {
		return domain.HealthUnknown
	}
	mean := domain.HealthSignals{
		ErrorRate:    sum.ErrorRate / float64(n),
		Latency:      sum.Latency / time.Duration(n),
		Availability: sum.Availability / float64(n),
	}
	return ClassifySample(mean, t)
}

// DependencyHealth classifies external dependencies from their circuit
// breaker statistics. An open breaker reports zero availability.
func DependencyHealth(snaps []breaker.Snapshot, t Thresholds, now time.Time) []domain.HealthSnapshot {
	out := make([]domain.HealthSnapshot, 0, len(snaps))
	for _, b := range snaps {
		availability := 1.0
		if b.State == breaker.Open {
			availability = 0
		}
		sig := domain.HealthSignals{
			ErrorRate:    b.Stats.ErrorRate(),
			Latency:      b.Stats.AvgLatency(),
			Availability: availability,
		}
		out = append(out, domain.HealthSnapshot{
			ServiceID:    b.Dependency,
			Status:       ClassifySample(sig, t),
			Latency:      sig.Latency,
			ErrorRate:    sig.ErrorRate,
			Availability: sig.Availability,
			Timestamp:    now,
		})
	}
	return out
}
