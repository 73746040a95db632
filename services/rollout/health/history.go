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

	"github.com/AleutianAI/AleutianDeploy/services/rollout/domain"
)

// history is a circular buffer of snapshots bounded by count and age.
//
// # Description
//
// Push is O(1). When full, the oldest snapshot is overwritten. Snapshots
// older than maxAge relative to the newest push are discarded on push.
//
// # Thread Safety
//
// NOT safe for concurrent use; the owning service entry synchronises.
type history struct {
	data   []domain.HealthSnapshot
	head   int // next write position
	count  int
	maxAge time.Duration
}

func newHistory(capacity int, maxAge time.Duration) *history {
	if capacity <= 0 {
		capacity = 120
	}
	return &history{data: make([]domain.HealthSnapshot, capacity), maxAge: maxAge}
}

func (h *history) push(s domain.HealthSnapshot) {
	h.data[h.head] = s
	h.head = (h.head + 1) % len(h.data)
	if h.count < len(h.data) {
		h.count++
	}
	if h.maxAge > 0 {
		h.expire(s.Timestamp.Add(-h.maxAge))
	}
}

// expire drops snapshots taken before cutoff, oldest first.
func (h *history) expire(cutoff time.Time) {
	for h.count > 0 {
		tail := h.index(0)
		if !h.data[tail].Timestamp.Before(cutoff) {
			return
		}
		h.data[tail] = domain.HealthSnapshot{}
		h.count--
	}
}

// index maps i (0 = oldest) to a slot.
func (h *history) index(i int) int {
	return (h.head - h.count + i + len(h.data)) % len(h.data)
}

// slice returns all snapshots oldest first.
func (h *history) slice() []domain.HealthSnapshot {
	if h.count == 0 {
		return nil
	}
	out := make([]domain.HealthSnapshot, h.count)
	for i := range out {
		out[i] = h.data[h.index(i)]
	}
	return out
}

// since returns snapshots taken at or after cutoff, oldest first.
func (h *history) since(cutoff time.Time) []domain.HealthSnapshot {
	var out []domain.HealthSnapshot
	for i := 0; i < h.count; i++ {
		s := h.data[h.index(i)]
		if !s.Timestamp.Before(cutoff) {
			out = append(out, s)
		}
	}
	return out
}

func (h *history) len() int {
	return h.count
}
