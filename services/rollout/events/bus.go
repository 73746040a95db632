// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package events is the typed event stream emitted by the rollout core.
//
// Producers call [Bus.Publish]; consumers obtain a read-only channel from
// [Bus.Subscribe]. Publishing never blocks: a subscriber whose buffer is
// full misses the event and its drop counter is incremented.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/AleutianDeploy/services/rollout/domain"
)

// Type names an event.
type Type string

const (
	PipelineStarted    Type = "pipelineStarted"
	PipelineCompleted  Type = "pipelineCompleted"
	StageStarted       Type = "stageStarted"
	StageCompleted     Type = "stageCompleted"
	DeploymentStarted  Type = "deploymentStarted"
	DeploymentComplete Type = "deploymentCompleted"
	DeploymentFailed   Type = "deploymentFailed"
	BreakerOpened      Type = "circuitBreakerOpened"
	HealthChanged      Type = "healthStatusChanged"
	RollbackTriggered  Type = "rollbackTriggered"

	// BreakerStateChanged is published for every breaker transition,
	// including the ones that also produce BreakerOpened.
	BreakerStateChanged Type = "circuitBreakerStateChanged"

	// PhaseChanged is published for every engine phase transition.
	PhaseChanged Type = "deploymentPhaseChanged"
)

// Event is one entry of the stream. Exactly one payload field is set,
// matching Type.
type Event struct {
	Type Type      `json:"type"`
	At   time.Time `json:"at"`

	Pipeline   *PipelinePayload   `json:"pipeline,omitempty"`
	Stage      *StagePayload      `json:"stage,omitempty"`
	Deployment *DeploymentPayload `json:"deployment,omitempty"`
	Breaker    *BreakerPayload    `json:"breaker,omitempty"`
	Health     *HealthPayload     `json:"health,omitempty"`
	Rollback   *RollbackPayload   `json:"rollback,omitempty"`
}

// PipelinePayload describes a pipeline execution.
type PipelinePayload struct {
	ExecutionID string                `json:"executionId"`
	Pipeline    string                `json:"pipeline"`
	CommitSHA   string                `json:"commitSha"`
	Branch      string                `json:"branch"`
	Status      domain.PipelineStatus `json:"status"`
	Summary     domain.Summary        `json:"summary"`
	Reason      string                `json:"reason,omitempty"`
}

// StagePayload describes one stage of an execution.
type StagePayload struct {
	ExecutionID string             `json:"executionId"`
	Stage       string             `json:"stage"`
	Type        domain.StageType   `json:"type"`
	Status      domain.StageStatus `json:"status"`
	Reason      string             `json:"reason,omitempty"`
}

// DeploymentPayload is a snapshot of a deployment.
type DeploymentPayload struct {
	Deployment domain.Deployment `json:"record"`
	FromPhase  domain.Phase      `json:"fromPhase,omitempty"`
}

// BreakerPayload describes a circuit breaker transition.
type BreakerPayload struct {
	Dependency string `json:"dependency"`
	From       string `json:"from"`
	To         string `json:"to"`
	Failures   int    `json:"failures"`
}

// HealthPayload describes a classification change.
type HealthPayload struct {
	ServiceID string                `json:"serviceId"`
	From      domain.HealthStatus   `json:"from"`
	To        domain.HealthStatus   `json:"to"`
	Snapshot  domain.HealthSnapshot `json:"snapshot"`
}

// RollbackPayload describes why a rollback started.
type RollbackPayload struct {
	DeploymentID string `json:"deploymentId"`
	Service      string `json:"service"`
	Environment  string `json:"environment"`
	Reason       string `json:"reason"`
}

// Publisher is the producer side of the stream.
type Publisher interface {
	Publish(Event)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(Event)

// Publish implements Publisher.
func (f PublisherFunc) Publish(ev Event) { f(ev) }

// Discard drops every event.
var Discard Publisher = PublisherFunc(func(Event) {})

// =============================================================================
// Bus
// =============================================================================

type subscriber struct {
	ch      chan Event
	filter  map[Type]bool
	dropped atomic.Int64
}

// Bus fans events out to subscribers.
//
// # Thread Safety
//
// Bus is safe for concurrent use. Events from one producer goroutine are
// delivered to each subscriber in publish order.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*subscriber
	nextID int
	closed bool
	now    func() time.Time
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]*subscriber), now: time.Now}
}

// Subscription is a consumer handle.
type Subscription struct {
	// C receives events. It is closed by Cancel or Bus.Close.
	C <-chan Event

	bus *Bus
	id  int
	sub *subscriber
}

// Dropped returns how many events this subscriber missed.
func (s *Subscription) Dropped() int64 {
	return s.sub.dropped.Load()
}

// Cancel unsubscribes and closes C. Safe to call more than once.
func (s *Subscription) Cancel() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if _, ok := s.bus.subs[s.id]; ok {
		delete(s.bus.subs, s.id)
		close(s.sub.ch)
	}
}

// Subscribe registers a consumer.
//
// # Inputs
//
//   - buffer: Channel capacity. Values below 1 become 64.
//   - types: Optional filter. No types means every event.
func (b *Bus) Subscribe(buffer int, types ...Type) *Subscription {
	if buffer < 1 {
		buffer = 64
	}
	sub := &subscriber{ch: make(chan Event, buffer)}
	if len(types) > 0 {
		sub.filter = make(map[Type]bool, len(types))
		for _, t := range types {
			sub.filter[t] = true
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	if b.closed {
		close(sub.ch)
	} else {
		b.subs[id] = sub
	}
	return &Subscription{C: sub.ch, bus: b, id: id, sub: sub}
}

// Publish delivers ev to every matching subscriber without blocking.
// A zero At is stamped with the current time.
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = b.now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if sub.filter != nil && !sub.filter[ev.Type] {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			sub.dropped.Add(1)
		}
	}
}

// Close closes every subscription. Later publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
}

// SubscriberCount returns the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
