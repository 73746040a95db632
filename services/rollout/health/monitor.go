// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package health polls live service signals and classifies health.
//
// Every watched service has its own goroutine, lock and snapshot history,
// so a slow probe for one service never delays another. While a service
// is bound to an active rollout, sustained unhealthy classification fires
// a rollback trigger.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianDeploy/services/rollout/domain"
	"github.com/AleutianAI/AleutianDeploy/services/rollout/events"
)

// Options configure a watch.
type Options struct {
	// Interval is the polling period.
	// Default: 15s
	Interval time.Duration `json:"interval" yaml:"interval"`

	// Window is the trailing range classified on every tick.
	// Default: 3 x Interval
	Window time.Duration `json:"window" yaml:"window"`

	// Thresholds are the limits applied to the window.
	Thresholds Thresholds `json:"thresholds" yaml:"thresholds"`

	// Confirmations is the number of consecutive unhealthy ticks needed
	// before a rollback trigger fires.
	// Default: 3
	Confirmations int `json:"confirmations" yaml:"confirmations"`
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = 15 * time.Second
	}
	if o.Window <= 0 {
		o.Window = 3 * o.Interval
	}
	if o.Confirmations <= 0 {
		o.Confirmations = 3
	}
	if o.Thresholds == (Thresholds{}) {
		o.Thresholds = DefaultThresholds()
	}
	return o
}

// RollbackTrigger is fired when a service bound to a rollout stays
// unhealthy.
type RollbackTrigger struct {
	ServiceID    string
	DeploymentID string
	Reason       string
	Snapshot     domain.HealthSnapshot
}

// SnapshotSink receives every snapshot, e.g. for long-term storage.
type SnapshotSink interface {
	WriteSnapshot(ctx context.Context, snap domain.HealthSnapshot) error
}

// Config configures a Monitor.
type Config struct {
	// HistorySize bounds the snapshots kept per service.
	// Default: 120
	HistorySize int

	// HistoryMaxAge discards snapshots older than this.
	// Default: 15m
	HistoryMaxAge time.Duration

	// Defaults are used by CheckHealth for unwatched services.
	Defaults Options

	// Publisher receives healthStatusChanged events. Optional.
	Publisher events.Publisher

	// Sink receives every snapshot. Optional.
	Sink SnapshotSink

	Logger *slog.Logger
}

type service struct {
	mu        sync.Mutex
	id        string
	history   *history
	opts      Options
	status    domain.HealthStatus
	streak    int
	rollout   string
	triggered bool

	// saved holds the options in force before BindRollout replaced them.
	saved *Options

	// watch lifecycle; guarded by Monitor.mu
	cancel context.CancelFunc
	done   chan struct{}
	auto   bool
}

// Monitor watches services.
//
// # Thread Safety
//
// Monitor is safe for concurrent use. The service map lock is held only
// for membership changes; each service has its own lock.
type Monitor struct {
	prober Prober
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	base   context.Context
	stop   context.CancelFunc
	hookMu sync.RWMutex
	hook   func(RollbackTrigger)

	mu       sync.RWMutex
	services map[string]*service
}

// NewMonitor creates a monitor.
func NewMonitor(prober Prober, cfg Config) *Monitor {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 120
	}
	if cfg.HistoryMaxAge <= 0 {
		cfg.HistoryMaxAge = 15 * time.Minute
	}
	if cfg.Publisher == nil {
		cfg.Publisher = events.Discard
	}
	cfg.Defaults = cfg.Defaults.withDefaults()
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	base, stop := context.WithCancel(context.Background())
	return &Monitor{
		prober:   prober,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		base:     base,
		stop:     stop,
		services: make(map[string]*service),
	}
}

// SetRollbackHandler registers the rollback trigger callback. It runs on
// the watching goroutine.
func (m *Monitor) SetRollbackHandler(fn func(RollbackTrigger)) {
	m.hookMu.Lock()
	defer m.hookMu.Unlock()
	m.hook = fn
}

func (m *Monitor) entry(id string, opts *Options) *service {
	m.mu.RLock()
	s, ok := m.services[id]
	m.mu.RUnlock()
	if ok {
		return s
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok = m.services[id]; ok {
		return s
	}
	o := m.cfg.Defaults
	if opts != nil {
		o = opts.withDefaults()
	}
	s = &service{
		id:      id,
		history: newHistory(m.cfg.HistorySize, m.cfg.HistoryMaxAge),
		opts:    o,
		status:  domain.HealthUnknown,
	}
	m.services[id] = s
	return s
}

// =============================================================================
// Checks
// =============================================================================

// CheckHealth probes one service and records the snapshot.
//
// # Description
//
// The snapshot's status classifies this single reading. A failed probe
// yields an unknown snapshot carrying the error and is recorded too, but
// it neither confirms nor clears an unhealthy streak.
//
// # Outputs
//
//   - domain.HealthSnapshot: The reading
//   - error: The probe error, if any
func (m *Monitor) CheckHealth(ctx context.Context, serviceID string) (domain.HealthSnapshot, error) {
	s := m.entry(serviceID, nil)
	s.mu.Lock()
	thresholds := s.opts.Thresholds
	s.mu.Unlock()

	sig, err := m.prober.Probe(ctx, serviceID)
	snap := domain.HealthSnapshot{ServiceID: serviceID, Timestamp: m.now()}
	if err != nil {
		snap.Status = domain.HealthUnknown
		snap.Error = err.Error()
	} else {
		snap.Status = ClassifySample(sig, thresholds)
		snap.ErrorRate = sig.ErrorRate
		snap.Latency = sig.Latency
		snap.Availability = sig.Availability
	}

	s.mu.Lock()
	s.history.push(snap)
	s.mu.Unlock()

	if m.cfg.Sink != nil && err == nil {
		if werr := m.cfg.Sink.WriteSnapshot(ctx, snap); werr != nil {
			m.logger.Debug("health snapshot not recorded", "service", serviceID, "error", werr)
		}
	}
	if err != nil {
		return snap, fmt.Errorf("check health of %s: %w", serviceID, err)
	}
	return snap, nil
}

// tick runs one poll.
func (m *Monitor) tick(ctx context.Context, s *service) {
	snap, err := m.CheckHealth(ctx, s.id)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		m.logger.Warn("health probe failed", "service", s.id, "error", err)
	}

	var trigger *RollbackTrigger
	var changed *events.HealthPayload

	s.mu.Lock()
	status := Classify(s.history.since(m.now().Add(-s.opts.Window)), s.opts.Thresholds)
	if status != s.status {
		changed = &events.HealthPayload{ServiceID: s.id, From: s.status, To: status, Snapshot: snap}
		s.status = status
	}
	if err == nil {
		if status == domain.HealthUnhealthy {
			s.streak++
		} else if status != domain.HealthUnknown {
			s.streak = 0
		}
	}
	if s.rollout != "" && !s.triggered && s.streak >= s.opts.Confirmations {
		s.triggered = true
		trigger = &RollbackTrigger{
			ServiceID:    s.id,
			DeploymentID: s.rollout,
			Snapshot:     snap,
			Reason:       unhealthyReason(snap, s.opts.Thresholds, s.streak),
		}
	}
	s.mu.Unlock()

	if changed != nil {
		m.logger.Info("health status changed", "service", s.id, "from", changed.From, "to", changed.To)
		m.cfg.Publisher.Publish(events.Event{Type: events.HealthChanged, Health: changed})
	}
	if trigger != nil {
		m.logger.Warn("sustained unhealthy service under rollout",
			"service", s.id, "deployment_id", trigger.DeploymentID, "reason", trigger.Reason)
		m.hookMu.RLock()
		hook := m.hook
		m.hookMu.RUnlock()
		if hook != nil {
			hook(*trigger)
		}
	}
}

func unhealthyReason(snap domain.HealthSnapshot, t Thresholds, ticks int) string {
	breach := "sustained breach"
	switch {
	case snap.ErrorRate > t.MaxErrorRate:
		breach = fmt.Sprintf("error rate %.4f > threshold %.4f", snap.ErrorRate, t.MaxErrorRate)
	case t.MaxLatency > 0 && snap.Latency > t.MaxLatency:
		breach = fmt.Sprintf("latency %s > threshold %s", snap.Latency, t.MaxLatency)
	case snap.Availability < t.MinAvailability:
		breach = fmt.Sprintf("availability %.4f < threshold %.4f", snap.Availability, t.MinAvailability)
	}
	return fmt.Sprintf("service %s unhealthy for %d consecutive checks: %s", snap.ServiceID, ticks, breach)
}

// =============================================================================
// Watches
// =============================================================================

// Watch starts polling a service on its own goroutine.
//
// # Description
//
// The first check runs immediately. Watching an already watched service
// replaces its options. The watch ends when ctx is cancelled, on Unwatch
// or on Close.
func (m *Monitor) Watch(ctx context.Context, serviceID string, opts Options) {
	m.watch(ctx, serviceID, opts, false)
}

func (m *Monitor) watch(ctx context.Context, serviceID string, opts Options, auto bool) {
	opts = opts.withDefaults()
	s := m.entry(serviceID, &opts)

	s.mu.Lock()
	s.opts = opts
	s.mu.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if s.cancel != nil {
		if !auto {
			s.auto = false
		}
		return
	}
	wctx, cancel := context.WithCancel(ctx)
	stopOnClose := context.AfterFunc(m.base, cancel)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.auto = auto

	go func(done chan struct{}) {
		defer close(done)
		defer stopOnClose()
		ticker := time.NewTicker(opts.Interval)
		defer ticker.Stop()
		for {
			m.tick(wctx, s)
			select {
			case <-wctx.Done():
				return
			case <-ticker.C:
			}
			s.mu.Lock()
			interval := s.opts.Interval
			s.mu.Unlock()
			if interval != opts.Interval {
				opts.Interval = interval
				ticker.Reset(interval)
			}
		}
	}(s.done)
}

// Unwatch stops polling a service and waits for its goroutine to exit.
// History is kept.
func (m *Monitor) Unwatch(serviceID string) {
	m.mu.Lock()
	s, ok := m.services[serviceID]
	if !ok || s.cancel == nil {
		m.mu.Unlock()
		return
	}
	cancel, done := s.cancel, s.done
	s.cancel, s.done, s.auto = nil, nil, false
	m.mu.Unlock()

	cancel()
	<-done
}

// Watched lists the ids of watched services, sorted.
func (m *Monitor) Watched() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []string
	for id, s := range m.services {
		if s.cancel != nil {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Close stops every watch.
func (m *Monitor) Close() {
	m.stop()
	m.mu.RLock()
	ids := make([]string, 0, len(m.services))
	for id := range m.services {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	for _, id := range ids {
		m.Unwatch(id)
	}
}

// =============================================================================
// Rollout Binding
// =============================================================================

// BindRollout marks serviceID as under active rollout by deploymentID.
//
// # Description
//
// Clears any earlier streak so only unhealthy ticks observed during this
// rollout count. An unwatched service is watched with opts until
// UnbindRollout. A service already watched switches to opts for the
// rollout and gets its own options back on UnbindRollout.
func (m *Monitor) BindRollout(serviceID, deploymentID string, opts Options) {
	s := m.entry(serviceID, &opts)
	s.mu.Lock()
	if s.saved == nil {
		saved := s.opts
		s.saved = &saved
	}
	s.rollout = deploymentID
	s.triggered = false
	s.streak = 0
	s.mu.Unlock()
	m.watch(m.base, serviceID, opts, true)
}

// UnbindRollout clears the binding if it still belongs to deploymentID.
// A watch started by BindRollout is stopped, any other watch returns to
// the options it had before the binding.
func (m *Monitor) UnbindRollout(serviceID, deploymentID string) {
	m.mu.RLock()
	s, ok := m.services[serviceID]
	m.mu.RUnlock()
	if !ok {
		return
	}
	s.mu.Lock()
	if s.rollout != deploymentID {
		s.mu.Unlock()
		return
	}
	s.rollout = ""
	s.triggered = false
	if s.saved != nil {
		s.opts = *s.saved
		s.saved = nil
	}
	s.mu.Unlock()

	m.mu.RLock()
	auto := s.auto
	m.mu.RUnlock()
	if auto {
		m.Unwatch(serviceID)
	}
}

// =============================================================================
// Queries
// =============================================================================

// History returns the retained snapshots of a service, oldest first.
func (m *Monitor) History(serviceID string) []domain.HealthSnapshot {
	m.mu.RLock()
	s, ok := m.services[serviceID]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.slice()
}

// Status returns the last window classification of a service.
func (m *Monitor) Status(serviceID string) domain.HealthStatus {
	m.mu.RLock()
	s, ok := m.services[serviceID]
	m.mu.RUnlock()
	if !ok {
		return domain.HealthUnknown
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// SetThresholds replaces the thresholds of a known service. It reports
// whether the service exists.
func (m *Monitor) SetThresholds(serviceID string, t Thresholds) bool {
	m.mu.RLock()
	s, ok := m.services[serviceID]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	s.mu.Lock()
	s.opts.Thresholds = t
	s.mu.Unlock()
	return true
}

// SetDefaults replaces the options used for services seen afterwards.
func (m *Monitor) SetDefaults(opts Options) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg.Defaults = opts.withDefaults()
}

// Services returns the ids of every known service, sorted.
func (m *Monitor) Services() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.services))
	for id := range m.services {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
