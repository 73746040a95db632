// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianDeploy/services/rollout/events"
	"github.com/AleutianAI/AleutianDeploy/services/rollout/resilience"
	"github.com/AleutianAI/AleutianDeploy/services/rollout/secret"
)

// WebhookConfig describes one HTTP endpoint that receives events.
type WebhookConfig struct {
	Name string `yaml:"name" validate:"required"`
	URL  string `yaml:"url" validate:"required,url"`

	// Events filters the delivered types. Empty delivers every event.
	Events []events.Type `yaml:"events"`

	// Headers are added to every request. Values are sealed in memory
	// once the sink is created.
	Headers map[string]string `yaml:"headers"`

	// Rate and Burst bound deliveries per second.
	// Default: 5 and 10
	Rate  float64 `yaml:"rate" validate:"gte=0"`
	Burst int     `yaml:"burst" validate:"gte=0"`

	// Default: 5s
	Timeout time.Duration `yaml:"timeout" validate:"gte=0"`
}

// Webhook posts each event as JSON.
//
// # Description
//
// Deliveries are rate limited per sink and run through the resilience
// guard under the dependency "webhook/<name>", so a dead endpoint trips
// its own breaker without affecting rollouts. A 4xx response is not
// retried.
//
// # Thread Safety
//
// Send is safe for concurrent use.
type Webhook struct {
	cfg     WebhookConfig
	headers map[string]*secret.Value
	client  *http.Client
	limiter *rate.Limiter
	guard   *resilience.Guard
}

// NewWebhook creates a webhook sink.
//
// # Inputs
//
//   - cfg: Endpoint configuration. Zero Rate disables limiting.
//   - guard: Optional. Nil sends each event once without retry.
//   - client: Optional. Nil uses a client with cfg.Timeout.
func NewWebhook(cfg WebhookConfig, guard *resilience.Guard, client *http.Client) *Webhook {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	limit := rate.Inf
	if cfg.Rate > 0 {
		limit = rate.Limit(cfg.Rate)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	headers := make(map[string]*secret.Value, len(cfg.Headers))
	for k, v := range cfg.Headers {
		headers[k] = secret.New(v)
	}
	cfg.Headers = nil
	return &Webhook{cfg: cfg, headers: headers, client: client, limiter: rate.NewLimiter(limit, burst), guard: guard}
}

// Name implements Sink.
func (w *Webhook) Name() string { return w.cfg.Name }

// Events implements Sink.
func (w *Webhook) Events() []events.Type { return w.cfg.Events }

// Dependency is the breaker key of this sink.
func (w *Webhook) Dependency() string { return "webhook/" + w.cfg.Name }

// Send implements Sink.
func (w *Webhook) Send(ctx context.Context, ev events.Event) error {
	if err := w.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("webhook %s: %w", w.cfg.Name, err)
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	post := func(ctx context.Context) error { return w.post(ctx, ev.Type, body) }
	if w.guard == nil {
		return post(ctx)
	}
	return w.guard.Do(ctx, w.Dependency(), post)
}

func (w *Webhook) post(ctx context.Context, typ events.Type, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return resilience.Permanent(fmt.Errorf("build webhook request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Rollout-Event", string(typ))
	for k, v := range w.headers {
		plain, err := v.Reveal()
		if err != nil {
			return resilience.Permanent(fmt.Errorf("webhook %s header %s: %w", w.cfg.Name, k, err))
		}
		req.Header.Set(k, plain)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook %s: %w", w.cfg.Name, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return resilience.Permanent(fmt.Errorf("webhook %s: status %d", w.cfg.Name, resp.StatusCode))
	default:
		return fmt.Errorf("webhook %s: status %d", w.cfg.Name, resp.StatusCode)
	}
}
