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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianDeploy/services/rollout/domain"
	"github.com/AleutianAI/AleutianDeploy/services/rollout/resilience"
	"github.com/AleutianAI/AleutianDeploy/services/rollout/secret"
)

// HTTPClient talks JSON to a control-plane API.
//
// # Description
//
// Manifests are POSTed to {base}/v1/manifests/{kind}; replica status is
// read from GET {base}/v1/workloads/{env}/{service}/{slot} and the split
// in effect from GET {base}/v1/splits/{env}/{service}. 4xx responses
// are permanent errors and are not retried by the call guard; 5xx and
// transport errors are transient. The bearer token is kept sealed and
// revealed per request.
//
// # Thread Safety
//
// HTTPClient is safe for concurrent use.
type HTTPClient struct {
	baseURL string
	token   *secret.Value
	http    *http.Client
}

// NewHTTPClient creates a client. A nil httpClient gets a 30s timeout;
// per-call deadlines come from the caller's context.
func NewHTTPClient(baseURL, token string, httpClient *http.Client) *HTTPClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPClient{baseURL: strings.TrimRight(baseURL, "/"), token: secret.New(token), http: httpClient}
}

// ApplyManifest implements ControlPlane.
func (c *HTTPClient) ApplyManifest(ctx context.Context, kind Kind, spec any) error {
	body, err := json.Marshal(spec)
	if err != nil {
		return resilience.Permanent(fmt.Errorf("encode %s manifest: %w", kind, err))
	}
	endpoint := fmt.Sprintf("%s/v1/manifests/%s", c.baseURL, url.PathEscape(string(kind)))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return resilience.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, nil)
}

// GetReplicaStatus implements ControlPlane.
func (c *HTTPClient) GetReplicaStatus(ctx context.Context, ref Ref) (domain.Replicas, error) {
	endpoint := fmt.Sprintf("%s/v1/workloads/%s/%s/%s", c.baseURL,
		url.PathEscape(ref.Environment), url.PathEscape(ref.Service), url.PathEscape(string(ref.Slot)))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return domain.Replicas{}, resilience.Permanent(err)
	}
	var out domain.Replicas
	if err := c.do(req, &out); err != nil {
		return domain.Replicas{}, err
	}
	return out, nil
}

// GetTrafficSplit implements SplitReader.
func (c *HTTPClient) GetTrafficSplit(ctx context.Context, environment, service string) (TrafficSplitSpec, error) {
	endpoint := fmt.Sprintf("%s/v1/splits/%s/%s", c.baseURL, url.PathEscape(environment), url.PathEscape(service))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return TrafficSplitSpec{}, resilience.Permanent(err)
	}
	var out TrafficSplitSpec
	if err := c.do(req, &out); err != nil {
		return TrafficSplitSpec{}, err
	}
	return out, nil
}

func (c *HTTPClient) do(req *http.Request, out any) error {
	if !c.token.IsZero() {
		token, err := c.token.Reveal()
		if err != nil {
			return resilience.Permanent(fmt.Errorf("control plane token: %w", err))
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("control plane %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("control plane %s: %w", req.URL.Path, domain.ErrNotFound)
	}
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err := fmt.Errorf("control plane %s %s: status %d: %s",
			req.Method, req.URL.Path, resp.StatusCode, strings.TrimSpace(string(msg)))
		if resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return resilience.Permanent(err)
		}
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode control plane response: %w", err)
	}
	return nil
}
