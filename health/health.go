// Copyright 2024-2026 The comfylb Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package health probes replica status endpoints and records each
// replica's health and queue depth in the registry.
//
// A replica exposes several candidate status endpoints; the prober
// tries them in order and accepts the first structurally valid
// response. Probe failures are never surfaced to callers: a replica
// that cannot be probed is simply marked unhealthy.
package health

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/fooldychi/comfylb/internal"
	"github.com/fooldychi/comfylb/replica"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultProbeTimeout = 5 * time.Second

	// maxStatusBody bounds how much of a status response is read.
	// Status payloads are small; anything larger is not one.
	maxStatusBody = 1 << 20
)

// An Endpoint is one candidate status path on a replica, paired with a
// structural check of its response shape. Parse returns the queue depth
// (running plus pending work) and whether the payload had the expected
// shape. A payload that parses as JSON but lacks the expected keys is
// rejected, so a reverse proxy's catch-all page never counts as a
// healthy signal.
type Endpoint struct {
	Path  string
	Parse func(body []byte) (queueDepth int, ok bool)
}

// DefaultEndpoints returns the candidate status endpoints in probe
// order: /prompt (cheapest, carries queue_remaining), /queue (explicit
// running/pending lists), /system_stats (reachability only).
func DefaultEndpoints() []Endpoint {
	return []Endpoint{
		{Path: "/prompt", Parse: parsePrompt},
		{Path: "/queue", Parse: parseQueue},
		{Path: "/system_stats", Parse: parseSystemStats},
	}
}

type promptResponse struct {
	ExecInfo *struct {
		QueueRemaining *int `json:"queue_remaining"`
	} `json:"exec_info"`
}

func parsePrompt(body []byte) (int, bool) {
	var parsed promptResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return 0, false
	}
	if parsed.ExecInfo == nil || parsed.ExecInfo.QueueRemaining == nil {
		return 0, false
	}
	return *parsed.ExecInfo.QueueRemaining, true
}

type queueResponse struct {
	Running *[]json.RawMessage `json:"queue_running"`
	Pending *[]json.RawMessage `json:"queue_pending"`
}

func parseQueue(body []byte) (int, bool) {
	var parsed queueResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return 0, false
	}
	if parsed.Running == nil || parsed.Pending == nil {
		return 0, false
	}
	return len(*parsed.Running) + len(*parsed.Pending), true
}

type systemStatsResponse struct {
	System *json.RawMessage `json:"system"`
}

func parseSystemStats(body []byte) (int, bool) {
	var parsed systemStatsResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return 0, false
	}
	if parsed.System == nil {
		return 0, false
	}
	// Reachable but no queue signal; report an empty queue.
	return 0, true
}

// ProberConfig configures a Prober. The zero value is usable.
type ProberConfig struct {
	// HTTPClient issues the probe requests. Defaults to a plain
	// http.Client; probe deadlines come from the per-probe timeout.
	HTTPClient *http.Client
	// Endpoints are the candidate status endpoints, tried in order.
	// Defaults to DefaultEndpoints().
	Endpoints []Endpoint
	// Timeout bounds each whole probe (all candidate endpoints for one
	// replica). Defaults to 5 seconds.
	Timeout time.Duration
	// Logger receives probe diagnostics. Defaults to a no-op logger.
	Logger *zap.Logger
}

// A Prober performs single-shot health probes against replicas and
// records the results on the replica records themselves.
type Prober struct {
	httpClient *http.Client
	endpoints  []Endpoint
	timeout    time.Duration
	logger     *zap.Logger
	clock      internal.Clock
}

// NewProber creates a Prober from the given config.
func NewProber(config ProberConfig) *Prober {
	prober := &Prober{
		httpClient: config.HTTPClient,
		endpoints:  config.Endpoints,
		timeout:    config.Timeout,
		logger:     config.Logger,
		clock:      internal.NewRealClock(),
	}
	if prober.httpClient == nil {
		prober.httpClient = &http.Client{}
	}
	if len(prober.endpoints) == 0 {
		prober.endpoints = DefaultEndpoints()
	}
	if prober.timeout == 0 {
		prober.timeout = defaultProbeTimeout
	}
	if prober.logger == nil {
		prober.logger = zap.NewNop()
	}
	return prober
}

// ProbeReplica probes one replica and updates its status in place. The
// first candidate endpoint with a structurally valid response decides
// health and queue depth; exhausting all candidates, or any transport
// error on every candidate, marks the replica unhealthy. The updated
// status is returned for convenience. Probe errors never propagate.
func (p *Prober) ProbeReplica(ctx context.Context, rep *replica.Replica) replica.Status {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	for _, endpoint := range p.endpoints {
		depth, ok := p.probeEndpoint(ctx, rep, endpoint)
		if !ok {
			continue
		}
		rep.SetStatus(replica.HealthHealthy, depth, p.clock.Now())
		p.logger.Debug("replica probe succeeded",
			zap.String("replica", rep.URL()),
			zap.String("endpoint", endpoint.Path),
			zap.Int("queue_depth", depth))
		return rep.Status()
	}
	rep.SetStatus(replica.HealthUnhealthy, 0, p.clock.Now())
	p.logger.Debug("replica probe failed", zap.String("replica", rep.URL()))
	return rep.Status()
}

func (p *Prober) probeEndpoint(ctx context.Context, rep *replica.Replica, endpoint Endpoint) (int, bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rep.URL()+endpoint.Path, http.NoBody)
	if err != nil {
		return 0, false
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return 0, false
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, false
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxStatusBody))
	if err != nil {
		return 0, false
	}
	return endpoint.Parse(body)
}

// RefreshAll probes every replica in the registry concurrently and
// waits for all probes to finish. It never returns an error from
// probing itself; only context cancellation cuts it short.
func (p *Prober) RefreshAll(ctx context.Context, registry *replica.Registry) {
	group, ctx := errgroup.WithContext(ctx)
	for _, rep := range registry.List() {
		rep := rep
		group.Go(func() error {
			p.ProbeReplica(ctx, rep)
			return nil
		})
	}
	_ = group.Wait()
}
