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

// Package picker selects the replica a new session should bind to.
//
// Selection is deterministic: the healthy replica with the lowest queue
// depth wins, ties broken by configured order. Determinism matters for
// reproducing selection behavior in tests; there is no randomness to
// smooth load because a session binds one replica for many jobs anyway.
package picker

import (
	"context"
	"errors"
	"time"

	"github.com/fooldychi/comfylb/health"
	"github.com/fooldychi/comfylb/internal"
	"github.com/fooldychi/comfylb/replica"
	"go.uber.org/zap"
)

const defaultStaleness = 30 * time.Second

// ErrNoReplicas is returned by Pick when the picker has no registry to
// select from.
var ErrNoReplicas = errors.New("no replicas to pick from")

// Config configures a Picker.
type Config struct {
	// Registry is the replica set to select from. Required.
	Registry *replica.Registry
	// Prober, if set, is used to refresh health data that has gone
	// stale before selecting.
	Prober *health.Prober
	// Staleness is how old the freshest probe result may be before a
	// refresh is triggered. Defaults to 30 seconds.
	Staleness time.Duration
	// Logger receives selection diagnostics. Defaults to a no-op
	// logger.
	Logger *zap.Logger
}

// A Picker ranks healthy replicas by queue depth and returns the least
// loaded one.
type Picker struct {
	registry  *replica.Registry
	prober    *health.Prober
	staleness time.Duration
	logger    *zap.Logger
	clock     internal.Clock
}

// New creates a Picker from the given config.
func New(config Config) *Picker {
	picker := &Picker{
		registry:  config.Registry,
		prober:    config.Prober,
		staleness: config.Staleness,
		logger:    config.Logger,
		clock:     internal.NewRealClock(),
	}
	if picker.staleness == 0 {
		picker.staleness = defaultStaleness
	}
	if picker.logger == nil {
		picker.logger = zap.NewNop()
	}
	return picker
}

// Pick returns the healthy replica with the lowest queue depth,
// refreshing health data first if it is stale. If no replica is
// healthy, the first configured replica is returned as a last resort:
// the caller still attempts the call and handles failure itself, which
// degrades better than refusing to try at all.
func (p *Picker) Pick(ctx context.Context) (*replica.Replica, error) {
	if p.registry == nil || p.registry.Len() == 0 {
		return nil, ErrNoReplicas
	}
	if p.prober != nil && p.stale() {
		p.prober.RefreshAll(ctx, p.registry)
	}

	var best *replica.Replica
	bestDepth := 0
	for _, rep := range p.registry.List() {
		status := rep.Status()
		if status.Health != replica.HealthHealthy {
			continue
		}
		if best == nil || status.QueueDepth < bestDepth {
			best = rep
			bestDepth = status.QueueDepth
		}
	}
	if best == nil {
		best = p.registry.First()
		p.logger.Warn("no healthy replica, falling back to first configured",
			zap.String("replica", best.URL()))
		return best, nil
	}
	p.logger.Debug("picked replica",
		zap.String("replica", best.URL()),
		zap.Int("queue_depth", bestDepth))
	return best, nil
}

// stale reports whether even the freshest probe result is older than
// the staleness threshold.
func (p *Picker) stale() bool {
	var newest time.Time
	for _, rep := range p.registry.List() {
		if probedAt := rep.Status().LastProbedAt; probedAt.After(newest) {
			newest = probedAt
		}
	}
	if newest.IsZero() {
		return true
	}
	return p.clock.Since(newest) > p.staleness
}
