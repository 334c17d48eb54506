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

// Package replica defines the set of interchangeable backend instances
// that jobs may be submitted to, along with each instance's last known
// health and queue depth.
//
// The set is fixed at construction time. Replicas are never removed,
// only marked unhealthy; a replica that disappears from service simply
// stops winning selection.
package replica

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Health represents the last probed state of a replica. The zero value
// is HealthUnknown, the state of every replica before its first probe.
type Health int

const (
	HealthUnknown   = Health(0)
	HealthHealthy   = Health(1)
	HealthUnhealthy = Health(2)
)

func (h Health) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthUnhealthy:
		return "unhealthy"
	case HealthUnknown:
		return "unknown"
	default:
		return fmt.Sprintf("Health(%d)", int(h))
	}
}

// Replica is one backend instance. Its identity is its normalized base
// URL; its status fields are mutated only by the health prober and read
// by everything else through Status snapshots.
type Replica struct {
	url string

	mu           sync.Mutex
	health       Health
	queueDepth   int
	lastProbedAt time.Time
}

// Status is a point-in-time snapshot of a replica's probed state.
type Status struct {
	Health       Health
	QueueDepth   int
	LastProbedAt time.Time
}

// URL returns the replica's normalized base URL, without a trailing
// slash, e.g. "http://10.0.0.7:8188".
func (r *Replica) URL() string {
	return r.url
}

// Status returns a snapshot of the replica's probed state.
func (r *Replica) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Status{
		Health:       r.health,
		QueueDepth:   r.queueDepth,
		LastProbedAt: r.lastProbedAt,
	}
}

// SetStatus records the outcome of a probe. Only the health prober
// should call this.
func (r *Replica) SetStatus(health Health, queueDepth int, probedAt time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.health = health
	r.queueDepth = queueDepth
	r.lastProbedAt = probedAt
}

func (r *Replica) String() string {
	return r.url
}

// ErrNoReplicas is returned by New when no replica URLs are configured.
var ErrNoReplicas = errors.New("no replicas configured")

// Registry holds the configured replica set in a stable order. The set
// is immutable after construction, so reads need no synchronization;
// only the per-replica status fields change over time.
type Registry struct {
	replicas []*Replica
	byURL    map[string]*Replica
}

// New builds a registry from the given base URLs. URLs are normalized:
// a missing scheme defaults to http and trailing slashes are stripped.
// Duplicate URLs (after normalization) are rejected.
func New(urls []string) (*Registry, error) {
	if len(urls) == 0 {
		return nil, ErrNoReplicas
	}
	registry := &Registry{
		replicas: make([]*Replica, 0, len(urls)),
		byURL:    make(map[string]*Replica, len(urls)),
	}
	for _, raw := range urls {
		normalized, err := Normalize(raw)
		if err != nil {
			return nil, err
		}
		if _, ok := registry.byURL[normalized]; ok {
			return nil, fmt.Errorf("duplicate replica URL %q", normalized)
		}
		rep := &Replica{url: normalized}
		registry.replicas = append(registry.replicas, rep)
		registry.byURL[normalized] = rep
	}
	return registry, nil
}

// List returns the replicas in configured order. The returned slice is
// a copy; the replicas themselves are shared.
func (g *Registry) List() []*Replica {
	out := make([]*Replica, len(g.replicas))
	copy(out, g.replicas)
	return out
}

// Get returns the replica with the given normalized base URL.
func (g *Registry) Get(url string) (*Replica, bool) {
	rep, ok := g.byURL[url]
	return rep, ok
}

// First returns the first configured replica. It is the last-resort
// selection when no replica is healthy.
func (g *Registry) First() *Replica {
	return g.replicas[0]
}

// Len returns the number of configured replicas.
func (g *Registry) Len() int {
	return len(g.replicas)
}

// Normalize canonicalizes a replica base URL: a missing scheme defaults
// to http, trailing slashes are stripped, and the URL must parse with a
// host.
func Normalize(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", errors.New("empty replica URL")
	}
	if !strings.Contains(trimmed, "://") {
		trimmed = "http://" + trimmed
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("invalid replica URL %q: %w", raw, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", fmt.Errorf("invalid replica URL %q: unsupported scheme %q", raw, parsed.Scheme)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("invalid replica URL %q: missing host", raw)
	}
	parsed.Path = strings.TrimRight(parsed.Path, "/")
	parsed.RawQuery = ""
	parsed.Fragment = ""
	return parsed.String(), nil
}
