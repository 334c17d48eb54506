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

package picker_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fooldychi/comfylb/health"
	"github.com/fooldychi/comfylb/internal/clocktest"
	"github.com/fooldychi/comfylb/picker"
	"github.com/fooldychi/comfylb/replica"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRegistry(t *testing.T, urls ...string) *replica.Registry {
	t.Helper()
	registry, err := replica.New(urls)
	require.NoError(t, err)
	return registry
}

func TestPickLeastLoaded(t *testing.T) {
	t.Parallel()

	registry := newRegistry(t, "http://r1:8188", "http://r2:8188")
	testClock := clocktest.NewFakeClock()
	now := testClock.Now()
	list := registry.List()
	list[0].SetStatus(replica.HealthHealthy, 2, now)
	list[1].SetStatus(replica.HealthHealthy, 0, now)

	selector := picker.New(picker.Config{Registry: registry})
	picker.SetClock(selector, testClock)

	picked, err := selector.Pick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "http://r2:8188", picked.URL())
}

func TestPickTieBreaksByConfiguredOrder(t *testing.T) {
	t.Parallel()

	registry := newRegistry(t, "http://r1:8188", "http://r2:8188", "http://r3:8188")
	testClock := clocktest.NewFakeClock()
	now := testClock.Now()
	for _, rep := range registry.List() {
		rep.SetStatus(replica.HealthHealthy, 1, now)
	}

	selector := picker.New(picker.Config{Registry: registry})
	picker.SetClock(selector, testClock)

	// Repeated picks under identical conditions are reproducible.
	for i := 0; i < 3; i++ {
		picked, err := selector.Pick(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "http://r1:8188", picked.URL())
	}
}

func TestPickSkipsUnhealthy(t *testing.T) {
	t.Parallel()

	registry := newRegistry(t, "http://r1:8188", "http://r2:8188")
	testClock := clocktest.NewFakeClock()
	now := testClock.Now()
	list := registry.List()
	list[0].SetStatus(replica.HealthUnhealthy, 0, now)
	list[1].SetStatus(replica.HealthHealthy, 9, now)

	selector := picker.New(picker.Config{Registry: registry})
	picker.SetClock(selector, testClock)

	picked, err := selector.Pick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "http://r2:8188", picked.URL())
}

func TestPickFallsBackToFirstConfigured(t *testing.T) {
	t.Parallel()

	registry := newRegistry(t, "http://r1:8188", "http://r2:8188")
	testClock := clocktest.NewFakeClock()
	now := testClock.Now()
	for _, rep := range registry.List() {
		rep.SetStatus(replica.HealthUnhealthy, 0, now)
	}

	selector := picker.New(picker.Config{Registry: registry})
	picker.SetClock(selector, testClock)

	picked, err := selector.Pick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "http://r1:8188", picked.URL())
}

func TestPickNoRegistry(t *testing.T) {
	t.Parallel()

	selector := picker.New(picker.Config{})
	_, err := selector.Pick(context.Background())
	assert.ErrorIs(t, err, picker.ErrNoReplicas)
}

func TestPickRefreshesStaleHealth(t *testing.T) {
	t.Parallel()

	backend := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, _ *http.Request) {
		_, _ = writer.Write([]byte(`{"exec_info": {"queue_remaining": 0}}`))
	}))
	t.Cleanup(backend.Close)

	registry := newRegistry(t, backend.URL)
	testClock := clocktest.NewFakeClock()
	prober := health.NewProber(health.ProberConfig{})
	health.SetProberClock(prober, testClock)

	selector := picker.New(picker.Config{
		Registry:  registry,
		Prober:    prober,
		Staleness: 30 * time.Second,
	})
	picker.SetClock(selector, testClock)

	// Never probed: the pick itself must refresh.
	picked, err := selector.Pick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, replica.HealthHealthy, picked.Status().Health)
	firstProbe := picked.Status().LastProbedAt

	// Fresh data: no refresh on the next pick.
	_, err = selector.Pick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, firstProbe, registry.First().Status().LastProbedAt)

	// Stale data: refreshed again.
	testClock.Advance(31 * time.Second)
	_, err = selector.Pick(context.Background())
	require.NoError(t, err)
	assert.True(t, registry.First().Status().LastProbedAt.After(firstProbe))
}
