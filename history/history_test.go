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

package history_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fooldychi/comfylb/history"
	"github.com/fooldychi/comfylb/replica"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func singleReplica(t *testing.T, url string) *replica.Replica {
	t.Helper()
	registry, err := replica.New([]string{url})
	require.NoError(t, err)
	return registry.First()
}

func historyBackend(t *testing.T, jobID, payload string) *replica.Replica {
	t.Helper()
	backend := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, req *http.Request) {
		if req.URL.Path != "/history/"+jobID {
			http.NotFound(writer, req)
			return
		}
		_, _ = writer.Write([]byte(payload))
	}))
	t.Cleanup(backend.Close)
	return singleReplica(t, backend.URL)
}

func TestFetchResultResolvesPrimaryNode(t *testing.T) {
	t.Parallel()

	payload := `{"job-1": {"outputs": {
		"9": {"images": [{"filename": "out_001.png", "subfolder": "gen", "type": "output"}]},
		"12": {"images": [{"filename": "alt_001.png", "subfolder": "", "type": "temp"}]}
	}}}`
	rep := historyBackend(t, "job-1", payload)

	reconciler := history.NewReconciler(history.Config{PrimaryNode: "9"})
	result, err := reconciler.FetchResult(context.Background(), "job-1", rep)
	require.NoError(t, err)
	assert.Equal(t, "job-1", result.JobID)
	assert.Equal(t, rep.URL(), result.Replica)
	assert.Equal(t, "9", result.Node)
	require.Len(t, result.Artifacts, 1)
	assert.Equal(t, "out_001.png", result.Artifacts[0].Filename)
	assert.Equal(t, rep.URL()+"/view?filename=out_001.png&subfolder=gen&type=output", result.Artifacts[0].URL)
}

func TestFetchResultFallsBackThroughNodeOrder(t *testing.T) {
	t.Parallel()

	payload := `{"job-2": {"outputs": {
		"9": {"images": []},
		"14": {"images": [{"filename": "b.png", "subfolder": "", "type": "output"}]},
		"12": {"images": [{"filename": "a.png", "subfolder": "", "type": "output"}]}
	}}}`
	rep := historyBackend(t, "job-2", payload)

	// Primary is empty, first secondary wins.
	reconciler := history.NewReconciler(history.Config{
		PrimaryNode:    "9",
		SecondaryNodes: []string{"12", "14"},
	})
	result, err := reconciler.FetchResult(context.Background(), "job-2", rep)
	require.NoError(t, err)
	assert.Equal(t, "12", result.Node)

	// No configured nodes match: sorted scan of all slots.
	reconciler = history.NewReconciler(history.Config{PrimaryNode: "77"})
	result, err = reconciler.FetchResult(context.Background(), "job-2", rep)
	require.NoError(t, err)
	assert.Equal(t, "12", result.Node, "scan order must be deterministic")
}

func TestFetchResultIdempotent(t *testing.T) {
	t.Parallel()

	payload := `{"job-3": {"outputs": {
		"3": {"images": [{"filename": "x.png", "subfolder": "s", "type": "output"}]},
		"5": {"images": [{"filename": "y.png", "subfolder": "s", "type": "output"}]}
	}}}`
	rep := historyBackend(t, "job-3", payload)

	reconciler := history.NewReconciler(history.Config{})
	first, err := reconciler.FetchResult(context.Background(), "job-3", rep)
	require.NoError(t, err)
	second, err := reconciler.FetchResult(context.Background(), "job-3", rep)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestFetchResultNotComplete(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "404",
			handler: func(writer http.ResponseWriter, req *http.Request) {
				http.NotFound(writer, req)
			},
		},
		{
			name: "empty object",
			handler: func(writer http.ResponseWriter, _ *http.Request) {
				_, _ = writer.Write([]byte(`{}`))
			},
		},
	}
	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()
			backend := httptest.NewServer(testCase.handler)
			t.Cleanup(backend.Close)
			rep := singleReplica(t, backend.URL)

			reconciler := history.NewReconciler(history.Config{})
			_, err := reconciler.FetchResult(context.Background(), "job-4", rep)
			assert.ErrorIs(t, err, history.ErrNotComplete)
		})
	}
}

func TestFetchResultNoOutputs(t *testing.T) {
	t.Parallel()

	rep := historyBackend(t, "job-5", `{"job-5": {"outputs": {"9": {"images": []}}}}`)
	reconciler := history.NewReconciler(history.Config{})
	_, err := reconciler.FetchResult(context.Background(), "job-5", rep)
	assert.ErrorIs(t, err, history.ErrNoOutputs)
}

func TestFetchResultNoReplica(t *testing.T) {
	t.Parallel()

	reconciler := history.NewReconciler(history.Config{})
	_, err := reconciler.FetchResult(context.Background(), "job-6", nil)
	assert.ErrorIs(t, err, history.ErrNoReplica)
}

func TestFetchResultTargetsJobReplicaOnly(t *testing.T) {
	t.Parallel()

	// Two replicas; only the submitted-to one has the record.
	var wrongHits int
	wrong := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, req *http.Request) {
		wrongHits++
		http.NotFound(writer, req)
	}))
	t.Cleanup(wrong.Close)
	right := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, _ *http.Request) {
		_, _ = fmt.Fprint(writer, `{"job-7": {"outputs": {"9": {"images": [{"filename": "z.png", "subfolder": "", "type": "output"}]}}}}`)
	}))
	t.Cleanup(right.Close)

	registry, err := replica.New([]string{wrong.URL, right.URL})
	require.NoError(t, err)
	jobReplica := registry.List()[1]

	reconciler := history.NewReconciler(history.Config{})
	result, err := reconciler.FetchResult(context.Background(), "job-7", jobReplica)
	require.NoError(t, err)
	assert.Equal(t, jobReplica.URL(), result.Replica)
	assert.Zero(t, wrongHits, "the other replica must never be consulted")
}
