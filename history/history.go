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

// Package history confirms job completion out of band.
//
// The event stream is the primary completion signal, but it is a single
// connection that can silently die mid-job. The reconciler bypasses it
// entirely: a plain GET against the replica's history endpoint answers
// whether the job truly finished and where its output artifacts live.
//
// Every fetch targets the replica the job was submitted to. A job's
// history exists only on that replica; consulting any other, including
// the session's current binding, would report a completed job as
// missing.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/fooldychi/comfylb/replica"
	"go.uber.org/zap"
)

const (
	defaultFetchTimeout = 10 * time.Second

	// maxHistoryBody bounds how much of a history response is read.
	maxHistoryBody = 8 << 20
)

var (
	// ErrNotComplete signals that the replica has no history record for
	// the job yet. The job may still be running; the caller may retry
	// later.
	ErrNotComplete = errors.New("job not yet in history")

	// ErrNoOutputs signals that the history record exists but no output
	// slot holds any artifact: the backend finished without producing
	// anything.
	ErrNoOutputs = errors.New("job history has no output artifacts")

	// ErrNoReplica signals a fetch attempted for a job with no bound
	// replica. This is a programming error, not a transient condition.
	ErrNoReplica = errors.New("job has no bound replica")
)

// Artifact is one output file descriptor plus its constructed access
// URL. The URL is handed to the caller, never fetched here.
type Artifact struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
	URL       string `json:"url"`
}

// Result is the reconciled outcome of a completed job.
type Result struct {
	JobID     string     `json:"job_id"`
	Replica   string     `json:"replica"`
	Node      string     `json:"node"`
	Artifacts []Artifact `json:"artifacts"`
}

// Config configures a Reconciler.
type Config struct {
	// HTTPClient issues the history requests. Defaults to a plain
	// http.Client.
	HTTPClient *http.Client
	// Timeout bounds each fetch. Defaults to 10 seconds.
	Timeout time.Duration
	// PrimaryNode is the output slot consulted first, typically the
	// workflow's main save node.
	PrimaryNode string
	// SecondaryNodes are fallback output slots consulted in order when
	// the primary holds no artifacts.
	SecondaryNodes []string
	// Logger receives fetch diagnostics. Defaults to a no-op logger.
	Logger *zap.Logger
}

// A Reconciler fetches history records and resolves output artifacts.
type Reconciler struct {
	httpClient     *http.Client
	timeout        time.Duration
	primaryNode    string
	secondaryNodes []string
	logger         *zap.Logger
}

// NewReconciler creates a Reconciler from the given config.
func NewReconciler(config Config) *Reconciler {
	reconciler := &Reconciler{
		httpClient:     config.HTTPClient,
		timeout:        config.Timeout,
		primaryNode:    config.PrimaryNode,
		secondaryNodes: config.SecondaryNodes,
		logger:         config.Logger,
	}
	if reconciler.httpClient == nil {
		reconciler.httpClient = &http.Client{}
	}
	if reconciler.timeout == 0 {
		reconciler.timeout = defaultFetchTimeout
	}
	if reconciler.logger == nil {
		reconciler.logger = zap.NewNop()
	}
	return reconciler
}

type historyOutputs struct {
	Outputs map[string]struct {
		Images []struct {
			Filename  string `json:"filename"`
			Subfolder string `json:"subfolder"`
			Type      string `json:"type"`
		} `json:"images"`
	} `json:"outputs"`
}

// FetchResult fetches the job's history record from the given replica
// and resolves its output artifacts. The replica must be the one the
// job was submitted to. Fetching the same completed job twice returns
// equal results.
//
// Absence of a history record is ErrNotComplete, not an error state; a
// record with no artifacts in any slot is ErrNoOutputs.
func (r *Reconciler) FetchResult(ctx context.Context, jobID string, rep *replica.Replica) (*Result, error) {
	if rep == nil {
		return nil, ErrNoReplica
	}
	if jobID == "" {
		return nil, errors.New("empty job id")
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	fetchURL := rep.URL() + "/history/" + url.PathEscape(jobID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fetchURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("build history request: %w", err)
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch history for %s: %w", jobID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotComplete
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetch history for %s: unexpected status %d", jobID, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxHistoryBody))
	if err != nil {
		return nil, fmt.Errorf("read history for %s: %w", jobID, err)
	}

	var records map[string]historyOutputs
	if err := json.Unmarshal(body, &records); err != nil {
		return nil, fmt.Errorf("decode history for %s: %w", jobID, err)
	}
	record, ok := records[jobID]
	if !ok {
		return nil, ErrNotComplete
	}

	node, artifacts := r.resolveOutputs(rep, record)
	if len(artifacts) == 0 {
		return nil, ErrNoOutputs
	}
	r.logger.Debug("reconciled job result",
		zap.String("job_id", jobID),
		zap.String("replica", rep.URL()),
		zap.String("node", node),
		zap.Int("artifacts", len(artifacts)))
	return &Result{
		JobID:     jobID,
		Replica:   rep.URL(),
		Node:      node,
		Artifacts: artifacts,
	}, nil
}

// resolveOutputs picks the output slot in fixed priority order: the
// primary node, then the secondary nodes in order, then a sorted scan
// of all slots. The first slot with at least one artifact wins. Sorting
// the final scan keeps repeated fetches deterministic.
func (r *Reconciler) resolveOutputs(rep *replica.Replica, record historyOutputs) (string, []Artifact) {
	tried := make(map[string]bool)
	candidates := make([]string, 0, len(record.Outputs)+1+len(r.secondaryNodes))
	if r.primaryNode != "" {
		candidates = append(candidates, r.primaryNode)
		tried[r.primaryNode] = true
	}
	for _, node := range r.secondaryNodes {
		if !tried[node] {
			candidates = append(candidates, node)
			tried[node] = true
		}
	}
	rest := make([]string, 0, len(record.Outputs))
	for node := range record.Outputs {
		if !tried[node] {
			rest = append(rest, node)
		}
	}
	sort.Strings(rest)
	candidates = append(candidates, rest...)

	for _, node := range candidates {
		slot, ok := record.Outputs[node]
		if !ok || len(slot.Images) == 0 {
			continue
		}
		artifacts := make([]Artifact, 0, len(slot.Images))
		for _, image := range slot.Images {
			artifacts = append(artifacts, Artifact{
				Filename:  image.Filename,
				Subfolder: image.Subfolder,
				Type:      image.Type,
				URL:       viewURL(rep, image.Filename, image.Subfolder, image.Type),
			})
		}
		return node, artifacts
	}
	return "", nil
}

// viewURL constructs the artifact access URL on the job's replica.
func viewURL(rep *replica.Replica, filename, subfolder, artifactType string) string {
	query := url.Values{}
	query.Set("filename", filename)
	query.Set("subfolder", subfolder)
	query.Set("type", artifactType)
	return rep.URL() + "/view?" + query.Encode()
}
