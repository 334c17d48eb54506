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

package comfylb

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/fooldychi/comfylb/health"
	"github.com/fooldychi/comfylb/history"
	"github.com/fooldychi/comfylb/internal"
	"github.com/fooldychi/comfylb/job"
	"github.com/fooldychi/comfylb/picker"
	"github.com/fooldychi/comfylb/replica"
	"github.com/fooldychi/comfylb/session"
	"github.com/fooldychi/comfylb/stream"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrClosed is returned by operations on a closed client.
	ErrClosed = errors.New("client is closed")

	// ErrCancelled marks a job the caller cancelled.
	ErrCancelled = errors.New("job cancelled")

	// ErrReplicaMismatch signals that the event stream and the session
	// binding disagree on the replica. Submitting anyway would send a
	// job whose events arrive on a stream we are not reading.
	ErrReplicaMismatch = errors.New("event stream and session disagree on replica")
)

// Priority orders waiting jobs. Higher dispatches first; jobs of equal
// priority dispatch in arrival order. Each retry demotes a job one
// level, so a flapping job cannot starve fresh work.
type Priority int

const (
	PriorityLow    = Priority(-1)
	PriorityNormal = Priority(0)
	PriorityHigh   = Priority(1)
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// EnqueueOptions customize a single enqueued job. All fields are
// optional. The callbacks are registered atomically with the enqueue,
// so no outcome can be reported before registration.
type EnqueueOptions struct {
	// Priority orders the job among waiting jobs. Defaults to
	// PriorityNormal.
	Priority Priority
	// OnProgress is called for each progress update of the job's
	// current attempt.
	OnProgress func(job.Progress)
	// OnComplete is called once with the reconciled result when the
	// job completes.
	OnComplete func(*history.Result)
	// OnError is called once when the job's attempt budget is
	// exhausted or the job is cancelled. Per-attempt failures that
	// will be retried are not reported here.
	OnError func(error)
}

// JobStatus is a point-in-time snapshot of an enqueued job, kept
// consistent whether the job is waiting, executing, or already
// finished.
type JobStatus struct {
	ID         string
	State      job.State
	Priority   Priority
	Attempts   int
	Replica    string
	EnqueuedAt time.Time
	Progress   []job.Progress
	Steps      []string
	Err        error
	Result     *history.Result
}

// A Client submits jobs to a replica pool and tracks them to
// completion. Create one with [New]; it is safe for concurrent use.
type Client struct {
	opts   clientOptions
	logger *zap.Logger
	clock  internal.Clock

	registry   *replica.Registry
	prober     *health.Prober
	refresher  *health.Refresher
	picker     *picker.Picker
	session    *session.Session
	reconciler *history.Reconciler
	tracker    *job.Tracker
	stream     *stream.Client

	ctx        context.Context //nolint:containedctx // bounds all background work
	cancel     context.CancelFunc
	ops        chan func()
	doneSignal chan struct{}
	closed     atomic.Bool

	// The fields below are owned by the scheduler goroutine and only
	// touched through ops.
	waiting   []*entry
	executing map[string]*entry
	byJobID   map[string]*entry
	completed *snapshotRing
	failed    *snapshotRing
}

// New creates a Client over the given replica set.
func New(registry *replica.Registry, options ...ClientOption) (*Client, error) {
	if registry == nil || registry.Len() == 0 {
		return nil, replica.ErrNoReplicas
	}
	var opts clientOptions
	for _, option := range options {
		option.apply(&opts)
	}
	opts.applyDefaults()

	ctx, cancel := context.WithCancel(opts.rootCtx)
	client := &Client{
		opts:       opts,
		logger:     opts.logger,
		clock:      internal.NewRealClock(),
		registry:   registry,
		ctx:        ctx,
		cancel:     cancel,
		ops:        make(chan func(), 16),
		doneSignal: make(chan struct{}),
		executing:  make(map[string]*entry),
		byJobID:    make(map[string]*entry),
		completed:  newSnapshotRing(opts.historyCapacity),
		failed:     newSnapshotRing(opts.historyCapacity),
	}
	client.prober = health.NewProber(health.ProberConfig{
		HTTPClient: opts.httpClient,
		Timeout:    opts.probeTimeout,
		Logger:     opts.logger,
	})
	client.picker = picker.New(picker.Config{
		Registry: registry,
		Prober:   client.prober,
		Logger:   opts.logger,
	})
	client.reconciler = history.NewReconciler(history.Config{
		HTTPClient:     opts.httpClient,
		PrimaryNode:    opts.primaryOutputNode,
		SecondaryNodes: opts.secondaryOutputNodes,
		Logger:         opts.logger,
	})
	client.session = session.New(session.Config{
		IdleTimeout:    opts.idleLockTimeout,
		OnForceRelease: func() { client.stream.Disconnect() },
		Logger:         opts.logger,
	})
	client.tracker = job.NewTracker(ctx, job.TrackerConfig{
		Fetcher:    client.reconciler,
		OnTerminal: client.handleTerminal,
		Logger:     opts.logger,
	})
	client.stream = stream.NewClient(stream.Config{
		ClientID:        client.session.ClientID(),
		Dispatcher:      trackerDispatcher{client.tracker},
		JobsOutstanding: func() bool { return client.tracker.Len() > 0 },
		Logger:          opts.logger,
	})
	if opts.healthRefreshInterval > 0 {
		client.refresher = health.NewRefresher(ctx, client.prober, registry, opts.healthRefreshInterval)
	}
	go client.run()
	return client, nil
}

// Enqueue adds a workflow to the admission queue and returns a
// controller for the resulting job. The workflow is submitted when a
// concurrency slot frees up, in priority order.
func (c *Client) Enqueue(workflow json.RawMessage, options EnqueueOptions) (*JobController, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	if len(workflow) == 0 {
		return nil, errors.New("workflow must not be empty")
	}
	newEntry := &entry{
		id:         uuid.NewString(),
		spec:       workflow,
		priority:   options.Priority,
		onProgress: options.OnProgress,
		onComplete: options.OnComplete,
		onError:    options.OnError,
		enqueuedAt: c.clock.Now(),
		finished:   make(chan struct{}),
	}
	if !c.do(func() {
		c.waiting = append(c.waiting, newEntry)
		c.dispatchReady()
	}) {
		return nil, ErrClosed
	}
	return &JobController{client: c, id: newEntry.id, finished: newEntry.finished}, nil
}

// Status returns the snapshot of any job the client still knows about:
// waiting, executing, or retained in the completed/failed history.
func (c *Client) Status(jobID string) (JobStatus, bool) {
	var (
		status JobStatus
		found  bool
	)
	c.do(func() {
		status, found = c.lookupStatus(jobID)
	})
	return status, found
}

// RecentCompleted returns the retained snapshots of completed jobs,
// oldest first.
func (c *Client) RecentCompleted() []JobStatus {
	var out []JobStatus
	c.do(func() { out = c.completed.list() })
	return out
}

// RecentFailed returns the retained snapshots of failed and cancelled
// jobs, oldest first.
func (c *Client) RecentFailed() []JobStatus {
	var out []JobStatus
	c.do(func() { out = c.failed.list() })
	return out
}

// Backlog returns how many jobs are waiting for a concurrency slot.
func (c *Client) Backlog() int {
	var n int
	c.do(func() { n = len(c.waiting) })
	return n
}

// Close shuts the client down. In-flight jobs are abandoned; backend
// replicas may keep executing them.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.cancel()
	<-c.doneSignal
	if c.refresher != nil {
		_ = c.refresher.Close()
	}
	return c.stream.Close()
}

// A JobController is the caller's handle on one enqueued job.
type JobController struct {
	client   *Client
	id       string
	finished chan struct{}
}

// ID returns the job's stable identifier, unchanged across retries.
func (jc *JobController) ID() string {
	return jc.id
}

// Status returns the job's current snapshot.
func (jc *JobController) Status() (JobStatus, bool) {
	return jc.client.Status(jc.id)
}

// Done returns a channel closed when the job reaches a final outcome:
// completed, failed for good, or cancelled.
func (jc *JobController) Done() <-chan struct{} {
	return jc.finished
}

// Cancel withdraws the job. It returns true only if the job was still
// waiting and was dequeued before ever reaching a replica. A job that
// is already executing cannot be stopped server-side; Cancel then
// stops local tracking, reports ErrCancelled, and returns false. The
// backend job is orphaned and runs to completion on the replica.
func (jc *JobController) Cancel() bool {
	return jc.client.cancelJob(jc.id)
}

// trackerDispatcher adapts the tracker to the stream's event sink. The
// only impedance mismatch is the queue-depth broadcast, which is not
// addressed to a job.
type trackerDispatcher struct {
	*job.Tracker
}

func (d trackerDispatcher) HandleQueueStatus(remaining int) {
	d.BroadcastQueueStatus(remaining)
}

type submitRequest struct {
	ClientID string          `json:"client_id"`
	Prompt   json.RawMessage `json:"prompt"`
	PromptID string          `json:"prompt_id"`
}

type submitResponse struct {
	PromptID   string                     `json:"prompt_id"`
	NodeErrors map[string]json.RawMessage `json:"node_errors"`
}

const maxSubmitResponseBody = 1 << 20

// submit posts the workflow to the job's replica under the job's id,
// so stream events and history records correlate without a server-side
// id mapping.
func (c *Client) submit(ctx context.Context, rep *replica.Replica, j *job.Job) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.submitTimeout)
	defer cancel()

	payload, err := json.Marshal(submitRequest{
		ClientID: j.SessionID(),
		Prompt:   j.Spec(),
		PromptID: j.ID(),
	})
	if err != nil {
		return fmt.Errorf("encode job submission: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rep.URL()+"/prompt", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.opts.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("submit job to %s: %w", rep.URL(), err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSubmitResponseBody))
	if err != nil {
		return fmt.Errorf("read submit response from %s: %w", rep.URL(), err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("submit job to %s: status %d: %s", rep.URL(), resp.StatusCode, bytes.TrimSpace(body))
	}
	var parsed submitResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return fmt.Errorf("decode submit response from %s: %w", rep.URL(), err)
	}
	if len(parsed.NodeErrors) > 0 {
		return fmt.Errorf("replica %s rejected %d workflow node(s)", rep.URL(), len(parsed.NodeErrors))
	}
	if parsed.PromptID != j.ID() {
		return fmt.Errorf("replica %s acknowledged job %q, expected %q", rep.URL(), parsed.PromptID, j.ID())
	}
	return nil
}
