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

package job

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fooldychi/comfylb/history"
	"github.com/fooldychi/comfylb/internal"
	"github.com/fooldychi/comfylb/replica"
	"go.uber.org/zap"
)

const (
	defaultReconcileAttempts = 3
	defaultReconcileDelay    = 2 * time.Second
)

// ResultFetcher confirms completion out of band. Implemented by
// history.Reconciler.
type ResultFetcher interface {
	FetchResult(ctx context.Context, jobID string, rep *replica.Replica) (*history.Result, error)
}

// TrackerConfig configures a Tracker.
type TrackerConfig struct {
	// Fetcher resolves the real result payload when the stream signals
	// completion. Required.
	Fetcher ResultFetcher
	// OnTerminal, if set, is called after a job reaches a terminal
	// state and has been removed from the active set, after the job's
	// own callback ran. The scheduler frees its concurrency slot and
	// decides retries here.
	OnTerminal func(*Job)
	// ReconcileAttempts is how many fetch attempts the completion path
	// makes before declaring the job failed. Defaults to 3.
	ReconcileAttempts int
	// ReconcileDelay is the pause between completion-path fetch
	// attempts. Defaults to 2 seconds.
	ReconcileDelay time.Duration
	// Logger receives tracking diagnostics. Defaults to a no-op
	// logger.
	Logger *zap.Logger
}

// A Tracker owns the active job set and applies demultiplexed stream
// events to it. Events carrying a job id with no matching active job
// are dropped silently: the shared stream echoes other sessions' work
// in steady operation and that is not an anomaly.
type Tracker struct {
	ctx               context.Context //nolint:containedctx // root context for reconcile goroutines
	fetcher           ResultFetcher
	onTerminal        func(*Job)
	reconcileAttempts int
	reconcileDelay    time.Duration
	logger            *zap.Logger
	clock             internal.Clock

	mu sync.Mutex
	// +checklocks:mu
	jobs map[string]*Job
}

// NewTracker creates a Tracker. The context bounds the background
// reconcile fetches spawned by completion signals.
func NewTracker(ctx context.Context, config TrackerConfig) *Tracker {
	tracker := &Tracker{
		ctx:               ctx,
		fetcher:           config.Fetcher,
		onTerminal:        config.OnTerminal,
		reconcileAttempts: config.ReconcileAttempts,
		reconcileDelay:    config.ReconcileDelay,
		logger:            config.Logger,
		clock:             internal.NewRealClock(),
		jobs:              make(map[string]*Job),
	}
	if tracker.reconcileAttempts == 0 {
		tracker.reconcileAttempts = defaultReconcileAttempts
	}
	if tracker.reconcileDelay == 0 {
		tracker.reconcileDelay = defaultReconcileDelay
	}
	if tracker.logger == nil {
		tracker.logger = zap.NewNop()
	}
	return tracker
}

// Add registers a job for tracking. A job id may be routed to at most
// one active job at a time.
func (t *Tracker) Add(j *Job) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.jobs[j.ID()]; ok {
		return fmt.Errorf("job %s is already tracked", j.ID())
	}
	t.jobs[j.ID()] = j
	return nil
}

// Get returns the active job with the given id.
func (t *Tracker) Get(jobID string) (*Job, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	j, ok := t.jobs[jobID]
	return j, ok
}

// Active returns a snapshot of the active job set.
func (t *Tracker) Active() []*Job {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Job, 0, len(t.jobs))
	for _, j := range t.jobs {
		out = append(out, j)
	}
	return out
}

// Len returns the number of active jobs.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.jobs)
}

// HandleExecutionStart applies an execution-start event.
func (t *Tracker) HandleExecutionStart(jobID string) {
	j, ok := t.Get(jobID)
	if !ok {
		t.dropped("execution_start", jobID)
		return
	}
	if j.markExecuting(t.clock.Now()) {
		t.logger.Debug("job executing", zap.String("job_id", jobID))
	}
}

// HandleProgress applies a progress event. Progress for a job that is
// not currently executing is ignored.
func (t *Tracker) HandleProgress(jobID string, value, max int) {
	j, ok := t.Get(jobID)
	if !ok {
		t.dropped("progress", jobID)
		return
	}
	percent := 0.0
	if max > 0 {
		percent = float64(value) / float64(max) * 100
	}
	message := fmt.Sprintf("progress %d/%d", value, max)
	entry, ok := j.addProgress(message, percent, t.clock.Now(), StateExecuting)
	if !ok {
		return
	}
	if callback := j.Callbacks().OnProgress; callback != nil {
		callback(entry)
	}
}

// HandleStepCompleted accumulates a completed step. Informational only.
func (t *Tracker) HandleStepCompleted(jobID, step string) {
	j, ok := t.Get(jobID)
	if !ok {
		t.dropped("executed", jobID)
		return
	}
	j.addStep(step, t.clock.Now())
}

// HandleExecuting applies an executing event. A nil step is the
// authoritative completion signal; anything else is a regular
// in-progress update.
func (t *Tracker) HandleExecuting(jobID string, step *string) {
	j, ok := t.Get(jobID)
	if !ok {
		t.dropped("executing", jobID)
		return
	}
	if step != nil {
		j.touch(t.clock.Now())
		return
	}
	// Completion is not taken on the stream's word alone: the result
	// payload must be fetched from the job's replica first.
	go t.reconcileCompletion(j)
}

// HandleError applies a backend-reported error event.
func (t *Tracker) HandleError(jobID, message string) {
	j, ok := t.Get(jobID)
	if !ok {
		t.dropped("execution_error", jobID)
		return
	}
	t.Fail(j, fmt.Errorf("replica reported error: %s", message))
}

// HandleInterrupted applies an interruption event.
func (t *Tracker) HandleInterrupted(jobID string) {
	j, ok := t.Get(jobID)
	if !ok {
		t.dropped("execution_interrupted", jobID)
		return
	}
	t.finish(j, StateInterrupted, nil, fmt.Errorf("job %s interrupted on replica", jobID))
}

// BroadcastQueueStatus fans out a server-wide queue-depth update as a
// progress message to every waiting job of this session.
func (t *Tracker) BroadcastQueueStatus(remaining int) {
	now := t.clock.Now()
	message := fmt.Sprintf("%d jobs ahead in replica queue", remaining)
	for _, j := range t.Active() {
		entry, ok := j.addProgress(message, 0, now, StateWaiting)
		if !ok {
			continue
		}
		if callback := j.Callbacks().OnProgress; callback != nil {
			callback(entry)
		}
	}
}

// ForceComplete records an out-of-band reconciled result, bypassing the
// stream. Used by the stall detector when the completion frame was
// lost.
func (t *Tracker) ForceComplete(j *Job, result *history.Result) {
	t.finish(j, StateCompleted, result, nil)
}

// Fail moves a job to StateError.
func (t *Tracker) Fail(j *Job, err error) {
	t.finish(j, StateError, nil, err)
}

// reconcileCompletion fetches the real result after the stream's
// completion signal, retrying a few times to ride out history-write
// lag, and only then marks the job completed.
func (t *Tracker) reconcileCompletion(j *Job) {
	var lastErr error
	for attempt := 0; attempt < t.reconcileAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-t.ctx.Done():
				return
			case <-j.Done():
				return
			case <-t.clock.After(t.reconcileDelay):
			}
		}
		result, err := t.fetcher.FetchResult(t.ctx, j.ID(), j.Replica())
		if err == nil {
			t.finish(j, StateCompleted, result, nil)
			return
		}
		lastErr = err
		t.logger.Debug("completion reconcile attempt failed",
			zap.String("job_id", j.ID()),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
	t.Fail(j, fmt.Errorf("job %s signalled complete but result fetch failed: %w", j.ID(), lastErr))
}

// finish performs the terminal transition, removes the job from the
// active set, and runs callbacks. The transition happens at most once;
// late signals for an already-terminal job are ignored.
func (t *Tracker) finish(j *Job, state State, result *history.Result, err error) {
	if !j.finish(state, result, err) {
		return
	}
	t.mu.Lock()
	delete(t.jobs, j.ID())
	t.mu.Unlock()

	t.logger.Info("job finished",
		zap.String("job_id", j.ID()),
		zap.Stringer("state", state),
		zap.Error(err))

	callbacks := j.Callbacks()
	switch state {
	case StateCompleted:
		if callbacks.OnComplete != nil {
			callbacks.OnComplete(result)
		}
	case StateError, StateInterrupted:
		if callbacks.OnError != nil {
			callbacks.OnError(err)
		}
	case StateWaiting, StateExecuting:
		// finish is never called with a non-terminal state.
	}
	if t.onTerminal != nil {
		t.onTerminal(j)
	}
}

func (t *Tracker) dropped(eventType, jobID string) {
	t.logger.Debug("dropped event for unknown job",
		zap.String("type", eventType),
		zap.String("job_id", jobID))
}
