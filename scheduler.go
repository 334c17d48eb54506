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
	"errors"
	"fmt"
	"time"

	"github.com/fooldychi/comfylb/history"
	"github.com/fooldychi/comfylb/job"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// An entry is one enqueued job as the scheduler sees it. Its public id
// stays fixed across retries; each attempt runs under a fresh job
// record with its own submission id.
type entry struct {
	id         string
	spec       []byte
	priority   Priority
	onProgress func(job.Progress)
	onComplete func(*history.Result)
	onError    func(error)
	enqueuedAt time.Time
	finished   chan struct{}

	// attempts counts consumed attempts. notBefore defers a retried
	// entry until its backoff elapses.
	attempts  int
	notBefore time.Time

	// job is the current attempt, nil while waiting. reconciling marks
	// an in-flight stall fetch so the detector fires once per stall.
	job         *job.Job
	reconciling bool
	cancelled   bool
}

// run is the scheduler goroutine. It alone mutates the queue state;
// every other goroutine reaches it through ops.
func (c *Client) run() {
	defer close(c.doneSignal)
	dispatchTicker := c.clock.NewTicker(c.opts.schedulerTick)
	defer dispatchTicker.Stop()
	stallTicker := c.clock.NewTicker(c.opts.stallCheckInterval)
	defer stallTicker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case op := <-c.ops:
			op()
		case <-dispatchTicker.Chan():
			c.dispatchReady()
		case <-stallTicker.Chan():
			c.checkStalls()
		}
	}
}

// enqueueOp hands an op to the scheduler goroutine. It reports false
// once the client is shutting down.
func (c *Client) enqueueOp(op func()) bool {
	select {
	case c.ops <- op:
		return true
	case <-c.ctx.Done():
		return false
	}
}

// do runs an op on the scheduler goroutine and waits for it.
func (c *Client) do(op func()) bool {
	done := make(chan struct{})
	if !c.enqueueOp(func() {
		op()
		close(done)
	}) {
		return false
	}
	select {
	case <-done:
		return true
	case <-c.ctx.Done():
		return false
	}
}

// dispatchReady fills free concurrency slots from the waiting queue.
// Highest priority first; within a priority, arrival order. Entries
// still inside their retry backoff are passed over.
func (c *Client) dispatchReady() {
	now := c.clock.Now()
	for len(c.executing) < c.opts.maxConcurrent {
		best := -1
		for i, e := range c.waiting {
			if e.notBefore.After(now) {
				continue
			}
			if best == -1 || e.priority > c.waiting[best].priority {
				best = i
			}
		}
		if best == -1 {
			return
		}
		next := c.waiting[best]
		c.waiting = append(c.waiting[:best], c.waiting[best+1:]...)
		c.executing[next.id] = next
		go c.runAttempt(next)
	}
}

// runAttempt binds a replica, connects the stream, registers the job,
// and submits it. It runs off the scheduler goroutine; any touch of
// queue state goes back through ops.
func (c *Client) runAttempt(e *entry) {
	// EnsureBound also takes this attempt's hold on the affinity lock;
	// every path out of here must give it back.
	rep, err := c.session.EnsureBound(c.ctx, c.stream.Live(), c.picker.Pick)
	if err != nil {
		c.attemptFailed(e, fmt.Errorf("bind replica: %w", err))
		return
	}
	if err := c.stream.Connect(c.ctx, rep); err != nil {
		c.session.ReleaseForFailedBind()
		c.attemptFailed(e, err)
		return
	}
	if got := c.stream.Replica(); got != rep {
		c.session.JobFinished()
		c.attemptFailed(e, fmt.Errorf("%w: stream on %v, session on %s", ErrReplicaMismatch, got, rep))
		return
	}

	attempt := job.New(job.Config{
		ID:        uuid.NewString(),
		SessionID: c.session.ClientID(),
		Replica:   rep,
		Spec:      e.spec,
		Attempts:  e.attempts + 1,
		Callbacks: job.Callbacks{
			OnProgress: e.onProgress,
			OnComplete: e.onComplete,
		},
		CreatedAt: c.clock.Now(),
	})
	if err := c.tracker.Add(attempt); err != nil {
		c.session.JobFinished()
		c.attemptFailed(e, err)
		return
	}
	// Route terminal events back to this entry before anything can
	// produce them.
	if !c.do(func() {
		e.job = attempt
		c.byJobID[attempt.ID()] = e
	}) {
		return
	}
	c.logger.Info("submitting job",
		zap.String("id", e.id),
		zap.String("submission_id", attempt.ID()),
		zap.String("replica", rep.URL()),
		zap.Int("attempt", e.attempts+1))
	if err := c.submit(c.ctx, rep, attempt); err != nil {
		c.tracker.Fail(attempt, err)
	}
}

// attemptFailed records a failure that happened before the attempt was
// registered with the tracker.
func (c *Client) attemptFailed(e *entry, cause error) {
	c.enqueueOp(func() {
		delete(c.executing, e.id)
		e.attempts++
		c.retryOrFinish(e, job.StateError, cause, nil)
	})
}

// handleTerminal is the tracker's terminal hook. It runs on a tracker
// goroutine after the job's own callbacks, so it defers to the
// scheduler.
func (c *Client) handleTerminal(j *job.Job) {
	c.enqueueOp(func() { c.finishAttempt(j) })
}

func (c *Client) finishAttempt(j *job.Job) {
	e, ok := c.byJobID[j.ID()]
	if !ok {
		return
	}
	delete(c.byJobID, j.ID())
	snapshot := j.Snapshot()
	e.job = nil
	e.reconciling = false
	delete(c.executing, e.id)
	c.session.JobFinished()
	c.session.MaybeRelease(c.stream.Live())

	if snapshot.State == job.StateCompleted {
		c.completed.push(c.statusFromSnapshot(e, snapshot))
		close(e.finished)
		c.dispatchReady()
		return
	}
	e.attempts++
	c.retryOrFinish(e, snapshot.State, snapshot.Err, &snapshot)
}

// retryOrFinish decides a failed attempt's fate: re-enqueue with
// backoff and a demoted priority, or give up and surface the error.
func (c *Client) retryOrFinish(e *entry, state job.State, cause error, snapshot *job.Snapshot) {
	if e.attempts < c.opts.maxAttempts && !errors.Is(cause, ErrCancelled) {
		if e.priority > PriorityLow {
			e.priority--
		}
		e.notBefore = c.clock.Now().Add(c.opts.retryBackoff * time.Duration(e.attempts))
		c.waiting = append(c.waiting, e)
		c.logger.Info("retrying job",
			zap.String("id", e.id),
			zap.Int("attempts", e.attempts),
			zap.Time("not_before", e.notBefore),
			zap.Error(cause))
		c.dispatchReady()
		return
	}

	status := JobStatus{
		ID:         e.id,
		State:      state,
		Priority:   e.priority,
		Attempts:   e.attempts,
		EnqueuedAt: e.enqueuedAt,
		Err:        cause,
	}
	if snapshot != nil {
		status.Replica = snapshot.Replica
		status.Progress = snapshot.Progress
		status.Steps = snapshot.Steps
	}
	c.failed.push(status)
	close(e.finished)
	c.logger.Warn("job failed",
		zap.String("id", e.id),
		zap.Int("attempts", e.attempts),
		zap.Error(cause))
	if e.onError != nil {
		go e.onError(cause)
	}
	c.dispatchReady()
}

// checkStalls reconciles executing jobs that have gone silent past the
// progress timeout. The stream may have dropped their completion; the
// history record on the job's replica is the ground truth.
func (c *Client) checkStalls() {
	for _, e := range c.executing {
		attempt := e.job
		if attempt == nil || e.reconciling || attempt.State().Terminal() {
			continue
		}
		if c.clock.Since(attempt.LastProgressAt()) < c.opts.progressTimeout {
			continue
		}
		e.reconciling = true
		c.logger.Warn("job silent past progress timeout, reconciling",
			zap.String("id", e.id),
			zap.String("submission_id", attempt.ID()),
			zap.Duration("timeout", c.opts.progressTimeout))
		go c.reconcileStalled(attempt)
	}
}

func (c *Client) reconcileStalled(attempt *job.Job) {
	result, err := c.reconciler.FetchResult(c.ctx, attempt.ID(), attempt.Replica())
	if err != nil {
		c.tracker.Fail(attempt, fmt.Errorf("no progress within %s: %w", c.opts.progressTimeout, err))
		return
	}
	c.tracker.ForceComplete(attempt, result)
}

// cancelJob implements JobController.Cancel.
func (c *Client) cancelJob(id string) bool {
	var dequeued bool
	c.do(func() {
		for i, e := range c.waiting {
			if e.id != id {
				continue
			}
			c.waiting = append(c.waiting[:i], c.waiting[i+1:]...)
			c.failed.push(JobStatus{
				ID:         e.id,
				State:      job.StateError,
				Priority:   e.priority,
				Attempts:   e.attempts,
				EnqueuedAt: e.enqueuedAt,
				Err:        ErrCancelled,
			})
			close(e.finished)
			if e.onError != nil {
				go e.onError(ErrCancelled)
			}
			dequeued = true
			return
		}
		if e, ok := c.executing[id]; ok && e.job != nil && !e.cancelled {
			e.cancelled = true
			// Fail goes through the tracker so the terminal path runs
			// exactly once; a goroutine because that path re-enters
			// the scheduler.
			go c.tracker.Fail(e.job, ErrCancelled)
		}
	})
	return dequeued
}

func (c *Client) lookupStatus(id string) (JobStatus, bool) {
	for _, e := range c.waiting {
		if e.id == id {
			return c.statusOf(e), true
		}
	}
	if e, ok := c.executing[id]; ok {
		return c.statusOf(e), true
	}
	for _, status := range c.completed.list() {
		if status.ID == id {
			return status, true
		}
	}
	for _, status := range c.failed.list() {
		if status.ID == id {
			return status, true
		}
	}
	return JobStatus{}, false
}

func (c *Client) statusOf(e *entry) JobStatus {
	if e.job != nil {
		return c.statusFromSnapshot(e, e.job.Snapshot())
	}
	return JobStatus{
		ID:         e.id,
		State:      job.StateWaiting,
		Priority:   e.priority,
		Attempts:   e.attempts,
		EnqueuedAt: e.enqueuedAt,
	}
}

func (c *Client) statusFromSnapshot(e *entry, snapshot job.Snapshot) JobStatus {
	return JobStatus{
		ID:         e.id,
		State:      snapshot.State,
		Priority:   e.priority,
		Attempts:   snapshot.Attempts,
		Replica:    snapshot.Replica,
		EnqueuedAt: e.enqueuedAt,
		Progress:   snapshot.Progress,
		Steps:      snapshot.Steps,
		Err:        snapshot.Err,
		Result:     snapshot.Result,
	}
}
