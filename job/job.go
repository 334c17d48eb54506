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

// Package job tracks one submitted unit of work end to end.
//
// A Job is created when enqueued and destroyed when it reaches a
// terminal state. Retrying a failed job creates a new Job record with
// an incremented attempt count; a terminal Job is never resurrected in
// place. The replica a Job carries is copied from the session binding
// at submission time and never changes afterward: every follow-up call
// for the job targets that copy.
package job

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/fooldychi/comfylb/history"
	"github.com/fooldychi/comfylb/replica"
)

// State is a Job's position in its lifecycle.
type State int

const (
	StateWaiting     = State(0)
	StateExecuting   = State(1)
	StateCompleted   = State(2)
	StateError       = State(3)
	StateInterrupted = State(4)
)

func (s State) String() string {
	switch s {
	case StateWaiting:
		return "waiting"
	case StateExecuting:
		return "executing"
	case StateCompleted:
		return "completed"
	case StateError:
		return "error"
	case StateInterrupted:
		return "interrupted"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateError || s == StateInterrupted
}

// Progress is one entry in a Job's progress history.
type Progress struct {
	Message   string
	Percent   float64
	Timestamp time.Time
}

// Callbacks are the caller's hooks for a Job. They are registered when
// the Job is created, atomically with enqueueing, so no completion can
// race ahead of registration. All fields are optional.
type Callbacks struct {
	OnProgress func(Progress)
	OnComplete func(*history.Result)
	OnError    func(error)
}

// Config describes a new Job.
type Config struct {
	ID        string
	SessionID string
	Replica   *replica.Replica
	Spec      json.RawMessage
	Attempts  int
	Callbacks Callbacks
	CreatedAt time.Time
}

// A Job is one tracked unit of work. Its state is mutated only by the
// Tracker (via stream events) or by reconciliation; reads are safe from
// any goroutine.
type Job struct {
	id        string
	sessionID string
	rep       *replica.Replica
	spec      json.RawMessage
	attempts  int
	createdAt time.Time
	callbacks Callbacks
	done      chan struct{}

	mu sync.Mutex
	// +checklocks:mu
	state State
	// +checklocks:mu
	progress []Progress
	// +checklocks:mu
	steps []string
	// +checklocks:mu
	lastProgressAt time.Time
	// +checklocks:mu
	err error
	// +checklocks:mu
	result *history.Result
}

// New creates a Job in StateWaiting.
func New(config Config) *Job {
	return &Job{
		id:             config.ID,
		sessionID:      config.SessionID,
		rep:            config.Replica,
		spec:           config.Spec,
		attempts:       config.Attempts,
		createdAt:      config.CreatedAt,
		callbacks:      config.Callbacks,
		done:           make(chan struct{}),
		lastProgressAt: config.CreatedAt,
	}
}

// ID returns the job's globally unique identifier.
func (j *Job) ID() string { return j.id }

// SessionID returns the client id of the session the job belongs to.
func (j *Job) SessionID() string { return j.sessionID }

// Replica returns the replica the job was submitted to. All network
// calls on behalf of this job must target it.
func (j *Job) Replica() *replica.Replica { return j.rep }

// Spec returns the opaque workflow payload.
func (j *Job) Spec() json.RawMessage { return j.spec }

// Attempts returns how many prior attempts preceded this Job record.
func (j *Job) Attempts() int { return j.attempts }

// CreatedAt returns when the job was enqueued.
func (j *Job) CreatedAt() time.Time { return j.createdAt }

// Callbacks returns the caller hooks registered at enqueue time.
func (j *Job) Callbacks() Callbacks { return j.callbacks }

// Done is closed when the job reaches a terminal state.
func (j *Job) Done() <-chan struct{} { return j.done }

// State returns the job's current state.
func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Err returns the terminal error, if any.
func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// Result returns the reconciled result after completion, else nil.
func (j *Job) Result() *history.Result {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.result
}

// LastProgressAt returns when the job last showed signs of life.
func (j *Job) LastProgressAt() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lastProgressAt
}

// Snapshot is a point-in-time copy of a Job's mutable state.
type Snapshot struct {
	ID             string
	SessionID      string
	Replica        string
	State          State
	Attempts       int
	Progress       []Progress
	Steps          []string
	CreatedAt      time.Time
	LastProgressAt time.Time
	Err            error
	Result         *history.Result
}

// Snapshot returns a copy of the job's current state for introspection.
func (j *Job) Snapshot() Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	snapshot := Snapshot{
		ID:             j.id,
		SessionID:      j.sessionID,
		State:          j.state,
		Attempts:       j.attempts,
		Progress:       make([]Progress, len(j.progress)),
		Steps:          make([]string, len(j.steps)),
		CreatedAt:      j.createdAt,
		LastProgressAt: j.lastProgressAt,
		Err:            j.err,
		Result:         j.result,
	}
	if j.rep != nil {
		snapshot.Replica = j.rep.URL()
	}
	copy(snapshot.Progress, j.progress)
	copy(snapshot.Steps, j.steps)
	return snapshot
}

// markExecuting transitions WAITING to EXECUTING. Any other transition
// request is ignored.
func (j *Job) markExecuting(now time.Time) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state != StateWaiting {
		return false
	}
	j.state = StateExecuting
	j.lastProgressAt = now
	return true
}

// addProgress appends a progress entry and returns it, or false if the
// job is not in an accepting state.
func (j *Job) addProgress(message string, percent float64, now time.Time, want State) (Progress, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state != want {
		return Progress{}, false
	}
	entry := Progress{Message: message, Percent: percent, Timestamp: now}
	j.progress = append(j.progress, entry)
	j.lastProgressAt = now
	return entry, true
}

// addStep accumulates a completed step identifier.
func (j *Job) addStep(step string, now time.Time) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state.Terminal() {
		return
	}
	j.steps = append(j.steps, step)
	j.lastProgressAt = now
}

// touch refreshes lastProgressAt without recording progress.
func (j *Job) touch(now time.Time) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state.Terminal() {
		return
	}
	j.lastProgressAt = now
}

// finish moves the job to a terminal state exactly once. It reports
// whether this call performed the transition.
func (j *Job) finish(state State, result *history.Result, err error) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state.Terminal() {
		return false
	}
	j.state = state
	j.result = result
	j.err = err
	close(j.done)
	return true
}
