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

// Package session binds one logical client lifetime to one replica.
//
// The binding is the affinity lock: once any job is in flight, the
// replica must not change underneath it. Everything a job needs
// server-side state for lives on the replica it was submitted to, so
// the lock may only move when no job depends on its current value.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/fooldychi/comfylb/internal"
	"github.com/fooldychi/comfylb/replica"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const defaultIdleTimeout = 5 * time.Minute

// PickFunc selects a replica when the session is unbound.
type PickFunc func(ctx context.Context) (*replica.Replica, error)

// Config configures a Session.
type Config struct {
	// IdleTimeout is how long an idle binding (no jobs outstanding)
	// survives before the leak guard force-releases it. Defaults to
	// five minutes.
	IdleTimeout time.Duration
	// OnForceRelease, if set, is called after the leak guard clears an
	// idle binding, outside the session lock. The owner typically
	// closes the event stream here.
	OnForceRelease func()
	// Logger receives binding diagnostics. Defaults to a no-op logger.
	Logger *zap.Logger
}

// A Session is one logical client connection lifetime: one client id,
// one affinity lock, one event stream.
type Session struct {
	clientID       string
	idleTimeout    time.Duration
	onForceRelease func()
	logger         *zap.Logger
	clock          internal.Clock

	mu sync.Mutex
	// +checklocks:mu
	bound *replica.Replica
	// +checklocks:mu
	bindTime time.Time
	// +checklocks:mu
	activeJobs int
	// +checklocks:mu
	idleTimer internal.Timer
}

// New creates a Session with a fresh process-instance-unique client id.
func New(config Config) *Session {
	sess := &Session{
		clientID:       uuid.NewString(),
		idleTimeout:    config.IdleTimeout,
		onForceRelease: config.OnForceRelease,
		logger:         config.Logger,
		clock:          internal.NewRealClock(),
	}
	if sess.idleTimeout == 0 {
		sess.idleTimeout = defaultIdleTimeout
	}
	if sess.logger == nil {
		sess.logger = zap.NewNop()
	}
	return sess
}

// ClientID returns the session's unique client identifier, used to tag
// the event stream connection and job submissions.
func (s *Session) ClientID() string {
	return s.clientID
}

// Bound returns the currently bound replica, or nil.
func (s *Session) Bound() *replica.Replica {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bound
}

// BindTime returns when the current binding was established.
func (s *Session) BindTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bindTime
}

// ActiveJobs returns the number of non-terminal jobs holding the lock.
func (s *Session) ActiveJobs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeJobs
}

// EnsureBound returns the replica this session is locked to, binding
// one first if necessary, and atomically records the caller's job as
// holding the lock before returning. Taking the hold inside the same
// critical section as the binding decision is what stops a second
// concurrent attempt from re-picking in the window before the first
// attempt submits. Every successful call must be balanced by
// JobFinished, or by ReleaseForFailedBind when the attempt never
// reached the replica.
//
// An existing binding is returned unchanged whenever the stream
// connection is live or any job holds the lock; only a fully idle,
// disconnected session picks anew.
func (s *Session) EnsureBound(ctx context.Context, streamLive bool, pick PickFunc) (*replica.Replica, error) {
	s.mu.Lock()
	if s.bound != nil && (streamLive || s.activeJobs > 0) {
		bound := s.bound
		s.holdLocked()
		s.mu.Unlock()
		return bound, nil
	}
	s.mu.Unlock()

	// Pick outside the lock; it may refresh health over the network.
	picked, err := pick(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bound != nil && (streamLive || s.activeJobs > 0) {
		// Lost the race with another bind; the established binding
		// wins.
		s.holdLocked()
		return s.bound, nil
	}
	s.bound = picked
	s.bindTime = s.clock.Now()
	s.holdLocked()
	s.logger.Info("session bound to replica",
		zap.String("client_id", s.clientID),
		zap.String("replica", picked.URL()))
	return picked, nil
}

// +checklocks:s.mu
func (s *Session) holdLocked() {
	s.activeJobs++
	s.stopIdleTimerLocked()
}

// JobFinished records a job reaching a terminal state. When the last
// job finishes the idle leak-guard timer starts; the binding itself
// survives until MaybeRelease or the guard clears it.
func (s *Session) JobFinished() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeJobs > 0 {
		s.activeJobs--
	}
	if s.activeJobs == 0 {
		s.startIdleTimerLocked()
	}
}

// MaybeRelease clears the binding if no job is outstanding and the
// stream is no longer live. It reports whether the binding was cleared.
func (s *Session) MaybeRelease(streamLive bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bound == nil || s.activeJobs > 0 || streamLive {
		return false
	}
	s.releaseLocked("released idle session binding")
	return true
}

// ReleaseForFailedBind drops the caller's hold after an attempt that
// never reached the replica, and clears the binding when no other
// attempt still holds it. The binding survives if other jobs depend on
// it.
func (s *Session) ReleaseForFailedBind() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeJobs > 0 {
		s.activeJobs--
	}
	if s.bound == nil || s.activeJobs > 0 {
		return
	}
	s.releaseLocked("released binding after failed initial connect")
}

// +checklocks:s.mu
func (s *Session) releaseLocked(reason string) {
	s.logger.Info(reason,
		zap.String("client_id", s.clientID),
		zap.String("replica", s.bound.URL()))
	s.bound = nil
	s.bindTime = time.Time{}
	s.stopIdleTimerLocked()
}

// +checklocks:s.mu
func (s *Session) startIdleTimerLocked() {
	s.stopIdleTimerLocked()
	s.idleTimer = s.clock.AfterFunc(s.idleTimeout, s.forceRelease)
}

// +checklocks:s.mu
func (s *Session) stopIdleTimerLocked() {
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
}

func (s *Session) forceRelease() {
	s.mu.Lock()
	if s.bound == nil || s.activeJobs > 0 {
		s.mu.Unlock()
		return
	}
	s.releaseLocked("force-released idle session binding")
	callback := s.onForceRelease
	s.mu.Unlock()
	if callback != nil {
		callback()
	}
}
