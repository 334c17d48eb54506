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

package stream

import "time"

const (
	// reconnectBackoffBase is multiplied by the consecutive-failure
	// count to produce a linear backoff.
	reconnectBackoffBase = 2 * time.Second
	// reconnectBackoffMax caps the backoff delay.
	reconnectBackoffMax = 30 * time.Second
)

// Attempt records one failed connection attempt.
type Attempt struct {
	At  time.Time
	Err error
}

// ReconnectDecision is the outcome of the reconnect policy.
type ReconnectDecision struct {
	Retry bool
	Delay time.Duration
}

// DecideReconnect is the pure reconnect policy: given the consecutive
// failed attempts since the last successful connection, and whether
// any job still depends on the stream, decide whether and when to
// redial.
//
// With no jobs outstanding there is nothing to miss; the next
// submission reconnects lazily. With jobs outstanding the stream is
// their only progress channel, so it retries indefinitely: the first
// retry is immediate, then linear backoff up to a cap. The stall
// detector recovers any completion lost in the gap, so there is no
// give-up point here.
func DecideReconnect(history []Attempt, jobsOutstanding bool) ReconnectDecision {
	if !jobsOutstanding {
		return ReconnectDecision{}
	}
	failures := len(history)
	if failures <= 1 {
		return ReconnectDecision{Retry: true}
	}
	delay := time.Duration(failures-1) * reconnectBackoffBase
	if delay > reconnectBackoffMax {
		delay = reconnectBackoffMax
	}
	return ReconnectDecision{Retry: true, Delay: delay}
}
