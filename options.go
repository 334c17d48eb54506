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
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// ClientOption is an option used to customize the behavior of a
// Client.
type ClientOption interface {
	apply(*clientOptions)
}

// WithRootContext configures the root context used for the client's
// background goroutines. If not specified, [context.Background] is
// used. It should only be cancelled once the client is no longer in
// use.
func WithRootContext(ctx context.Context) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.rootCtx = ctx
	})
}

// WithLogger configures structured logging. If not specified, logging
// is disabled.
func WithLogger(logger *zap.Logger) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.logger = logger
	})
}

// WithHTTPClient configures the HTTP client used for probes, job
// submission, and history fetches. Timeouts are applied per call
// regardless.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.httpClient = httpClient
	})
}

// WithMaxConcurrent bounds how many jobs may execute at once. The
// default is 2.
func WithMaxConcurrent(limit int) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.maxConcurrent = limit
	})
}

// WithMaxAttempts bounds how many attempts a job gets before its
// failure is surfaced to the caller. The default is 3.
func WithMaxAttempts(limit int) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.maxAttempts = limit
	})
}

// WithRetryBackoff configures the base retry delay. A failed job is
// re-enqueued after base times the number of attempts so far (linear
// backoff). The default base is 2 seconds.
func WithRetryBackoff(base time.Duration) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.retryBackoff = base
	})
}

// WithSchedulerTick configures the scheduler's dispatch interval. The
// default is 500 milliseconds.
func WithSchedulerTick(tick time.Duration) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.schedulerTick = tick
	})
}

// WithStallCheckInterval configures how often executing jobs are
// scanned for stalls. The default is 10 seconds.
func WithStallCheckInterval(interval time.Duration) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.stallCheckInterval = interval
	})
}

// WithProgressTimeout configures how long a job may go without any
// progress before the stall detector reconciles it out of band. The
// default is 90 seconds.
func WithProgressTimeout(timeout time.Duration) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.progressTimeout = timeout
	})
}

// WithSubmitTimeout bounds each job submission request. The default is
// 10 seconds.
func WithSubmitTimeout(timeout time.Duration) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.submitTimeout = timeout
	})
}

// WithProbeTimeout bounds each replica health probe. The default is 5
// seconds.
func WithProbeTimeout(timeout time.Duration) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.probeTimeout = timeout
	})
}

// WithHealthRefreshInterval enables a background health refresher on
// the given interval. Without this option health data is refreshed
// only when a selection finds it stale.
func WithHealthRefreshInterval(interval time.Duration) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.healthRefreshInterval = interval
	})
}

// WithIdleLockTimeout configures the leak guard that force-releases a
// replica binding that has sat idle with no jobs. The default is 5
// minutes.
func WithIdleLockTimeout(timeout time.Duration) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.idleLockTimeout = timeout
	})
}

// WithPrimaryOutputNode configures the output slot consulted first
// when resolving a completed job's artifacts.
func WithPrimaryOutputNode(node string) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.primaryOutputNode = node
	})
}

// WithSecondaryOutputNodes configures fallback output slots consulted
// in order when the primary slot holds no artifacts.
func WithSecondaryOutputNodes(nodes ...string) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.secondaryOutputNodes = append(opts.secondaryOutputNodes, nodes...)
	})
}

// WithHistoryCapacity bounds how many completed and failed job
// snapshots are retained for introspection. The default is 32 each.
func WithHistoryCapacity(capacity int) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.historyCapacity = capacity
	})
}

type clientOptionFunc func(*clientOptions)

func (f clientOptionFunc) apply(opts *clientOptions) {
	f(opts)
}

type clientOptions struct {
	rootCtx               context.Context //nolint:containedctx
	logger                *zap.Logger
	httpClient            *http.Client
	maxConcurrent         int
	maxAttempts           int
	retryBackoff          time.Duration
	schedulerTick         time.Duration
	stallCheckInterval    time.Duration
	progressTimeout       time.Duration
	submitTimeout         time.Duration
	probeTimeout          time.Duration
	healthRefreshInterval time.Duration
	idleLockTimeout       time.Duration
	primaryOutputNode     string
	secondaryOutputNodes  []string
	historyCapacity       int
}

func (opts *clientOptions) applyDefaults() {
	if opts.rootCtx == nil {
		opts.rootCtx = context.Background()
	}
	if opts.logger == nil {
		opts.logger = zap.NewNop()
	}
	if opts.httpClient == nil {
		opts.httpClient = &http.Client{}
	}
	if opts.maxConcurrent == 0 {
		opts.maxConcurrent = 2
	}
	if opts.maxAttempts == 0 {
		opts.maxAttempts = 3
	}
	if opts.retryBackoff == 0 {
		opts.retryBackoff = 2 * time.Second
	}
	if opts.schedulerTick == 0 {
		opts.schedulerTick = 500 * time.Millisecond
	}
	if opts.stallCheckInterval == 0 {
		opts.stallCheckInterval = 10 * time.Second
	}
	if opts.progressTimeout == 0 {
		opts.progressTimeout = 90 * time.Second
	}
	if opts.submitTimeout == 0 {
		opts.submitTimeout = 10 * time.Second
	}
	if opts.historyCapacity == 0 {
		opts.historyCapacity = 32
	}
}
