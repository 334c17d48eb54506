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

package health

import (
	"context"
	"time"

	"github.com/fooldychi/comfylb/replica"
)

const defaultRefreshInterval = 30 * time.Second

// A Refresher runs RefreshAll on a fixed interval until closed. One
// refresh happens immediately on start so the registry has data before
// the first selection.
type Refresher struct {
	cancel     context.CancelFunc
	doneSignal chan struct{}
}

// NewRefresher starts a background refresher for the given registry.
// An interval of zero means the 30-second default.
func NewRefresher(ctx context.Context, prober *Prober, registry *replica.Registry, interval time.Duration) *Refresher {
	if interval == 0 {
		interval = defaultRefreshInterval
	}
	ctx, cancel := context.WithCancel(ctx)
	refresher := &Refresher{
		cancel:     cancel,
		doneSignal: make(chan struct{}),
	}

	go func() {
		defer close(refresher.doneSignal)
		defer cancel()

		ticker := prober.clock.NewTicker(interval)
		defer ticker.Stop()
		for {
			prober.RefreshAll(ctx, registry)

			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
			}
		}
	}()
	return refresher
}

// Close stops the refresher and waits for the background goroutine to
// exit.
func (r *Refresher) Close() error {
	r.cancel()
	<-r.doneSignal
	return nil
}
