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

// snapshotRing is a bounded FIFO of job snapshots. Once full, each
// append evicts the oldest entry. It is not safe for concurrent use;
// the scheduler goroutine owns it.
type snapshotRing struct {
	entries []JobStatus
	start   int
	count   int
}

func newSnapshotRing(capacity int) *snapshotRing {
	return &snapshotRing{entries: make([]JobStatus, capacity)}
}

func (r *snapshotRing) push(status JobStatus) {
	if len(r.entries) == 0 {
		return
	}
	end := (r.start + r.count) % len(r.entries)
	r.entries[end] = status
	if r.count < len(r.entries) {
		r.count++
	} else {
		r.start = (r.start + 1) % len(r.entries)
	}
}

// list returns the retained snapshots, oldest first.
func (r *snapshotRing) list() []JobStatus {
	out := make([]JobStatus, 0, r.count)
	for i := 0; i < r.count; i++ {
		out = append(out, r.entries[(r.start+i)%len(r.entries)])
	}
	return out
}
