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

// Package comfylb submits long-running image-generation jobs to a pool
// of interchangeable backend replicas and reliably reports when each
// job finishes.
//
// The hard part of the problem is that a job's only progress channel
// is a single shared event stream that can silently die mid-job. The
// client therefore combines several cooperating mechanisms:
//
//   - replicas are probed for health and queue depth, and a session
//     binds to the least-loaded one ([replica], [health], [picker]);
//   - the binding is an affinity lock: once any job is in flight, the
//     replica never changes underneath it, because the job's results
//     exist only on the replica it was submitted to ([session]);
//   - the shared event stream is demultiplexed by job id and drives a
//     per-job state machine ([stream], [job]);
//   - completion is confirmed out of band against the job's replica,
//     both on the stream's completion signal and whenever a job goes
//     silent for too long ([history]);
//   - an admission-control queue bounds concurrency, orders waiting
//     jobs by priority, and retries failed attempts with linear
//     backoff.
//
// The usual entry point is [New] followed by [Client.Enqueue]:
//
//	registry, err := replica.New([]string{"http://gpu1:8188", "http://gpu2:8188"})
//	if err != nil { ... }
//	client, err := comfylb.New(registry, comfylb.WithMaxConcurrent(2))
//	if err != nil { ... }
//	defer client.Close()
//
//	controller, err := client.Enqueue(workflow, comfylb.EnqueueOptions{
//		Priority:   comfylb.PriorityHigh,
//		OnComplete: func(result *history.Result) { ... },
//		OnError:    func(err error) { ... },
//	})
//
// Cancellation is only guaranteed for jobs that have not started
// executing. A job already running on a replica cannot be cancelled
// server-side; cancelling it merely stops local tracking and may
// orphan the backend job.
package comfylb
