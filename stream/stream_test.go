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

package stream_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fooldychi/comfylb/replica"
	"github.com/fooldychi/comfylb/stream"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingDispatcher funnels every dispatched event into one channel.
type recordingDispatcher struct {
	events chan dispatchedEvent
}

type dispatchedEvent struct {
	kind    string
	jobID   string
	step    *string
	value   int
	max     int
	message string
}

func newRecordingDispatcher() *recordingDispatcher {
	return &recordingDispatcher{events: make(chan dispatchedEvent, 64)}
}

func (d *recordingDispatcher) HandleQueueStatus(remaining int) {
	d.events <- dispatchedEvent{kind: "status", value: remaining}
}

func (d *recordingDispatcher) HandleExecutionStart(jobID string) {
	d.events <- dispatchedEvent{kind: "execution_start", jobID: jobID}
}

func (d *recordingDispatcher) HandleProgress(jobID string, value, max int) {
	d.events <- dispatchedEvent{kind: "progress", jobID: jobID, value: value, max: max}
}

func (d *recordingDispatcher) HandleStepCompleted(jobID, step string) {
	d.events <- dispatchedEvent{kind: "executed", jobID: jobID, step: &step}
}

func (d *recordingDispatcher) HandleExecuting(jobID string, step *string) {
	d.events <- dispatchedEvent{kind: "executing", jobID: jobID, step: step}
}

func (d *recordingDispatcher) HandleError(jobID, message string) {
	d.events <- dispatchedEvent{kind: "execution_error", jobID: jobID, message: message}
}

func (d *recordingDispatcher) HandleInterrupted(jobID string) {
	d.events <- dispatchedEvent{kind: "execution_interrupted", jobID: jobID}
}

func (d *recordingDispatcher) next(t *testing.T) dispatchedEvent {
	t.Helper()
	select {
	case event := <-d.events:
		return event
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for dispatched event")
		return dispatchedEvent{}
	}
}

// wsBackend upgrades incoming connections and hands them to the test.
type wsBackend struct {
	server   *httptest.Server
	conns    chan *websocket.Conn
	upgrades atomic.Int32
	clientID atomic.Value
}

func newWSBackend(t *testing.T) *wsBackend {
	t.Helper()
	backend := &wsBackend{conns: make(chan *websocket.Conn, 8)}
	upgrader := websocket.Upgrader{}
	backend.server = httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, req *http.Request) {
		if req.URL.Path != "/ws" {
			http.NotFound(writer, req)
			return
		}
		backend.clientID.Store(req.URL.Query().Get("clientId"))
		conn, err := upgrader.Upgrade(writer, req, nil)
		if err != nil {
			return
		}
		backend.upgrades.Add(1)
		backend.conns <- conn
	}))
	t.Cleanup(backend.server.Close)
	return backend
}

func (b *wsBackend) replica(t *testing.T) *replica.Replica {
	t.Helper()
	registry, err := replica.New([]string{b.server.URL})
	require.NoError(t, err)
	return registry.First()
}

func (b *wsBackend) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-b.conns:
		return conn
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for websocket connection")
		return nil
	}
}

func newTestClient(dispatcher stream.Dispatcher, jobsOutstanding func() bool) *stream.Client {
	return stream.NewClient(stream.Config{
		ClientID:        "client-1",
		Dispatcher:      dispatcher,
		JobsOutstanding: jobsOutstanding,
	})
}

func TestConnectAndDispatch(t *testing.T) {
	t.Parallel()

	backend := newWSBackend(t)
	dispatcher := newRecordingDispatcher()
	client := newTestClient(dispatcher, func() bool { return false })
	t.Cleanup(func() { _ = client.Close() })

	require.NoError(t, client.Connect(context.Background(), backend.replica(t)))
	assert.True(t, client.Live())
	assert.Equal(t, "client-1", backend.clientID.Load())

	server := backend.accept(t)
	write := func(payload string) {
		require.NoError(t, server.WriteMessage(websocket.TextMessage, []byte(payload)))
	}

	write(`{"type": "status", "data": {"status": {"exec_info": {"queue_remaining": 3}}}}`)
	event := dispatcher.next(t)
	assert.Equal(t, "status", event.kind)
	assert.Equal(t, 3, event.value)

	write(`{"type": "execution_start", "data": {"prompt_id": "j1"}}`)
	event = dispatcher.next(t)
	assert.Equal(t, "execution_start", event.kind)
	assert.Equal(t, "j1", event.jobID)

	write(`{"type": "progress", "data": {"prompt_id": "j1", "value": 4, "max": 20}}`)
	event = dispatcher.next(t)
	assert.Equal(t, "progress", event.kind)
	assert.Equal(t, 4, event.value)
	assert.Equal(t, 20, event.max)

	write(`{"type": "executed", "data": {"prompt_id": "j1", "node": "7"}}`)
	event = dispatcher.next(t)
	assert.Equal(t, "executed", event.kind)
	require.NotNil(t, event.step)
	assert.Equal(t, "7", *event.step)

	write(`{"type": "executing", "data": {"prompt_id": "j1", "node": "8"}}`)
	event = dispatcher.next(t)
	assert.Equal(t, "executing", event.kind)
	require.NotNil(t, event.step)

	write(`{"type": "executing", "data": {"prompt_id": "j1", "node": null}}`)
	event = dispatcher.next(t)
	assert.Equal(t, "executing", event.kind)
	assert.Nil(t, event.step, "null node is the completion signal")

	write(`{"type": "execution_error", "data": {"prompt_id": "j1", "exception_message": "boom"}}`)
	event = dispatcher.next(t)
	assert.Equal(t, "execution_error", event.kind)
	assert.Equal(t, "boom", event.message)

	write(`{"type": "execution_interrupted", "data": {"prompt_id": "j1"}}`)
	event = dispatcher.next(t)
	assert.Equal(t, "execution_interrupted", event.kind)
}

func TestNoiseFramesAreDropped(t *testing.T) {
	t.Parallel()

	backend := newWSBackend(t)
	dispatcher := newRecordingDispatcher()
	client := newTestClient(dispatcher, func() bool { return false })
	t.Cleanup(func() { _ = client.Close() })

	require.NoError(t, client.Connect(context.Background(), backend.replica(t)))
	server := backend.accept(t)

	// Binary preview blob, unknown type, malformed JSON, and an
	// execution frame with no prompt id: all dropped silently.
	require.NoError(t, server.WriteMessage(websocket.BinaryMessage, []byte{0xde, 0xad, 0xbe, 0xef}))
	require.NoError(t, server.WriteMessage(websocket.TextMessage, []byte(`{"type": "crystools.monitor", "data": {}}`)))
	require.NoError(t, server.WriteMessage(websocket.TextMessage, []byte(`not json`)))
	require.NoError(t, server.WriteMessage(websocket.TextMessage, []byte(`{"type": "progress", "data": {"value": 1, "max": 2}}`)))

	// A valid frame after the noise proves the pump survived it.
	require.NoError(t, server.WriteMessage(websocket.TextMessage, []byte(`{"type": "execution_start", "data": {"prompt_id": "j9"}}`)))
	event := dispatcher.next(t)
	assert.Equal(t, "execution_start", event.kind)
	assert.Equal(t, "j9", event.jobID)
	assert.Empty(t, dispatcher.events)
}

func TestConnectIdempotentForSameReplica(t *testing.T) {
	t.Parallel()

	backend := newWSBackend(t)
	client := newTestClient(newRecordingDispatcher(), func() bool { return false })
	t.Cleanup(func() { _ = client.Close() })

	rep := backend.replica(t)
	require.NoError(t, client.Connect(context.Background(), rep))
	require.NoError(t, client.Connect(context.Background(), rep))
	require.NoError(t, client.Connect(context.Background(), rep))
	backend.accept(t)

	assert.EqualValues(t, 1, backend.upgrades.Load())
}

func TestReconnectWhileJobsOutstanding(t *testing.T) {
	t.Parallel()

	backend := newWSBackend(t)
	dispatcher := newRecordingDispatcher()
	client := newTestClient(dispatcher, func() bool { return true })
	t.Cleanup(func() { _ = client.Close() })

	require.NoError(t, client.Connect(context.Background(), backend.replica(t)))
	first := backend.accept(t)

	// Kill the connection server-side; the client must redial.
	require.NoError(t, first.Close())
	second := backend.accept(t)
	require.Eventually(t, client.Live, 5*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, backend.upgrades.Load(), int32(2))

	// The reconnected stream still dispatches.
	require.NoError(t, second.WriteMessage(websocket.TextMessage, []byte(`{"type": "execution_start", "data": {"prompt_id": "j1"}}`)))
	event := dispatcher.next(t)
	assert.Equal(t, "execution_start", event.kind)
}

func TestNoReconnectWhenIdle(t *testing.T) {
	t.Parallel()

	backend := newWSBackend(t)
	client := newTestClient(newRecordingDispatcher(), func() bool { return false })
	t.Cleanup(func() { _ = client.Close() })

	require.NoError(t, client.Connect(context.Background(), backend.replica(t)))
	server := backend.accept(t)

	require.NoError(t, server.Close())
	require.Eventually(t, func() bool { return !client.Live() }, 5*time.Second, 10*time.Millisecond)

	// Give a would-be reconnect time to happen; it must not.
	time.Sleep(100 * time.Millisecond)
	assert.EqualValues(t, 1, backend.upgrades.Load())
}

func TestDisconnectAllowsReconnect(t *testing.T) {
	t.Parallel()

	backend := newWSBackend(t)
	client := newTestClient(newRecordingDispatcher(), func() bool { return true })
	t.Cleanup(func() { _ = client.Close() })

	require.NoError(t, client.Connect(context.Background(), backend.replica(t)))
	backend.accept(t)
	client.Disconnect()

	require.Eventually(t, func() bool { return !client.Live() }, 5*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.EqualValues(t, 1, backend.upgrades.Load(), "a deliberate disconnect must not redial")

	// Unlike Close, a disconnect is recoverable.
	require.NoError(t, client.Connect(context.Background(), backend.replica(t)))
	backend.accept(t)
	assert.True(t, client.Live())
}

func TestCloseStopsEverything(t *testing.T) {
	t.Parallel()

	backend := newWSBackend(t)
	client := newTestClient(newRecordingDispatcher(), func() bool { return true })

	require.NoError(t, client.Connect(context.Background(), backend.replica(t)))
	backend.accept(t)
	require.NoError(t, client.Close())

	require.Eventually(t, func() bool { return !client.Live() }, 5*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.EqualValues(t, 1, backend.upgrades.Load(), "closed client must not redial")

	err := client.Connect(context.Background(), backend.replica(t))
	assert.Error(t, err)
}

func TestWebsocketURL(t *testing.T) {
	t.Parallel()

	registry, err := replica.New([]string{"http://r1:8188", "https://r2"})
	require.NoError(t, err)
	list := registry.List()
	assert.Equal(t, "ws://r1:8188/ws?clientId=abc", stream.WebsocketURL(list[0], "abc"))
	assert.Equal(t, "wss://r2/ws?clientId=a+b", stream.WebsocketURL(list[1], "a b"))
}

func TestDecideReconnect(t *testing.T) {
	t.Parallel()

	now := time.Now()
	attempt := stream.Attempt{At: now}

	decision := stream.DecideReconnect([]stream.Attempt{attempt}, false)
	assert.False(t, decision.Retry, "idle sessions reconnect lazily")

	decision = stream.DecideReconnect([]stream.Attempt{attempt}, true)
	assert.True(t, decision.Retry)
	assert.Zero(t, decision.Delay, "first retry is immediate")

	decision = stream.DecideReconnect([]stream.Attempt{attempt, attempt, attempt}, true)
	assert.True(t, decision.Retry)
	assert.Equal(t, 4*time.Second, decision.Delay, "linear backoff")

	many := make([]stream.Attempt, 40)
	decision = stream.DecideReconnect(many, true)
	assert.True(t, decision.Retry)
	assert.Equal(t, 30*time.Second, decision.Delay, "backoff is capped")
}
