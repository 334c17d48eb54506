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

// Package stream owns the single event-stream connection a session
// holds to its bound replica.
//
// The stream is a websocket tagged with the session's client id. Text
// frames are JSON envelopes demultiplexed by job id to the dispatcher;
// binary frames are preview blobs and are dropped unread. The stream
// carries other sessions' events too, so frames for unknown jobs are
// expected noise, not anomalies.
//
// Reconnection never moves the affinity lock. Whether to redial after
// an unexpected close is a pure function of the attempt history and of
// whether jobs are outstanding; the connection machinery only executes
// that decision.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/fooldychi/comfylb/internal"
	"github.com/fooldychi/comfylb/replica"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const defaultConnectTimeout = 10 * time.Second

// Dispatcher receives demultiplexed stream events. Implementations
// must tolerate job ids they do not know.
type Dispatcher interface {
	// HandleQueueStatus delivers the server-wide queue-depth
	// broadcast. Not job-specific.
	HandleQueueStatus(remaining int)
	HandleExecutionStart(jobID string)
	HandleProgress(jobID string, value, max int)
	HandleStepCompleted(jobID, step string)
	// HandleExecuting delivers an executing frame. A nil step is the
	// authoritative completion signal for the job.
	HandleExecuting(jobID string, step *string)
	HandleError(jobID, message string)
	HandleInterrupted(jobID string)
}

// Config configures a stream Client.
type Config struct {
	// ClientID tags the connection so the replica can address this
	// session. Required.
	ClientID string
	// Dispatcher receives parsed events. Required.
	Dispatcher Dispatcher
	// JobsOutstanding reports whether any job currently depends on the
	// stream. It drives the reconnect decision. Required.
	JobsOutstanding func() bool
	// Dialer performs the websocket handshake. Defaults to a dialer
	// with a 10-second handshake timeout.
	Dialer *websocket.Dialer
	// ConnectTimeout bounds each connection attempt. Defaults to 10
	// seconds.
	ConnectTimeout time.Duration
	// Logger receives stream diagnostics. Defaults to a no-op logger.
	Logger *zap.Logger
}

// A Client maintains at most one live event-stream connection.
type Client struct {
	clientID        string
	dispatcher      Dispatcher
	jobsOutstanding func() bool
	dialer          *websocket.Dialer
	connectTimeout  time.Duration
	logger          *zap.Logger
	clock           internal.Clock

	mu sync.Mutex
	// +checklocks:mu
	conn *websocket.Conn
	// +checklocks:mu
	rep *replica.Replica
	// +checklocks:mu
	live bool
	// +checklocks:mu
	generation int
	// +checklocks:mu
	attempts []Attempt
	// +checklocks:mu
	closed bool
}

// NewClient creates a stream Client from the given config.
func NewClient(config Config) *Client {
	client := &Client{
		clientID:        config.ClientID,
		dispatcher:      config.Dispatcher,
		jobsOutstanding: config.JobsOutstanding,
		dialer:          config.Dialer,
		connectTimeout:  config.ConnectTimeout,
		logger:          config.Logger,
		clock:           internal.NewRealClock(),
	}
	if client.connectTimeout == 0 {
		client.connectTimeout = defaultConnectTimeout
	}
	if client.dialer == nil {
		client.dialer = &websocket.Dialer{HandshakeTimeout: client.connectTimeout}
	}
	if client.logger == nil {
		client.logger = zap.NewNop()
	}
	return client
}

// WebsocketURL derives the stream endpoint for a replica, tagged with
// the given client id.
func WebsocketURL(rep *replica.Replica, clientID string) string {
	base := rep.URL()
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/ws?clientId=" + url.QueryEscape(clientID)
}

// Connect ensures a live connection to the given replica. It is
// idempotent when already connected there. Connecting to a different
// replica closes the existing connection first; callers must not do
// that while any job depends on the current one; the session lock
// enforces that rule, not this method.
func (c *Client) Connect(ctx context.Context, rep *replica.Replica) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("stream client is closed")
	}
	if c.live && c.rep == rep {
		c.mu.Unlock()
		return nil
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
		c.live = false
	}
	c.generation++
	generation := c.generation
	c.mu.Unlock()

	conn, err := c.dial(ctx, rep)
	if err != nil {
		c.recordAttempt(err)
		return err
	}

	c.mu.Lock()
	if c.closed || generation != c.generation {
		c.mu.Unlock()
		_ = conn.Close()
		return errors.New("stream connection superseded")
	}
	c.conn = conn
	c.rep = rep
	c.live = true
	c.attempts = nil
	c.mu.Unlock()

	c.logger.Info("event stream connected",
		zap.String("replica", rep.URL()),
		zap.String("client_id", c.clientID))
	go c.readPump(conn, rep, generation)
	return nil
}

// Live reports whether the stream is currently connected.
func (c *Client) Live() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.live
}

// Replica returns the replica of the current (or last) connection.
func (c *Client) Replica() *replica.Replica {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rep
}

// Disconnect drops the current connection without closing the client.
// A later Connect may bind the stream again, to any replica.
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.live = false
	c.generation++
	c.rep = nil
	c.attempts = nil
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

// Close tears the stream down for good.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.live = false
	c.generation++
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	return nil
}

func (c *Client) dial(ctx context.Context, rep *replica.Replica) (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	defer cancel()
	conn, resp, err := c.dialer.DialContext(ctx, WebsocketURL(rep, c.clientID), nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("connect event stream to %s: %w", rep.URL(), err)
	}
	return conn, nil
}

func (c *Client) recordAttempt(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts = append(c.attempts, Attempt{At: c.clock.Now(), Err: err})
}

// readPump reads frames until the connection dies, then runs the
// reconnect policy. A stale pump (superseded generation) exits without
// touching shared state.
func (c *Client) readPump(conn *websocket.Conn, rep *replica.Replica, generation int) {
	for {
		messageType, payload, err := conn.ReadMessage()
		if err != nil {
			c.handleDisconnect(rep, generation, err)
			return
		}
		if messageType != websocket.TextMessage {
			// Binary preview blobs; not ours to decode.
			continue
		}
		c.dispatch(payload)
	}
}

func (c *Client) handleDisconnect(rep *replica.Replica, generation int, cause error) {
	c.mu.Lock()
	if c.closed || generation != c.generation {
		c.mu.Unlock()
		return
	}
	c.live = false
	c.conn = nil
	c.mu.Unlock()

	c.logger.Warn("event stream disconnected",
		zap.String("replica", rep.URL()),
		zap.Error(cause))

	for err := cause; ; {
		c.mu.Lock()
		if c.closed || generation != c.generation {
			c.mu.Unlock()
			return
		}
		c.attempts = append(c.attempts, Attempt{At: c.clock.Now(), Err: err})
		attempts := make([]Attempt, len(c.attempts))
		copy(attempts, c.attempts)
		c.mu.Unlock()

		decision := DecideReconnect(attempts, c.jobsOutstanding())
		if !decision.Retry {
			return
		}
		if decision.Delay > 0 {
			<-c.clock.After(decision.Delay)
		}

		c.mu.Lock()
		if c.closed || generation != c.generation {
			c.mu.Unlock()
			return
		}
		c.generation++
		generation = c.generation
		c.mu.Unlock()

		var conn *websocket.Conn
		conn, err = c.dial(context.Background(), rep)
		if err != nil {
			continue
		}

		c.mu.Lock()
		if c.closed || generation != c.generation {
			c.mu.Unlock()
			_ = conn.Close()
			return
		}
		c.conn = conn
		c.live = true
		c.attempts = nil
		c.mu.Unlock()

		c.logger.Info("event stream reconnected", zap.String("replica", rep.URL()))
		go c.readPump(conn, rep, generation)
		return
	}
}

// frame is the wire envelope for text frames.
type frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type statusData struct {
	Status struct {
		ExecInfo struct {
			QueueRemaining int `json:"queue_remaining"`
		} `json:"exec_info"`
	} `json:"status"`
}

type executionData struct {
	PromptID string  `json:"prompt_id"`
	Node     *string `json:"node"`
	Value    int     `json:"value"`
	Max      int     `json:"max"`
}

type errorData struct {
	PromptID         string `json:"prompt_id"`
	ExceptionMessage string `json:"exception_message"`
}

// dispatch parses one text frame and routes it. Malformed frames and
// unknown types are dropped; the stream is shared and noisy by design.
func (c *Client) dispatch(payload []byte) {
	var envelope frame
	if err := json.Unmarshal(payload, &envelope); err != nil {
		c.logger.Debug("dropped unparseable frame", zap.Error(err))
		return
	}
	switch envelope.Type {
	case "status":
		var data statusData
		if err := json.Unmarshal(envelope.Data, &data); err != nil {
			return
		}
		c.dispatcher.HandleQueueStatus(data.Status.ExecInfo.QueueRemaining)
	case "execution_start":
		data, ok := decodeExecution(envelope.Data)
		if !ok {
			return
		}
		c.dispatcher.HandleExecutionStart(data.PromptID)
	case "progress":
		data, ok := decodeExecution(envelope.Data)
		if !ok {
			return
		}
		c.dispatcher.HandleProgress(data.PromptID, data.Value, data.Max)
	case "executed":
		data, ok := decodeExecution(envelope.Data)
		if !ok || data.Node == nil {
			return
		}
		c.dispatcher.HandleStepCompleted(data.PromptID, *data.Node)
	case "executing":
		data, ok := decodeExecution(envelope.Data)
		if !ok {
			return
		}
		c.dispatcher.HandleExecuting(data.PromptID, data.Node)
	case "execution_error":
		var data errorData
		if err := json.Unmarshal(envelope.Data, &data); err != nil || data.PromptID == "" {
			return
		}
		c.dispatcher.HandleError(data.PromptID, data.ExceptionMessage)
	case "execution_interrupted":
		data, ok := decodeExecution(envelope.Data)
		if !ok {
			return
		}
		c.dispatcher.HandleInterrupted(data.PromptID)
	default:
		c.logger.Debug("dropped frame of unknown type", zap.String("type", envelope.Type))
	}
}

// decodeExecution parses the common execution payload. Frames without
// a prompt id cannot be demultiplexed and are dropped.
func decodeExecution(raw json.RawMessage) (executionData, bool) {
	var data executionData
	if err := json.Unmarshal(raw, &data); err != nil {
		return executionData{}, false
	}
	if data.PromptID == "" {
		return executionData{}, false
	}
	return data, true
}
