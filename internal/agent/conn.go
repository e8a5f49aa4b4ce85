package agent

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cabwire/cabwire/pkg/logger"
)

// Conn is one live websocket connection to the AI engine. It reads server
// events and dispatches them to the Events callbacks; the orchestrator
// pushes speech instructions and tool results back through it.
type Conn struct {
	id     string
	ws     *websocket.Conn
	events Events
	logger *logger.Logger

	writeMu sync.Mutex

	mu             sync.Mutex
	cond           *sync.Cond
	responseActive bool
	firstAudioSeen bool
	closed         bool
	closeErr       error

	chunker  *frameChunker
	outAudio *audioQueue

	closeOnce sync.Once
}

func newConn(id string, ws *websocket.Conn, events Events, log *logger.Logger) *Conn {
	c := &Conn{
		id:       id,
		ws:       ws,
		events:   events,
		logger:   log.Named("agent-conn").With(logger.String("call_id", id)),
		chunker:  newFrameChunker(8000, 1, 20, 1), // g711 ulaw: 1 byte per sample
		outAudio: newAudioQueue(),
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// start launches the read loop.
func (c *Conn) start() {
	go c.readLoop()
}

func (c *Conn) readLoop() {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Panic in agent read loop", logger.Any("panic", r))
			c.shutdown(fmt.Errorf("panic in read loop: %v", r))
		}
	}()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.shutdown(err)
			return
		}

		var event serverEvent
		if err := json.Unmarshal(data, &event); err != nil {
			c.logger.Warn("Failed to decode server event", logger.Error(err))
			continue
		}
		event.Raw = data

		c.handleEvent(&event)
	}
}

func (c *Conn) handleEvent(event *serverEvent) {
	switch event.Type {
	case "response.created":
		c.mu.Lock()
		c.responseActive = true
		c.firstAudioSeen = false
		c.cond.Broadcast()
		c.mu.Unlock()

	case "response.audio.delta":
		pcm, err := base64.StdEncoding.DecodeString(event.Delta)
		if err != nil {
			c.logger.Warn("Failed to decode audio delta", logger.Error(err))
			return
		}
		for _, frame := range c.chunker.push(pcm) {
			c.outAudio.enqueue(frame)
		}
		c.mu.Lock()
		if !c.firstAudioSeen {
			c.firstAudioSeen = true
			c.cond.Broadcast()
		}
		c.mu.Unlock()

	case "response.audio.done":
		if frame := c.chunker.flush(); frame != nil {
			c.outAudio.enqueue(frame)
		}

	case "response.done":
		c.mu.Lock()
		c.responseActive = false
		c.cond.Broadcast()
		c.mu.Unlock()
		c.events.OnAgentTurnDone()

	case "response.function_call_arguments.done":
		call := ToolCall{
			CallID:    event.CallID,
			Name:      event.Name,
			Arguments: map[string]any{},
		}
		if event.Arguments != "" {
			// Malformed arguments must not kill the call; the handler
			// sees an empty bag and re-prompts.
			if err := json.Unmarshal([]byte(event.Arguments), &call.Arguments); err != nil {
				c.logger.Warn("Malformed tool call arguments",
					logger.String("tool", event.Name),
					logger.Error(err))
			}
		}
		c.dispatchToolCall(call)

	case "conversation.item.input_audio_transcription.completed":
		if event.Transcript != "" {
			c.events.OnCallerTranscript(event.Transcript)
		}

	case "error":
		if event.Error != nil {
			c.logger.Error("Agent reported error",
				logger.String("code", event.Error.Code),
				logger.String("message", event.Error.Message))
		}
	}
}

// dispatchToolCall runs the orchestrator's handler and returns the result
// to the AI, then asks for the next response so the conversation keeps
// moving.
func (c *Conn) dispatchToolCall(call ToolCall) {
	c.logger.Debug("Tool call received",
		logger.String("tool", call.Name),
		logger.String("tool_call_id", call.CallID))

	result := c.events.OnToolCall(call)
	if result == nil {
		result = map[string]any{"ok": true}
	}

	output, err := json.Marshal(result)
	if err != nil {
		c.logger.Error("Failed to marshal tool result", logger.Error(err))
		output = []byte(`{"ok":false}`)
	}

	if err := c.send(clientEvent{
		Type: "conversation.item.create",
		Item: map[string]any{
			"type":    "function_call_output",
			"call_id": call.CallID,
			"output":  string(output),
		},
	}); err != nil {
		c.logger.Warn("Failed to send tool result", logger.Error(err))
		return
	}

	if err := c.send(clientEvent{Type: "response.create"}); err != nil {
		c.logger.Warn("Failed to request response after tool result", logger.Error(err))
	}
}

// Instruct pushes a speech instruction: a short imperative the AI must
// follow on its next turn.
func (c *Conn) Instruct(ctx context.Context, instruction string) error {
	if instruction == "" {
		return nil
	}

	c.logger.Debug("Sending speech instruction", logger.String("instruction", instruction))

	return c.send(clientEvent{
		Type: "response.create",
		Response: map[string]any{
			"instructions": instruction,
		},
	})
}

// UpdateInstructions replaces the session-level system instructions.
func (c *Conn) UpdateInstructions(ctx context.Context, instructions string) error {
	return c.send(clientEvent{
		Type: "session.update",
		Session: map[string]any{
			"instructions": instructions,
		},
	})
}

// SendCallerAudio forwards one audio frame from the telephony leg.
func (c *Conn) SendCallerAudio(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.isClosed() {
		return fmt.Errorf("connection closed")
	}
	payload, err := json.Marshal(map[string]any{
		"type":  "input_audio_buffer.append",
		"audio": base64.StdEncoding.EncodeToString(frame),
	})
	if err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, payload)
}

// ReadAudioFrame pops the next outbound audio frame for the telephony
// writer, blocking until one is available or the connection closes.
func (c *Conn) ReadAudioFrame() ([]byte, bool) {
	return c.outAudio.dequeue()
}

func (c *Conn) send(event clientEvent) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.isClosed() {
		return fmt.Errorf("connection closed")
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal client event: %w", err)
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// waitFor blocks until pred holds, the timeout passes, or the connection
// closes. Returns the final value of pred.
func (c *Conn) waitFor(timeout time.Duration, pred func() bool) bool {
	deadline := time.Now().Add(timeout)
	timer := time.AfterFunc(timeout, func() {
		c.mu.Lock()
		c.cond.Broadcast()
		c.mu.Unlock()
	})
	defer timer.Stop()

	c.mu.Lock()
	defer c.mu.Unlock()
	for !pred() {
		if c.closed || time.Now().After(deadline) {
			return pred()
		}
		c.cond.Wait()
	}
	return true
}

// WaitResponseIdle waits for any in-flight response to finish.
func (c *Conn) WaitResponseIdle(timeout time.Duration) bool {
	return c.waitFor(timeout, func() bool { return !c.responseActive })
}

// WaitFirstAudio waits for the first audio frame of the current response
// to be enqueued.
func (c *Conn) WaitFirstAudio(timeout time.Duration) bool {
	return c.waitFor(timeout, func() bool { return c.firstAudioSeen })
}

// WaitAudioDrained waits for the outbound audio queue to empty.
// Called without c.mu held; the queue has its own lock.
func (c *Conn) WaitAudioDrained(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for c.outAudio.len() > 0 {
		if time.Now().After(deadline) || c.isClosed() {
			return c.outAudio.len() == 0
		}
		time.Sleep(50 * time.Millisecond)
	}
	return true
}

// Close terminates the connection.
func (c *Conn) Close() error {
	c.shutdown(nil)
	return nil
}

func (c *Conn) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.closeErr = err
		c.cond.Broadcast()
		c.mu.Unlock()

		c.outAudio.close()
		c.ws.Close()

		if err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			c.logger.Warn("Agent connection closed", logger.Error(err))
		} else {
			c.logger.Debug("Agent connection closed")
		}

		c.events.OnConnClosed(err)
	})
}
