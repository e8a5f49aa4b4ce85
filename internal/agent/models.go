package agent

import (
	"encoding/json"
	"time"
)

// SessionConfig represents configuration for a realtime agent session
type SessionConfig struct {
	Model             string  `json:"model"`
	Voice             string  `json:"voice"`
	InputAudioFormat  string  `json:"input_audio_format"`
	OutputAudioFormat string  `json:"output_audio_format"`
	Temperature       float64 `json:"temperature"`
	MaxResponseTokens int     `json:"max_response_tokens"`
	TurnDetectionType string  `json:"turn_detection_type"`
	VADThreshold      float64 `json:"vad_threshold"`
	SilenceDurationMs int     `json:"silence_duration_ms"`
}

// Session represents an active realtime session with the AI engine
type Session struct {
	ID              string    `json:"id"`
	OpenAISessionID string    `json:"openai_session_id"`
	ClientSecret    string    `json:"client_secret"`
	WebSocketURL    string    `json:"websocket_url"`
	CreatedAt       time.Time `json:"created_at"`
	ExpiresAt       time.Time `json:"expires_at"`
}

// ToolCall is a structured function invocation emitted by the AI engine
// instead of (or alongside) speech
type ToolCall struct {
	CallID    string
	Name      string
	Arguments map[string]any
}

// ToolDefinition describes one tool exposed to the AI engine
type ToolDefinition struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// serverEvent is the envelope of every event read from the realtime
// websocket. Only the fields we consume are decoded; everything else
// stays in Raw.
type serverEvent struct {
	Type       string          `json:"type"`
	EventID    string          `json:"event_id,omitempty"`
	CallID     string          `json:"call_id,omitempty"`
	Name       string          `json:"name,omitempty"`
	Arguments  string          `json:"arguments,omitempty"`
	Transcript string          `json:"transcript,omitempty"`
	Delta      string          `json:"delta,omitempty"`
	Error      *serverError    `json:"error,omitempty"`
	Raw        json.RawMessage `json:"-"`
}

type serverError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// clientEvent is the envelope of every event written to the realtime
// websocket
type clientEvent struct {
	Type     string         `json:"type"`
	Response map[string]any `json:"response,omitempty"`
	Item     map[string]any `json:"item,omitempty"`
	Session  map[string]any `json:"session,omitempty"`
}

// Events is the callback interface the session orchestrator passes at
// construction. The AI never pushes workflow decisions through it: tool
// calls carry extracted data and requested actions, and the backend
// decides everything.
type Events interface {
	// OnToolCall handles a tool invocation; the returned map is sent
	// back to the AI as the tool result.
	OnToolCall(call ToolCall) map[string]any
	// OnCallerTranscript delivers a completed transcription of the
	// caller's last utterance.
	OnCallerTranscript(text string)
	// OnAgentTurnDone fires after the AI finishes a speech turn.
	OnAgentTurnDone()
	// OnConnClosed fires once when the connection terminates.
	OnConnClosed(err error)
}
