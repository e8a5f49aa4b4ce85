package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cabwire/cabwire/pkg/logger"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	sessionsURL  = "https://api.openai.com/v1/realtime/sessions"
	websocketURL = "wss://api.openai.com/v1/realtime"
)

// Client creates realtime sessions with the AI engine
// Note: the OpenAI Go SDK does not cover the realtime API, so session
// creation is a plain REST call and events flow over a websocket.
type Client struct {
	apiKey     string
	config     SessionConfig
	httpClient *http.Client
	logger     *logger.Logger
}

// NewClient creates a new realtime agent client
func NewClient(apiKey string, config SessionConfig, timeout time.Duration, logger *logger.Logger) *Client {
	if apiKey == "" {
		logger.Warn("OpenAI API key is empty - calls cannot be answered")
	}

	return &Client{
		apiKey: apiKey,
		config: config,
		logger: logger.Named("agent-client"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// sessionRequest is the REST payload for creating a realtime session
type sessionRequest struct {
	Model                   string               `json:"model"`
	Instructions            string               `json:"instructions"`
	Voice                   string               `json:"voice"`
	Modalities              []string             `json:"modalities"`
	InputAudioFormat        string               `json:"input_audio_format"`
	OutputAudioFormat       string               `json:"output_audio_format"`
	Temperature             float64              `json:"temperature"`
	MaxResponseTokens       int                  `json:"max_response_output_tokens,omitempty"`
	Tools                   []ToolDefinition     `json:"tools,omitempty"`
	ToolChoice              string               `json:"tool_choice,omitempty"`
	TurnDetection           *turnDetectionConfig `json:"turn_detection,omitempty"`
	InputAudioTranscription *transcriptionConfig `json:"input_audio_transcription,omitempty"`
}

type turnDetectionConfig struct {
	Type              string   `json:"type"`
	Threshold         *float64 `json:"threshold,omitempty"`
	SilenceDurationMs *int     `json:"silence_duration_ms,omitempty"`
}

type transcriptionConfig struct {
	Model string `json:"model"`
}

// sessionResponse is the REST response from creating a realtime session
type sessionResponse struct {
	ID           string `json:"id"`
	ClientSecret struct {
		Value     string `json:"value"`
		ExpiresAt int64  `json:"expires_at"`
	} `json:"client_secret"`
}

// CreateSession creates a new realtime session with the given system
// prompt and tool set.
func (c *Client) CreateSession(ctx context.Context, systemPrompt string, tools []ToolDefinition) (*Session, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("OpenAI API key is required for agent sessions")
	}

	c.logger.Info("Creating realtime agent session",
		logger.String("model", c.config.Model),
		logger.String("voice", c.config.Voice),
		logger.Int("tools", len(tools)))

	sessionReq := sessionRequest{
		Model:             c.config.Model,
		Instructions:      systemPrompt,
		Voice:             c.config.Voice,
		Modalities:        []string{"text", "audio"},
		InputAudioFormat:  c.config.InputAudioFormat,
		OutputAudioFormat: c.config.OutputAudioFormat,
		Tools:             tools,
		ToolChoice:        "auto",
		InputAudioTranscription: &transcriptionConfig{
			Model: "whisper-1",
		},
	}

	if c.config.MaxResponseTokens > 0 {
		sessionReq.MaxResponseTokens = c.config.MaxResponseTokens
	}

	// The realtime API requires temperature >= 0.6
	if c.config.Temperature >= 0.6 {
		sessionReq.Temperature = c.config.Temperature
	} else {
		sessionReq.Temperature = 0.8
	}

	if c.config.TurnDetectionType != "" && c.config.TurnDetectionType != "none" {
		turnDetection := &turnDetectionConfig{
			Type: c.config.TurnDetectionType,
		}
		if c.config.VADThreshold > 0 {
			turnDetection.Threshold = &c.config.VADThreshold
		}
		if c.config.SilenceDurationMs > 0 {
			turnDetection.SilenceDurationMs = &c.config.SilenceDurationMs
		}
		sessionReq.TurnDetection = turnDetection
	}

	jsonData, err := json.Marshal(sessionReq)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal session request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sessionsURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("OpenAI-Beta", "realtime=v1")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute HTTP request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var errorBody map[string]interface{}
		if json.Unmarshal(bodyBytes, &errorBody) == nil {
			c.logger.Error("Agent session creation failed",
				logger.Int("status_code", resp.StatusCode),
				logger.Any("error_response", errorBody))
		} else {
			c.logger.Error("Agent session creation failed",
				logger.Int("status_code", resp.StatusCode),
				logger.String("response_body", string(bodyBytes)))
		}
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	var sessionResp sessionResponse
	if err := json.Unmarshal(bodyBytes, &sessionResp); err != nil {
		return nil, fmt.Errorf("failed to decode session response: %w", err)
	}

	session := &Session{
		ID:              "call_" + uuid.NewString(),
		OpenAISessionID: sessionResp.ID,
		ClientSecret:    sessionResp.ClientSecret.Value,
		WebSocketURL:    websocketURL + "?model=" + c.config.Model,
		CreatedAt:       time.Now().UTC(),
		ExpiresAt:       time.Unix(sessionResp.ClientSecret.ExpiresAt, 0),
	}

	c.logger.Info("Created realtime agent session",
		logger.String("session_id", session.ID),
		logger.String("openai_session_id", session.OpenAISessionID),
		logger.Time("expires_at", session.ExpiresAt))

	return session, nil
}

// Connect dials the realtime websocket for a created session and starts
// the event loop.
func (c *Client) Connect(ctx context.Context, session *Session, events Events) (*Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.apiKey)
	header.Set("OpenAI-Beta", "realtime=v1")

	wsConn, resp, err := websocket.DefaultDialer.DialContext(ctx, session.WebSocketURL, header)
	if err != nil {
		if resp != nil {
			bodyBytes, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			c.logger.Error("Realtime websocket dial failed",
				logger.Int("status_code", resp.StatusCode),
				logger.String("response_body", string(bodyBytes)))
		}
		return nil, fmt.Errorf("failed to dial realtime websocket: %w", err)
	}

	conn := newConn(session.ID, wsConn, events, c.logger)
	conn.start()
	return conn, nil
}
