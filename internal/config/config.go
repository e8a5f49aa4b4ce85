package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the top-level application configuration
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Logging   LoggingConfig   `toml:"logging"`
	Agent     AgentConfig     `toml:"agent"`
	Fares     FaresConfig     `toml:"fares"`
	Dispatch  DispatchConfig  `toml:"dispatch"`
	Storage   StorageConfig   `toml:"storage"`
	Booking   BookingConfig   `toml:"booking"`
	Review    ReviewConfig    `toml:"review"`
	Telephony TelephonyConfig `toml:"telephony"`
}

// ServerConfig represents the HTTP server configuration
type ServerConfig struct {
	Host               string   `toml:"host"`
	Port               int      `toml:"port"`
	CORSAllowedOrigins []string `toml:"cors_allowed_origins"`
	ReadTimeoutSec     int      `toml:"read_timeout_seconds"`
	WriteTimeoutSec    int      `toml:"write_timeout_seconds"`
}

// LoggingConfig represents the logging configuration
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// AgentConfig represents the conversational AI engine configuration
type AgentConfig struct {
	OpenAIAPIKey      string  `toml:"openai_api_key"`
	Model             string  `toml:"model"`
	Voice             string  `toml:"voice"`
	InputAudioFormat  string  `toml:"input_audio_format"`
	OutputAudioFormat string  `toml:"output_audio_format"`
	Temperature       float64 `toml:"temperature"`
	MaxResponseTokens int     `toml:"max_response_tokens"`
	TurnDetectionType string  `toml:"turn_detection_type"`
	VADThreshold      float64 `toml:"vad_threshold"`
	SilenceDurationMs int     `toml:"silence_duration_ms"`
	PromptPath        string  `toml:"prompt_path"`
	TimeoutSeconds    int     `toml:"timeout_seconds"`
}

// FaresConfig represents the fare/geocoding provider configuration
type FaresConfig struct {
	BaseURL           string  `toml:"base_url"`
	APIKey            string  `toml:"api_key"`
	TimeoutSeconds    int     `toml:"timeout_seconds"`
	QuoteDeadlineSec  int     `toml:"quote_deadline_seconds"`
	SanityCeiling     float64 `toml:"sanity_ceiling"`
	Currency          string  `toml:"currency"`
	FallbackFlatFare  float64 `toml:"fallback_flat_fare"`
	FallbackPerKmFare float64 `toml:"fallback_per_km_fare"`
}

// DispatchConfig represents the taxi dispatch backend configuration
type DispatchConfig struct {
	BaseURL        string `toml:"base_url"`
	APIKey         string `toml:"api_key"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
	BookingLinkURL string `toml:"booking_link_url"`
}

// StorageConfig represents the SQLite storage configuration
type StorageConfig struct {
	DBPath string `toml:"db_path"`
}

// BookingConfig represents tunables for the booking flow
type BookingConfig struct {
	CancelConfirmTimeoutSec int `toml:"cancel_confirm_timeout_seconds"`
	ResponseDrainTimeoutSec int `toml:"response_drain_timeout_seconds"`
	FirstAudioTimeoutSec    int `toml:"first_audio_timeout_seconds"`
	AudioDrainTimeoutSec    int `toml:"audio_drain_timeout_seconds"`
}

// ReviewConfig represents the post-call review pipeline configuration
type ReviewConfig struct {
	Enabled          bool   `toml:"enabled"`
	Model            string `toml:"model"`
	IntervalSeconds  int    `toml:"interval_seconds"`
	BatchSize        int    `toml:"batch_size"`
	SystemPromptPath string `toml:"system_prompt_path"`
	TimeoutSeconds   int    `toml:"timeout_seconds"`
}

// TelephonyConfig represents the telephony bridge configuration. The SIP
// stack itself lives outside this process; we only need enough here to
// identify the line and greet callers.
type TelephonyConfig struct {
	LineName    string `toml:"line_name"`
	CompanyName string `toml:"company_name"`
}

// Load reads the configuration from the given TOML file
func Load(path string) (*Config, error) {
	cfg := Default()

	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a configuration populated with sensible defaults
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeoutSec:  30,
			WriteTimeoutSec: 30,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Agent: AgentConfig{
			Model:             "gpt-4o-realtime-preview",
			Voice:             "alloy",
			InputAudioFormat:  "g711_ulaw",
			OutputAudioFormat: "g711_ulaw",
			Temperature:       0.8,
			TurnDetectionType: "server_vad",
			SilenceDurationMs: 500,
			TimeoutSeconds:    30,
		},
		Fares: FaresConfig{
			TimeoutSeconds:    15,
			QuoteDeadlineSec:  10,
			SanityCeiling:     120.0,
			Currency:          "GBP",
			FallbackFlatFare:  15.0,
			FallbackPerKmFare: 2.2,
		},
		Dispatch: DispatchConfig{
			TimeoutSeconds: 15,
		},
		Storage: StorageConfig{
			DBPath: "cabwire.db",
		},
		Booking: BookingConfig{
			CancelConfirmTimeoutSec: 30,
			ResponseDrainTimeoutSec: 15,
			FirstAudioTimeoutSec:    5,
			AudioDrainTimeoutSec:    20,
		},
		Review: ReviewConfig{
			Enabled:         false,
			Model:           "gpt-4o-mini",
			IntervalSeconds: 60,
			BatchSize:       5,
			TimeoutSeconds:  60,
		},
		Telephony: TelephonyConfig{
			CompanyName: "City Cabs",
		},
	}
}

// Validate checks the configuration for obvious mistakes
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Fares.SanityCeiling <= 0 {
		return fmt.Errorf("fares sanity_ceiling must be positive")
	}
	if c.Booking.CancelConfirmTimeoutSec <= 0 {
		return fmt.Errorf("booking cancel_confirm_timeout_seconds must be positive")
	}
	if c.Review.Enabled && c.Review.Model == "" {
		return fmt.Errorf("review model is required when review is enabled")
	}
	return nil
}

// QuoteDeadline returns the fare-quote deadline as a duration
func (c *FaresConfig) QuoteDeadline() time.Duration {
	return time.Duration(c.QuoteDeadlineSec) * time.Second
}

// Timeout returns the provider HTTP timeout as a duration
func (c *FaresConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Timeout returns the dispatcher HTTP timeout as a duration
func (c *DispatchConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}
