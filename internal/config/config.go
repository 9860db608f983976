// Package config provides the configuration schema and loader for the
// medscribe client.
package config

import (
	"time"

	"github.com/MrWong99/medscribe/internal/protocol"
	"github.com/MrWong99/medscribe/pkg/vad"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Default backend origins.
const (
	DefaultAPIURL = "https://glen3wiz.com/api"
	DefaultWSURL  = "wss://glen3wiz.com/api"
)

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Backend     BackendConfig     `yaml:"backend"`
	User        UserConfig        `yaml:"user"`
	Audio       AudioConfig       `yaml:"audio"`
	Session     SessionConfig     `yaml:"session"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Dedup       DedupConfig       `yaml:"dedup"`
	Reconnect   ReconnectConfig   `yaml:"reconnect"`
}

// ServerConfig holds the local health/metrics listener and logging settings.
type ServerConfig struct {
	// ListenAddr is the address of the health and metrics listener
	// (e.g., ":9090"). Empty disables the listener.
	ListenAddr string `yaml:"listen_addr"`

	LogLevel LogLevel `yaml:"log_level"`
}

// BackendConfig locates the telehealth backend.
type BackendConfig struct {
	// APIURL is the REST origin including the /api prefix.
	APIURL string `yaml:"api_url"`

	// WSURL is the WebSocket origin. Socket paths are appended to it.
	WSURL string `yaml:"ws_url"`

	HTTPTimeout       time.Duration `yaml:"http_timeout"`
	GenerationTimeout time.Duration `yaml:"generation_timeout"`
}

// UserConfig identifies whose conversation this client joins.
type UserConfig struct {
	// Mode is the viewing party: "patient" or "doctor".
	Mode protocol.Role `yaml:"mode"`

	// Name is the username used in socket paths. In doctor mode it is also
	// the default patient id.
	Name string `yaml:"name"`

	// PatientID overrides the patient targeted by REST calls.
	PatientID string `yaml:"patient_id"`
}

// AudioConfig configures the capture pipeline and its input.
type AudioConfig struct {
	// Source is the path of a WAV file played as microphone input.
	Source string `yaml:"source"`

	// Realtime paces the WAV file at its natural rate.
	Realtime bool `yaml:"realtime"`

	SampleRate  int            `yaml:"sample_rate"`
	WindowSize  int            `yaml:"window_size"`
	MaxDuration time.Duration  `yaml:"max_duration"`
	MaxChunks   int            `yaml:"max_chunks"`
	Thresholds  vad.Thresholds `yaml:"thresholds"`
}

// SessionConfig bounds transcript text and speaker display.
type SessionConfig struct {
	MaxDisplayLength  int           `yaml:"max_display_length"`
	SpeakerClearAfter time.Duration `yaml:"speaker_clear_after"`

	// MinTextLength is the shortest final transcript that yields
	// suggestions.
	MinTextLength int `yaml:"min_text_length"`
}

// CoordinatorConfig controls question and suggestion generation.
type CoordinatorConfig struct {
	MinQuestionLength int           `yaml:"min_question_length"`
	Throttle          time.Duration `yaml:"throttle"`
	SendTimeout       time.Duration `yaml:"send_timeout"`
	RagType           string        `yaml:"rag_type"`
	AutoQuestions     bool          `yaml:"auto_questions"`
	AutoSuggestions   bool          `yaml:"auto_suggestions"`
}

// DedupConfig sizes the chat-message duplicate filter.
type DedupConfig struct {
	Window   time.Duration `yaml:"window"`
	Capacity int           `yaml:"capacity"`
}

// ReconnectConfig is the socket reconnect policy.
type ReconnectConfig struct {
	MaxRetries int           `yaml:"max_retries"`
	Backoff    time.Duration `yaml:"backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// Default returns a Config with every field set to its default value.
func Default() *Config {
	return &Config{
		Server: ServerConfig{LogLevel: LogInfo},
		Backend: BackendConfig{
			APIURL:            DefaultAPIURL,
			WSURL:             DefaultWSURL,
			HTTPTimeout:       60 * time.Second,
			GenerationTimeout: 90 * time.Second,
		},
		User: UserConfig{Mode: protocol.RoleDoctor},
		Audio: AudioConfig{
			Realtime:    true,
			SampleRate:  16000,
			WindowSize:  2048,
			MaxDuration: 15 * time.Second,
			MaxChunks:   300,
			Thresholds:  vad.DefaultThresholds(),
		},
		Session: SessionConfig{
			MaxDisplayLength:  protocol.DisplayLimit,
			SpeakerClearAfter: 2 * time.Second,
			MinTextLength:     5,
		},
		Coordinator: CoordinatorConfig{
			MinQuestionLength: 10,
			Throttle:          3 * time.Second,
			SendTimeout:       10 * time.Second,
			RagType:           protocol.RagStandard,
			AutoQuestions:     true,
			AutoSuggestions:   true,
		},
		Dedup: DedupConfig{
			Window:   2 * time.Second,
			Capacity: 512,
		},
		Reconnect: ReconnectConfig{
			MaxRetries: 10,
			Backoff:    time.Second,
			MaxBackoff: 30 * time.Second,
		},
	}
}

// PatientKey returns the patient id REST calls target.
func (c *Config) PatientKey() string {
	if c.User.PatientID != "" {
		return c.User.PatientID
	}
	return c.User.Name
}
