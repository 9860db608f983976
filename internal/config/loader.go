package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/MrWong99/medscribe/internal/protocol"
	"github.com/MrWong99/medscribe/pkg/vad"
)

// Environment variables that override the backend origins.
const (
	EnvAPIURL = "MEDSCRIBE_API_URL"
	EnvWSURL  = "MEDSCRIBE_WS_URL"
)

// Load reads the YAML configuration file at path, applies environment
// overrides and returns a validated [Config].
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	cfg, err := parse(data)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

func parse(data []byte) (*Config, error) {
	cfg, err := decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	ApplyEnv(cfg, os.LookupEnv)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r on top of [Default] and
// validates the result. Environment overrides are not applied.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg, err := decode(r)
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	return cfg, nil
}

// LoadEnvFile loads variables from a dotenv file into the process
// environment. Variables that are already set win. A missing file is not an
// error.
func LoadEnvFile(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: load env file %q: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides the backend origins from [EnvAPIURL] and [EnvWSURL].
// lookup is usually [os.LookupEnv].
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvAPIURL); ok && v != "" {
		cfg.Backend.APIURL = v
	}
	if v, ok := lookup(EnvWSURL); ok && v != "" {
		cfg.Backend.WSURL = v
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Backend
	if err := checkURL(cfg.Backend.APIURL, "http", "https"); err != nil {
		errs = append(errs, fmt.Errorf("backend.api_url: %w", err))
	}
	if err := checkURL(cfg.Backend.WSURL, "ws", "wss"); err != nil {
		errs = append(errs, fmt.Errorf("backend.ws_url: %w", err))
	}
	if cfg.Backend.HTTPTimeout <= 0 {
		errs = append(errs, fmt.Errorf("backend.http_timeout must be positive"))
	}
	if cfg.Backend.GenerationTimeout <= 0 {
		errs = append(errs, fmt.Errorf("backend.generation_timeout must be positive"))
	}

	// User
	switch cfg.User.Mode {
	case protocol.RolePatient, protocol.RoleDoctor:
	default:
		errs = append(errs, fmt.Errorf("user.mode %q is invalid; valid values: patient, doctor", cfg.User.Mode))
	}

	// Audio
	if cfg.Audio.SampleRate != 16000 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d is unsupported; the recogniser expects 16000", cfg.Audio.SampleRate))
	}
	if cfg.Audio.WindowSize < 256 || cfg.Audio.WindowSize%128 != 0 {
		errs = append(errs, fmt.Errorf("audio.window_size %d must be a multiple of 128 and at least 256", cfg.Audio.WindowSize))
	}
	if cfg.Audio.MaxDuration <= 0 {
		errs = append(errs, fmt.Errorf("audio.max_duration must be positive"))
	}
	if cfg.Audio.MaxChunks <= 0 {
		errs = append(errs, fmt.Errorf("audio.max_chunks must be positive"))
	}
	errs = append(errs, validateThresholds(cfg.Audio.Thresholds)...)

	// Session
	if cfg.Session.MaxDisplayLength <= 0 {
		errs = append(errs, fmt.Errorf("session.max_display_length must be positive"))
	}
	if cfg.Session.SpeakerClearAfter <= 0 {
		errs = append(errs, fmt.Errorf("session.speaker_clear_after must be positive"))
	}
	if cfg.Session.MinTextLength <= 0 {
		errs = append(errs, fmt.Errorf("session.min_text_length must be positive"))
	}

	// Coordinator
	if cfg.Coordinator.MinQuestionLength <= 0 {
		errs = append(errs, fmt.Errorf("coordinator.min_question_length must be positive"))
	}
	if cfg.Coordinator.Throttle <= 0 {
		errs = append(errs, fmt.Errorf("coordinator.throttle must be positive"))
	}
	if cfg.Coordinator.SendTimeout <= 0 {
		errs = append(errs, fmt.Errorf("coordinator.send_timeout must be positive"))
	}
	switch cfg.Coordinator.RagType {
	case protocol.RagStandard, protocol.RagGraph:
	default:
		errs = append(errs, fmt.Errorf("coordinator.rag_type %q is invalid; valid values: standard, graph", cfg.Coordinator.RagType))
	}

	// Dedup
	if cfg.Dedup.Window <= 0 {
		errs = append(errs, fmt.Errorf("dedup.window must be positive"))
	}
	if cfg.Dedup.Capacity <= 0 {
		errs = append(errs, fmt.Errorf("dedup.capacity must be positive"))
	}

	// Reconnect
	if cfg.Reconnect.MaxRetries <= 0 {
		errs = append(errs, fmt.Errorf("reconnect.max_retries must be positive"))
	}
	if cfg.Reconnect.Backoff <= 0 || cfg.Reconnect.MaxBackoff < cfg.Reconnect.Backoff {
		errs = append(errs, fmt.Errorf("reconnect: backoff %s and max_backoff %s must satisfy 0 < backoff <= max_backoff",
			cfg.Reconnect.Backoff, cfg.Reconnect.MaxBackoff))
	}

	return errors.Join(errs...)
}

func checkURL(raw string, schemes ...string) error {
	if raw == "" {
		return errors.New("is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("%q must be an absolute %s url", raw, schemes[len(schemes)-1])
}

func validateThresholds(t vad.Thresholds) []error {
	fields := []struct {
		name string
		v    float64
	}{
		{"low", t.Low},
		{"block_peak", t.BlockPeak},
		{"block_high", t.BlockHigh},
		{"block_low_ratio", t.BlockLowRatio},
		{"block_high_ratio", t.BlockHighRatio},
		{"chunk_peak", t.ChunkPeak},
		{"chunk_high", t.ChunkHigh},
		{"chunk_low_ratio", t.ChunkLowRatio},
		{"chunk_high_ratio", t.ChunkHighRatio},
		{"energy_floor", t.EnergyFloor},
	}
	var errs []error
	for _, f := range fields {
		if f.v <= 0 || f.v >= 1 {
			errs = append(errs, fmt.Errorf("audio.thresholds.%s %.4f is out of range (0, 1)", f.name, f.v))
		}
	}
	return errs
}
