package config_test

import (
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/medscribe/internal/config"
	"github.com/MrWong99/medscribe/internal/protocol"
)

const validYAML = `
server:
  listen_addr: ":9090"
  log_level: debug
backend:
  api_url: "http://localhost:8000/api"
  ws_url: "ws://localhost:8000/api"
user:
  mode: patient
  name: alice
audio:
  source: testdata/visit.wav
  max_duration: 20s
  thresholds:
    low: 0.01
coordinator:
  throttle: 5s
  rag_type: graph
  auto_suggestions: false
reconnect:
  max_retries: 3
`

func TestLoadFromReader_Valid(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(validYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.ListenAddr != ":9090" || cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Backend.APIURL != "http://localhost:8000/api" {
		t.Errorf("api_url = %q", cfg.Backend.APIURL)
	}
	if cfg.User.Mode != protocol.RolePatient || cfg.PatientKey() != "alice" {
		t.Errorf("user = %+v", cfg.User)
	}
	if cfg.Audio.MaxDuration != 20*time.Second {
		t.Errorf("max_duration = %v", cfg.Audio.MaxDuration)
	}
	// Partial blocks keep the defaults of their unset siblings.
	if cfg.Audio.Thresholds.Low != 0.01 || cfg.Audio.Thresholds.ChunkHigh != 0.02 {
		t.Errorf("thresholds = %+v", cfg.Audio.Thresholds)
	}
	if cfg.Audio.MaxChunks != 300 || cfg.Audio.WindowSize != 2048 {
		t.Errorf("audio defaults lost: %+v", cfg.Audio)
	}
	if cfg.Coordinator.Throttle != 5*time.Second || cfg.Coordinator.RagType != protocol.RagGraph {
		t.Errorf("coordinator = %+v", cfg.Coordinator)
	}
	if !cfg.Coordinator.AutoQuestions || cfg.Coordinator.AutoSuggestions {
		t.Errorf("auto flags = %+v", cfg.Coordinator)
	}
	if cfg.Reconnect.MaxRetries != 3 || cfg.Reconnect.MaxBackoff != 30*time.Second {
		t.Errorf("reconnect = %+v", cfg.Reconnect)
	}
}

func TestLoadFromReader_EmptyIsDefault(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if *cfg != *config.Default() {
		t.Errorf("empty config differs from Default():\n%+v", cfg)
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("coordinator:\n  throtle: 2s\n"))
	if err == nil || !strings.Contains(err.Error(), "throtle") {
		t.Errorf("expected unknown field error, got %v", err)
	}
}

func TestPatientKey(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	cfg.User.Name = "dr-house"
	cfg.User.PatientID = "p42"
	if got := cfg.PatientKey(); got != "p42" {
		t.Errorf("PatientKey = %q, want p42", got)
	}
}
