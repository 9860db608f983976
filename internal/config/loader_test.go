package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MrWong99/medscribe/internal/config"
)

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"log level", "server:\n  log_level: loud\n", "server.log_level"},
		{"api scheme", "backend:\n  api_url: ftp://x/api\n", "backend.api_url"},
		{"ws scheme", "backend:\n  ws_url: https://x/api\n", "backend.ws_url"},
		{"mode", "user:\n  mode: nurse\n", "user.mode"},
		{"sample rate", "audio:\n  sample_rate: 44100\n", "audio.sample_rate"},
		{"window", "audio:\n  window_size: 1000\n", "audio.window_size"},
		{"threshold range", "audio:\n  thresholds:\n    energy_floor: 1.5\n", "audio.thresholds.energy_floor"},
		{"rag type", "coordinator:\n  rag_type: vector\n", "coordinator.rag_type"},
		{"negative throttle", "coordinator:\n  throttle: -1s\n", "coordinator.throttle"},
		{"dedup", "dedup:\n  capacity: -4\n", "dedup.capacity"},
		{"backoff order", "reconnect:\n  backoff: 1m\n  max_backoff: 10s\n", "max_backoff"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tt.yaml))
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error should mention %q, got: %v", tt.want, err)
			}
		})
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: loud
user:
  mode: nurse
coordinator:
  rag_type: vector
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	for _, want := range []string{"log_level", "user.mode", "rag_type"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error is missing %q: %v", want, err)
		}
	}
}

func TestApplyEnv(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	env := map[string]string{
		config.EnvAPIURL: "http://staging/api",
		config.EnvWSURL:  "",
	}
	config.ApplyEnv(cfg, func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
	if cfg.Backend.APIURL != "http://staging/api" {
		t.Errorf("api_url = %q", cfg.Backend.APIURL)
	}
	if cfg.Backend.WSURL != config.DefaultWSURL {
		t.Errorf("empty override replaced ws_url: %q", cfg.Backend.WSURL)
	}
}

func TestLoad_EnvFileOverridesBackend(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	writeFile(t, envPath, config.EnvWSURL+"=ws://from-dotenv:9000/api\n")
	cfgPath := filepath.Join(dir, "config.yaml")
	writeFile(t, cfgPath, "user:\n  name: bob\n")

	t.Setenv(config.EnvWSURL, "")
	os.Unsetenv(config.EnvWSURL)
	if err := config.LoadEnvFile(envPath); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Backend.WSURL != "ws://from-dotenv:9000/api" {
		t.Errorf("ws_url = %q", cfg.Backend.WSURL)
	}

	if err := config.LoadEnvFile(filepath.Join(dir, "missing.env")); err != nil {
		t.Errorf("missing env file: %v", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	if _, err := config.Load("/nonexistent/medscribe.yaml"); err == nil {
		t.Fatal("expected error")
	}
}
