package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/callbridge/internal/config"
)

const fullYAML = `
server:
  listen_addr: ":9090"
  log_level: debug
  origin_patterns: ["softphone.example.com"]
bridge:
  chunk_duration: 250ms
  max_sessions: 4
  max_in_flight: 16
  processing_timeout: 5s
  queue_limit: 10s
processor:
  name: realtime
  api_key: sk-test
  model: gpt-4o-realtime-preview
  options:
    voice: alloy
  fallbacks:
    - name: http
      base_url: http://localhost:9000/process
    - name: echo
resilience:
  max_failures: 3
  reset_timeout: 10s
  half_open_max: 1
`

func TestLoadFromReader_Full(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(fullYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	if cfg.Server.ListenAddr != ":9090" || cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("server: %+v", cfg.Server)
	}
	b := cfg.Bridge
	if b.ChunkDuration != 250*time.Millisecond || b.MaxSessions != 4 || b.MaxInFlight != 16 ||
		b.ProcessingTimeout != 5*time.Second || b.QueueLimit != 10*time.Second {
		t.Errorf("bridge: %+v", b)
	}
	if cfg.Processor.Name != "realtime" || cfg.Processor.APIKey != "sk-test" {
		t.Errorf("processor: %+v", cfg.Processor.ProviderEntry)
	}
	if got := cfg.Processor.OptionString("voice", ""); got != "alloy" {
		t.Errorf("voice option: got %q", got)
	}
	if len(cfg.Processor.Fallbacks) != 2 || cfg.Processor.Fallbacks[0].Name != "http" {
		t.Errorf("fallbacks: %+v", cfg.Processor.Fallbacks)
	}
	if cfg.Resilience.MaxFailures != 3 || cfg.Resilience.ResetTimeout != 10*time.Second {
		t.Errorf("resilience: %+v", cfg.Resilience)
	}
}

func TestLoadFromReader_Defaults(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Server.ListenAddr != config.DefaultListenAddr {
		t.Errorf("listen_addr: got %q", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log_level: got %q", cfg.Server.LogLevel)
	}
	if cfg.Bridge.ChunkDuration != config.DefaultChunkDuration {
		t.Errorf("chunk_duration: got %s", cfg.Bridge.ChunkDuration)
	}
	if cfg.Processor.Name != config.DefaultProcessor {
		t.Errorf("processor: got %q", cfg.Processor.Name)
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("bridge:\n  chunk_size: 4000\n"))
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestValidate_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"log level", "server:\n  log_level: loud\n", "log_level"},
		{"tls half", "server:\n  tls:\n    cert_file: a.pem\n", "tls"},
		{"negative chunk", "bridge:\n  chunk_duration: -1s\n", "chunk_duration"},
		{"negative sessions", "bridge:\n  max_sessions: -1\n", "max_sessions"},
		{"negative in flight", "bridge:\n  max_in_flight: -2\n", "max_in_flight"},
		{"negative timeout", "bridge:\n  processing_timeout: -1s\n", "processing_timeout"},
		{"negative queue", "bridge:\n  queue_limit: -1s\n", "queue_limit"},
		{"unnamed fallback", "processor:\n  name: echo\n  fallbacks:\n    - model: x\n", "fallbacks[0].name"},
		{"resilience", "resilience:\n  max_failures: -1\n", "resilience"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tt.yaml))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q should mention %q", err, tt.want)
			}
		})
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("server:\n  log_level: loud\nbridge:\n  max_sessions: -1\n"))
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"log_level", "max_sessions"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q should mention %q", err, want)
		}
	}
}

func TestLoad_ExpandsEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "callbridge.yaml")
	writeFile(t, path, "processor:\n  name: realtime\n  api_key: ${CALLBRIDGE_TEST_KEY}\n")
	t.Setenv("CALLBRIDGE_TEST_KEY", "sk-from-env")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Processor.APIKey != "sk-from-env" {
		t.Errorf("api_key: got %q, want sk-from-env", cfg.Processor.APIKey)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	if _, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadEnv(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	writeFile(t, envPath, "CALLBRIDGE_ENV_A=from-file\nCALLBRIDGE_ENV_B=from-file\n")
	t.Setenv("CALLBRIDGE_ENV_B", "from-process")
	t.Cleanup(func() { os.Unsetenv("CALLBRIDGE_ENV_A") })

	if err := config.LoadEnv(filepath.Join(dir, "absent.env"), envPath); err != nil {
		t.Fatalf("LoadEnv: %v", err)
	}
	if got := os.Getenv("CALLBRIDGE_ENV_A"); got != "from-file" {
		t.Errorf("A: got %q, want from-file", got)
	}
	if got := os.Getenv("CALLBRIDGE_ENV_B"); got != "from-process" {
		t.Errorf("B: got %q, want from-process (environment wins)", got)
	}
}
