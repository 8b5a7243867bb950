package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"slices"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// KnownProcessors lists the processor names built into the call bridge.
// Used by [Validate] to warn about unrecognised processor names.
var KnownProcessors = []string{"echo", "realtime", "http"}

// LoadEnv loads environment variables from the given .env files. Missing
// files are skipped; variables already set in the environment win.
func LoadEnv(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("config: load env %q: %w", p, err)
		}
		slog.Debug("config: loaded env file", "path", p)
	}
	return nil
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// ${VAR} references in the file are expanded from the environment first.
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

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	return parse(data)
}

func parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	b := cfg.Bridge
	if b.ChunkDuration < 0 {
		errs = append(errs, fmt.Errorf("bridge.chunk_duration %s must be positive", b.ChunkDuration))
	}
	if b.MaxSessions < 0 {
		errs = append(errs, fmt.Errorf("bridge.max_sessions %d must be >= 0", b.MaxSessions))
	}
	if b.MaxInFlight < 0 {
		errs = append(errs, fmt.Errorf("bridge.max_in_flight %d must be >= 0", b.MaxInFlight))
	}
	if b.ProcessingTimeout < 0 {
		errs = append(errs, fmt.Errorf("bridge.processing_timeout %s must be >= 0", b.ProcessingTimeout))
	}
	if b.QueueLimit < 0 {
		errs = append(errs, fmt.Errorf("bridge.queue_limit %s must be >= 0", b.QueueLimit))
	}
	if b.QueueLimit > 0 && b.QueueLimit < b.ChunkDuration {
		slog.Warn("bridge.queue_limit is shorter than one chunk; most responses will be dropped",
			"queue_limit", b.QueueLimit, "chunk_duration", b.ChunkDuration)
	}

	entries := append([]ProviderEntry{cfg.Processor.ProviderEntry}, cfg.Processor.Fallbacks...)
	for i, e := range entries {
		prefix := "processor"
		if i > 0 {
			prefix = fmt.Sprintf("processor.fallbacks[%d]", i-1)
		}
		if e.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		validateProcessorName(e.Name)
	}

	r := cfg.Resilience
	if r.MaxFailures < 0 || r.HalfOpenMax < 0 || r.ResetTimeout < 0 {
		errs = append(errs, errors.New("resilience values must be >= 0"))
	}

	return errors.Join(errs...)
}

// validateProcessorName logs a warning if name is not a built-in processor.
func validateProcessorName(name string) {
	if slices.Contains(KnownProcessors, name) {
		return
	}
	slog.Warn("unknown processor name; may be a typo or a third-party registration",
		"name", name,
		"known", KnownProcessors,
	)
}
