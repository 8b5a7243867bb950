// Package config provides the configuration schema, loader, watcher and
// processor registry for the call bridge.
package config

import (
	"fmt"
	"log/slog"
	"time"
)

// LogLevel controls log verbosity for the call bridge server.
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

// Level returns the slog level for l. Unknown or empty levels map to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr    = ":8080"
	DefaultChunkDuration = 500 * time.Millisecond
	DefaultProcessor     = "echo"
)

// Config is the root configuration structure for the call bridge.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Bridge     BridgeConfig     `yaml:"bridge"`
	Processor  ProcessorConfig  `yaml:"processor"`
	Resilience ResilienceConfig `yaml:"resilience"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// OriginPatterns lists browser origins allowed on the media endpoint.
	OriginPatterns []string `yaml:"origin_patterns"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// BridgeConfig tunes the audio bridge.
type BridgeConfig struct {
	// ChunkDuration is the length of audio sent to the processor per request.
	ChunkDuration time.Duration `yaml:"chunk_duration"`

	// MaxSessions caps concurrently bridged calls. Zero means unlimited.
	MaxSessions int `yaml:"max_sessions"`

	// MaxInFlight caps concurrent processing requests. Zero means unbounded.
	MaxInFlight int `yaml:"max_in_flight"`

	// ProcessingTimeout bounds each processing round trip. Zero means none.
	ProcessingTimeout time.Duration `yaml:"processing_timeout"`

	// QueueLimit caps each session's queued playback audio. Zero means unbounded.
	QueueLimit time.Duration `yaml:"queue_limit"`
}

// ProcessorConfig selects the external audio processor. Fallbacks are tried
// in order when the primary fails or its circuit breaker is open.
type ProcessorConfig struct {
	ProviderEntry `yaml:",inline"`

	Fallbacks []ProviderEntry `yaml:"fallbacks"`
}

// ProviderEntry is the configuration block of one processor implementation.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered processor (e.g., "echo", "realtime", "http").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the service, if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the service's default endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the service.
	Model string `yaml:"model"`

	// Options holds processor-specific values not covered by the standard
	// fields above.
	Options map[string]any `yaml:"options"`
}

// OptionString returns the string option key, or def when it is absent.
func (e ProviderEntry) OptionString(key, def string) string {
	if v, ok := e.Options[key].(string); ok {
		return v
	}
	return def
}

// OptionFloat returns the numeric option key, or def when it is absent.
func (e ProviderEntry) OptionFloat(key string, def float64) (float64, error) {
	v, ok := e.Options[key]
	if !ok {
		return def, nil
	}
	switch n := v.(type) {
	case int:
		return float64(n), nil
	case float64:
		return n, nil
	default:
		return 0, fmt.Errorf("config: option %s.%s: want number, got %T", e.Name, key, v)
	}
}

// OptionDuration returns the duration option key, or def when it is absent.
// Values are Go duration strings such as "250ms".
func (e ProviderEntry) OptionDuration(key string, def time.Duration) (time.Duration, error) {
	v, ok := e.Options[key]
	if !ok {
		return def, nil
	}
	s, ok := v.(string)
	if !ok {
		return 0, fmt.Errorf("config: option %s.%s: want duration string, got %T", e.Name, key, v)
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("config: option %s.%s: %w", e.Name, key, err)
	}
	return d, nil
}

// ResilienceConfig configures the circuit breaker in front of each processor.
// Zero values select the breaker's defaults.
type ResilienceConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
	HalfOpenMax  int           `yaml:"half_open_max"`
}

// ApplyDefaults fills unset fields with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Bridge.ChunkDuration == 0 {
		cfg.Bridge.ChunkDuration = DefaultChunkDuration
	}
	if cfg.Processor.Name == "" {
		cfg.Processor.Name = DefaultProcessor
	}
}
