package config

import (
	"reflect"
	"time"
)

// ConfigDiff describes what changed between two configs.
// Hot-reloadable fields carry their new value; everything else that changed
// is listed in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	ChunkDurationChanged bool
	NewChunkDuration     time.Duration

	MaxSessionsChanged bool
	NewMaxSessions     int

	// RestartRequired names changed sections that only take effect after a
	// restart.
	RestartRequired []string
}

// Changed reports whether anything differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.ChunkDurationChanged || d.MaxSessionsChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Bridge.ChunkDuration != new.Bridge.ChunkDuration {
		d.ChunkDurationChanged = true
		d.NewChunkDuration = new.Bridge.ChunkDuration
	}
	if old.Bridge.MaxSessions != new.Bridge.MaxSessions {
		d.MaxSessionsChanged = true
		d.NewMaxSessions = new.Bridge.MaxSessions
	}

	if old.Server.ListenAddr != new.Server.ListenAddr ||
		!reflect.DeepEqual(old.Server.TLS, new.Server.TLS) ||
		!reflect.DeepEqual(old.Server.OriginPatterns, new.Server.OriginPatterns) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if old.Bridge.MaxInFlight != new.Bridge.MaxInFlight ||
		old.Bridge.ProcessingTimeout != new.Bridge.ProcessingTimeout ||
		old.Bridge.QueueLimit != new.Bridge.QueueLimit {
		d.RestartRequired = append(d.RestartRequired, "bridge")
	}
	if !reflect.DeepEqual(old.Processor, new.Processor) {
		d.RestartRequired = append(d.RestartRequired, "processor")
	}
	if old.Resilience != new.Resilience {
		d.RestartRequired = append(d.RestartRequired, "resilience")
	}
	return d
}
