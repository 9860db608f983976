package config

import "time"

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	// Sections lists the top-level keys whose values differ, in schema order.
	Sections []string

	LogLevelChanged bool
	NewLogLevel     LogLevel

	ThrottleChanged bool
	NewThrottle     time.Duration
}

// Reloadable reports whether every change can be applied without a
// restart. Only the log level and the generation throttle are applied live.
func Reloadable(old, new *Config) bool {
	a, b := *old, *new
	a.Server.LogLevel, b.Server.LogLevel = "", ""
	a.Coordinator.Throttle, b.Coordinator.Throttle = 0, 0
	return a == b
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	var d ConfigDiff

	sections := []struct {
		name    string
		changed bool
	}{
		{"server", old.Server != new.Server},
		{"backend", old.Backend != new.Backend},
		{"user", old.User != new.User},
		{"audio", old.Audio != new.Audio},
		{"session", old.Session != new.Session},
		{"coordinator", old.Coordinator != new.Coordinator},
		{"dedup", old.Dedup != new.Dedup},
		{"reconnect", old.Reconnect != new.Reconnect},
	}
	for _, s := range sections {
		if s.changed {
			d.Sections = append(d.Sections, s.name)
		}
	}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Coordinator.Throttle != new.Coordinator.Throttle {
		d.ThrottleChanged = true
		d.NewThrottle = new.Coordinator.Throttle
	}
	return d
}
