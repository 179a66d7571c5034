package config

import "reflect"

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// SessionChanged is true when voice, system instruction, hand-off
	// timeout or the primary model changed. These apply to the next session.
	SessionChanged bool

	// LiveChanged is true when the transport list, keys or endpoints
	// changed. Transports are rebuilt for the next session.
	LiveChanged bool

	// RestartRequired names the sections whose changes are ignored until
	// the process restarts.
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.SessionChanged && !d.LiveChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Session != new.Session || old.Live.Primary.Model != new.Live.Primary.Model {
		d.SessionChanged = true
	}

	if old.Server.ListenAddr != new.Server.ListenAddr || !reflect.DeepEqual(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !liveEqualIgnoringModel(old.Live, new.Live) {
		d.LiveChanged = true
	}
	if old.Audio != new.Audio {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if old.History != new.History {
		d.RestartRequired = append(d.RestartRequired, "history")
	}
	if !reflect.DeepEqual(old.Bus, new.Bus) {
		d.RestartRequired = append(d.RestartRequired, "bus")
	}
	if old.Resilience != new.Resilience {
		d.RestartRequired = append(d.RestartRequired, "resilience")
	}
	return d
}

// liveEqualIgnoringModel compares transports; a primary model change is a
// session change, not a transport change.
func liveEqualIgnoringModel(a, b LiveConfig) bool {
	a.Primary.Model, b.Primary.Model = "", ""
	return reflect.DeepEqual(a, b)
}
