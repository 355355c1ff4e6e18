package config

// ConfigDiff describes what changed between two configs.
// Log level changes apply immediately; live and session changes apply to the
// next session; everything listed in RestartRequired needs a process restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// LiveChanged is true if any agent setting (transport, key, model, voice,
	// instructions, transcription, queue, keepalive) changed.
	LiveChanged bool

	// SessionChanged is true if any per-session behaviour changed.
	SessionChanged bool

	// RestartRequired lists the dotted keys of changed settings that only
	// take effect after a restart.
	RestartRequired []string
}

// Empty reports whether d contains no changes.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.LiveChanged && !d.SessionChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	d.LiveChanged = old.Live != new.Live
	d.SessionChanged = old.Session != new.Session

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if old.Server.LogFormat != new.Server.LogFormat {
		d.RestartRequired = append(d.RestartRequired, "server.log_format")
	}
	if old.Audio != new.Audio {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if old.Telemetry != new.Telemetry {
		d.RestartRequired = append(d.RestartRequired, "telemetry")
	}

	return d
}
