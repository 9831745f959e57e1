package config

// Diff describes what changed between two configs. Only fields that are
// safe to apply without a process restart are tracked.
type Diff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	DefaultsChanged bool
	NewDefaults     VoiceDefaults
}

// ComputeDiff compares old and new configs and reports what changed.
// Everything else in [Config] (store DSN, Redis addr, Twitch credentials,
// signing keys) requires a restart to take effect and is ignored here.
func ComputeDiff(old, new *Config) Diff {
	var d Diff

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Defaults != new.Defaults {
		d.DefaultsChanged = true
		d.NewDefaults = new.Defaults
	}

	return d
}
