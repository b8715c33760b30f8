package config

// ConfigDiff describes what changed between two configs. Only the log level
// is applied at runtime; every other change is reported for a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RestartRequired lists the top-level sections whose changes only take
	// effect after a restart.
	RestartRequired []string
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if old.Transport != new.Transport {
		d.RestartRequired = append(d.RestartRequired, "transport")
	}
	if old.Audio != new.Audio || old.VAD != new.VAD {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if old.Quota != new.Quota {
		d.RestartRequired = append(d.RestartRequired, "quota")
	}
	if old.Ledger != new.Ledger {
		d.RestartRequired = append(d.RestartRequired, "ledger")
	}
	if old.Summary != new.Summary {
		d.RestartRequired = append(d.RestartRequired, "summary")
	}
	return d
}
