package config

import "reflect"

// ConfigDiff describes what changed between two configs.
// Hot-reloadable sections are reported individually; changes anywhere else
// are listed in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RouterChanged is set when routing options or persona overrides
	// changed; both require a new router.
	RouterChanged    bool
	ProfileChanged   bool
	RetrievalChanged bool
	ChunkingChanged  bool

	// RestartRequired names the changed sections that only take effect
	// after a restart.
	RestartRequired []string
}

// IsZero reports whether nothing changed.
func (d ConfigDiff) IsZero() bool {
	return !d.LogLevelChanged && !d.RouterChanged && !d.ProfileChanged &&
		!d.RetrievalChanged && !d.ChunkingChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	d.RouterChanged = old.Router != new.Router || !reflect.DeepEqual(old.Personas, new.Personas)
	d.ProfileChanged = !reflect.DeepEqual(old.Profile, new.Profile)
	d.RetrievalChanged = old.Retrieval != new.Retrieval
	d.ChunkingChanged = old.Chunking != new.Chunking

	oldSrv, newSrv := old.Server, new.Server
	oldSrv.LogLevel, newSrv.LogLevel = "", ""
	restart := []struct {
		name    string
		changed bool
	}{
		{"server", !reflect.DeepEqual(oldSrv, newSrv)},
		{"providers", !reflect.DeepEqual(old.Providers, new.Providers)},
		{"memory", old.Memory != new.Memory},
		{"session", old.Session != new.Session},
		{"timeouts", old.Timeouts != new.Timeouts},
	}
	for _, r := range restart {
		if r.changed {
			d.RestartRequired = append(d.RestartRequired, r.name)
		}
	}
	return d
}
