package config

import "fmt"

// ConfigDiff describes what changed between two configs.
// Only fields relevant to hot-reload decisions are tracked.
type ConfigDiff struct {
	// LogLevelChanged is true when server.log_level changed; the new level is
	// safe to apply without restart.
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// TurnChanged is true when any turn-taking knob changed; the new values
	// are safe to apply to future speak calls.
	TurnChanged bool
	NewTurn     TurnConfig

	// VADChanged is true when a segmentation threshold changed. The running
	// capture worker keeps its thresholds; a restart is required.
	VADChanged bool

	// ProvidersChanged is true when a provider selection changed. Requires a
	// restart.
	ProvidersChanged bool
}

// Any reports whether the diff contains any tracked change.
func (d ConfigDiff) Any() bool {
	return d.LogLevelChanged || d.TurnChanged || d.VADChanged || d.ProvidersChanged
}

// RestartRequired reports whether some change cannot be applied to the
// running process.
func (d ConfigDiff) RestartRequired() bool {
	return d.VADChanged || d.ProvidersChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Turn != new.Turn {
		d.TurnChanged = true
		d.NewTurn = new.Turn
	}

	if old.VAD != new.VAD {
		d.VADChanged = true
	}

	if !providerEntryEqual(old.Providers.STT, new.Providers.STT) ||
		!providerEntryEqual(old.Providers.TTS, new.Providers.TTS) ||
		!providerEntryEqual(old.Providers.VAD, new.Providers.VAD) {
		d.ProvidersChanged = true
	}

	return d
}

// providerEntryEqual compares the scalar fields of two entries. Options maps
// are compared shallowly by length and string form of values.
func providerEntryEqual(a, b ProviderEntry) bool {
	if a.Name != b.Name || a.APIKey != b.APIKey || a.BaseURL != b.BaseURL || a.Model != b.Model {
		return false
	}
	if len(a.Options) != len(b.Options) {
		return false
	}
	for k, av := range a.Options {
		bv, ok := b.Options[k]
		if !ok || fmt.Sprint(av) != fmt.Sprint(bv) {
			return false
		}
	}
	return true
}
