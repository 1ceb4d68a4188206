package config

import (
	"maps"
	"slices"
)

// ConfigDiff describes what changed between two configs, at section
// granularity. The log level is singled out because it is the one setting
// applied to the running process; everything else takes effect for new
// sessions and jobs only.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	ServerChanged  bool
	AudioChanged   bool
	StreamChanged  bool
	JobsChanged    bool
	StorageChanged bool
	VoiceChanged   bool

	ProvidersChanged bool
	ProviderChanges  []ProviderDiff
}

// ProviderDiff describes what changed for a single provider entry between
// two configs. Entries are matched by name.
type ProviderDiff struct {
	Name    string
	Added   bool
	Removed bool
	Changed bool
}

// ChangedSections lists the names of changed sections, for log output.
func (d ConfigDiff) ChangedSections() []string {
	var s []string
	if d.LogLevelChanged {
		s = append(s, "log_level")
	}
	if d.ServerChanged {
		s = append(s, "server")
	}
	if d.AudioChanged {
		s = append(s, "audio")
	}
	if d.StreamChanged {
		s = append(s, "stream")
	}
	if d.JobsChanged {
		s = append(s, "jobs")
	}
	if d.StorageChanged {
		s = append(s, "storage")
	}
	if d.VoiceChanged {
		s = append(s, "voice")
	}
	if d.ProvidersChanged {
		s = append(s, "providers")
	}
	return s
}

// Any reports whether the diff contains any change at all.
func (d ConfigDiff) Any() bool {
	return len(d.ChangedSections()) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	d.ServerChanged = !serverEqual(old.Server, new.Server)
	d.AudioChanged = old.Audio != new.Audio
	d.StreamChanged = old.Stream != new.Stream
	d.JobsChanged = old.Jobs != new.Jobs
	d.StorageChanged = old.Storage != new.Storage
	d.VoiceChanged = !voiceEqual(old.Voice, new.Voice)

	// Build provider lookup maps keyed by name.
	oldProviders := make(map[string]*ProviderEntry, len(old.Providers))
	for i := range old.Providers {
		oldProviders[old.Providers[i].Name] = &old.Providers[i]
	}
	newProviders := make(map[string]*ProviderEntry, len(new.Providers))
	for i := range new.Providers {
		newProviders[new.Providers[i].Name] = &new.Providers[i]
	}

	// Detect modified and removed entries.
	for name, oldP := range oldProviders {
		newP, exists := newProviders[name]
		if !exists {
			d.ProviderChanges = append(d.ProviderChanges, ProviderDiff{Name: name, Removed: true})
			d.ProvidersChanged = true
			continue
		}
		if !providerEqual(*oldP, *newP) {
			d.ProviderChanges = append(d.ProviderChanges, ProviderDiff{Name: name, Changed: true})
			d.ProvidersChanged = true
		}
	}

	// Detect added entries.
	for name := range newProviders {
		if _, exists := oldProviders[name]; !exists {
			d.ProviderChanges = append(d.ProviderChanges, ProviderDiff{Name: name, Added: true})
			d.ProvidersChanged = true
		}
	}

	return d
}

// serverEqual compares server sections ignoring the log level, which is
// diffed separately.
func serverEqual(a, b ServerConfig) bool {
	if a.ListenAddr != b.ListenAddr ||
		a.MaxConcurrentSessions != b.MaxConcurrentSessions ||
		a.EnableVoice != b.EnableVoice {
		return false
	}
	if (a.TLS == nil) != (b.TLS == nil) {
		return false
	}
	if a.TLS != nil && *a.TLS != *b.TLS {
		return false
	}
	return true
}

func voiceEqual(a, b VoiceConfig) bool {
	return a.WakeWindowMs == b.WakeWindowMs &&
		a.BargeInRmsFactor == b.BargeInRmsFactor &&
		a.BargeInMinMs == b.BargeInMinMs &&
		slices.Equal(a.WakeWords, b.WakeWords)
}

func providerEqual(a, b ProviderEntry) bool {
	return a.Name == b.Name &&
		a.Kind == b.Kind &&
		a.URL == b.URL &&
		a.APIKey == b.APIKey &&
		a.Model == b.Model &&
		a.Language == b.Language &&
		a.SampleRate == b.SampleRate &&
		maps.Equal(a.Options, b.Options)
}
