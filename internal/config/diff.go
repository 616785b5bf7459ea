package config

import (
	"cmp"
	"maps"
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs.
// Only log level and persona changes are applied without restart; every
// other changed section is listed in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	PersonasChanged bool          // true if any persona was added, removed or edited
	PersonaChanges  []PersonaDiff // sorted by name

	DefaultPersonaChanged bool
	NewDefaultPersona     string

	// RestartRequired names top-level sections that changed but only take
	// effect after a restart, e.g. "provider" or "audio".
	RestartRequired []string
}

// Empty reports whether d carries no change at all.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.PersonasChanged && !d.DefaultPersonaChanged && len(d.RestartRequired) == 0
}

// HotReloadable reports whether d has changes that apply to the next session
// attempt without a restart.
func (d ConfigDiff) HotReloadable() bool {
	return d.LogLevelChanged || d.PersonasChanged || d.DefaultPersonaChanged
}

// PersonaDiff describes what changed for a single persona.
type PersonaDiff struct {
	Name                 string
	Added                bool
	Removed              bool
	VoiceChanged         bool
	LabelChanged         bool
	InstructionsChanged  bool
	TranscriptionChanged bool
}

// Diff compares old and new configs and returns what changed. Personas are
// compared after merging with the built-in defaults.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.DefaultPersona != new.DefaultPersona {
		d.DefaultPersonaChanged = true
		d.NewDefaultPersona = new.DefaultPersona
	}

	oldP := personaMap(old)
	newP := personaMap(new)
	for _, name := range slices.Sorted(maps.Keys(oldP)) {
		o := oldP[name]
		n, ok := newP[name]
		if !ok {
			d.PersonaChanges = append(d.PersonaChanges, PersonaDiff{Name: name, Removed: true})
			continue
		}
		pd := PersonaDiff{
			Name:                 name,
			VoiceChanged:         o.Voice != n.Voice,
			LabelChanged:         o.Label != n.Label,
			InstructionsChanged:  o.Instructions != n.Instructions,
			TranscriptionChanged: o.InputTranscription != n.InputTranscription || o.OutputTranscription != n.OutputTranscription,
		}
		if pd.VoiceChanged || pd.LabelChanged || pd.InstructionsChanged || pd.TranscriptionChanged {
			d.PersonaChanges = append(d.PersonaChanges, pd)
		}
	}
	for _, name := range slices.Sorted(maps.Keys(newP)) {
		if _, ok := oldP[name]; !ok {
			d.PersonaChanges = append(d.PersonaChanges, PersonaDiff{Name: name, Added: true})
		}
	}
	slices.SortStableFunc(d.PersonaChanges, func(a, b PersonaDiff) int {
		return cmp.Compare(a.Name, b.Name)
	})
	d.PersonasChanged = len(d.PersonaChanges) > 0

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if !reflect.DeepEqual(old.Provider, new.Provider) {
		d.RestartRequired = append(d.RestartRequired, "provider")
	}
	if !reflect.DeepEqual(old.Audio, new.Audio) {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if old.Storage != new.Storage {
		d.RestartRequired = append(d.RestartRequired, "storage")
	}
	if !reflect.DeepEqual(old.Resilience, new.Resilience) {
		d.RestartRequired = append(d.RestartRequired, "resilience")
	}
	return d
}

func personaMap(c *Config) map[string]PersonaConfig {
	all := c.AllPersonas()
	m := make(map[string]PersonaConfig, len(all))
	for _, p := range all {
		m[p.Name] = p
	}
	return m
}
