package config

import (
	"github.com/medilearn/livevoice/internal/transcript"
	"github.com/medilearn/livevoice/pkg/provider/s2s"
)

// DefaultPersonaName is used when neither the config nor the caller names a
// persona.
const DefaultPersonaName = "assistant"

// DefaultPersonas returns the built-in personas. A configured persona with
// the same name replaces the built-in one.
func DefaultPersonas() []PersonaConfig {
	return []PersonaConfig{
		{
			Name:                "assistant",
			Label:               "Gemini",
			Voice:               "Zephyr",
			Instructions:        "You are a friendly, concise, and helpful voice assistant. Keep answers brief for voice interaction.",
			InputTranscription:  true,
			OutputTranscription: true,
		},
		{
			Name:  "consultant",
			Label: "Mentor",
			Voice: "Charon",
			Instructions: `You are Senior Consultant Zephyr. Conduct a "Ward Round" style interaction. ` +
				`Present a clinical finding and ask the student for the likely diagnosis or next diagnostic step. ` +
				`Be professional, slightly challenging, but encouraging. Use Socratic questioning.`,
			InputTranscription:  true,
			OutputTranscription: true,
		},
	}
}

// AllPersonas returns the built-in personas overlaid with the configured
// ones, built-ins first, then new configured personas in file order.
func (c *Config) AllPersonas() []PersonaConfig {
	out := DefaultPersonas()
	index := make(map[string]int, len(out))
	for i, p := range out {
		index[p.Name] = i
	}
	for _, p := range c.Personas {
		if i, ok := index[p.Name]; ok {
			out[i] = p
			continue
		}
		index[p.Name] = len(out)
		out = append(out, p)
	}
	return out
}

// Persona looks up a persona by name. An empty name selects
// [Config.DefaultPersona], falling back to [DefaultPersonaName].
func (c *Config) Persona(name string) (PersonaConfig, bool) {
	if name == "" {
		name = c.DefaultPersona
	}
	if name == "" {
		name = DefaultPersonaName
	}
	for _, p := range c.AllPersonas() {
		if p.Name == name {
			return p, true
		}
	}
	return PersonaConfig{}, false
}

// SessionConfig converts p into the setup message of a new session.
func (p PersonaConfig) SessionConfig() s2s.SessionConfig {
	return s2s.SessionConfig{
		Voice:               s2s.VoiceProfile{ID: p.Voice, Name: p.Voice},
		Instructions:        p.Instructions,
		InputTranscription:  p.InputTranscription,
		OutputTranscription: p.OutputTranscription,
	}
}

// Labels returns the console labels for a session using p.
func (p PersonaConfig) Labels() transcript.Labels {
	return transcript.Labels{Caller: transcript.DefaultLabels.Caller, Remote: p.Label}
}
