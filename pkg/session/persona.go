// Package session assembles the per-peer conversation pipeline and owns its
// lifecycle: the element graph, the turn controller, the metrics observer and
// the data-channel feed all hang off one Session.
package session

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Persona is the assistant's character, loaded from a JSON file or built in.
type Persona struct {
	// Name is the spoken name the assistant answers to. The gate classifier
	// treats mentions of it as addressing.
	Name string `json:"name"`

	// SystemPrompt is the base system message for every completion.
	SystemPrompt string `json:"system_prompt"`

	// Greeting, when set, is run as a hidden first turn after the peer
	// connects so the assistant introduces itself.
	Greeting string `json:"greeting,omitempty"`
}

// DefaultPersona is the built-in character used when no file is configured.
func DefaultPersona() Persona {
	return Persona{
		Name: "TARS",
		SystemPrompt: "You are TARS, a witty and helpful voice assistant. " +
			"You hear the user through speech recognition and your replies are " +
			"spoken aloud, so keep them short, conversational and free of " +
			"markup. One or two sentences is almost always enough.",
		Greeting: "Briefly greet the user and offer to help.",
	}
}

// LoadPersona reads a character file. An empty path yields the default
// persona; a missing or malformed file is an error so a typo in the config
// does not silently fall back.
func LoadPersona(path string) (Persona, error) {
	if path == "" {
		return DefaultPersona(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Persona{}, fmt.Errorf("read persona file: %w", err)
	}
	var p Persona
	if err := json.Unmarshal(data, &p); err != nil {
		return Persona{}, fmt.Errorf("parse persona file %s: %w", path, err)
	}
	if strings.TrimSpace(p.SystemPrompt) == "" {
		return Persona{}, fmt.Errorf("persona file %s: system_prompt is empty", path)
	}
	if p.Name == "" {
		p.Name = DefaultPersona().Name
	}
	return p, nil
}
