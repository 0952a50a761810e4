package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

const basePersonaPath = "skyfeed/persona.toml"

// Persona describes the voice used for generated replies
type Persona struct {
	Persona       string   `toml:"persona" json:"persona"`
	ToneDo        string   `toml:"tone_do" json:"tone_do"`
	ToneDont      string   `toml:"tone_dont" json:"tone_dont"`
	Location      string   `toml:"location" json:"location"`
	SampleReplies []string `toml:"sample_replies" json:"sample_replies"`
}

func DefaultPersona() Persona {
	return Persona{
		Persona: "You are a witty social media persona.",
		ToneDo:  "Be positive, engaging, and concise.",
	}
}

// ReadPersona reads a persona override. A missing file yields the fallback.
func ReadPersona(path string, fallback Persona) (Persona, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return fallback, nil
	}
	if err != nil {
		return fallback, fmt.Errorf("failed to read persona at %s with %w", path, err)
	}

	var p Persona
	if _, err := toml.Decode(string(data), &p); err != nil {
		return fallback, fmt.Errorf("failed to decode persona at %s with %w", path, err)
	}
	return p, nil
}

// WritePersona stores a persona override next to the config
func WritePersona(path string, p Persona) error {
	blob, err := toml.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode persona with %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create persona directory with %w", err)
	}
	if err := os.WriteFile(path, blob, 0644); err != nil {
		return fmt.Errorf("failed to write persona file at '%s' with %w", path, err)
	}
	return nil
}

func DefaultPersonaPath() string {
	return filepath.Join(filepath.Dir(DefaultPath()), filepath.Base(basePersonaPath))
}
