// Package environment loads environment definitions from YAML and switches
// the atmosphere between them.
package environment

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/italolelis/ambiance/internal/atmosphere"
)

// DefaultVolume is used for mix entries and user loops without a volume.
const DefaultVolume = 70

// Environment is one YAML environment definition.
type Environment struct {
	Name        string   `yaml:"name" json:"name"`
	Category    string   `yaml:"category" json:"category"`
	Description string   `yaml:"description,omitempty" json:"description,omitempty"`
	Metadata    Metadata `yaml:"metadata,omitempty" json:"metadata"`
	Engines     Engines  `yaml:"engines" json:"engines"`

	// File is the path the definition was read from.
	File string `yaml:"-" json:"file"`
}

type Metadata struct {
	Tags      []string `yaml:"tags,omitempty" json:"tags,omitempty"`
	Intensity string   `yaml:"intensity,omitempty" json:"intensity,omitempty"`
}

type Engines struct {
	Atmosphere *Atmosphere `yaml:"atmosphere,omitempty" json:"atmosphere,omitempty"`
}

// Atmosphere is the layered sound mix of an environment.
type Atmosphere struct {
	Enabled bool       `yaml:"enabled" json:"enabled"`
	Mix     []SoundMix `yaml:"mix" json:"mix"`
}

func (a *Atmosphere) UnmarshalYAML(value *yaml.Node) error {
	type plain Atmosphere

	raw := plain{Enabled: true}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	*a = Atmosphere(raw)

	return nil
}

// SoundMix is one sound of an atmosphere mix. Durations are in seconds.
type SoundMix struct {
	URL          string     `yaml:"url" json:"url"`
	Volume       int        `yaml:"volume" json:"volume"`
	Name         string     `yaml:"name,omitempty" json:"name,omitempty"`
	Optional     bool       `yaml:"optional,omitempty" json:"optional,omitempty"`
	Probability  *float64   `yaml:"probability,omitempty" json:"probability,omitempty"`
	MaxDuration  int        `yaml:"max_duration,omitempty" json:"max_duration,omitempty"`
	FadeDuration int        `yaml:"fade_duration,omitempty" json:"fade_duration,omitempty"`
	Pool         string     `yaml:"pool,omitempty" json:"pool,omitempty"`
	Retrigger    *Retrigger `yaml:"retrigger,omitempty" json:"retrigger,omitempty"`
}

func (m *SoundMix) UnmarshalYAML(value *yaml.Node) error {
	type plain SoundMix

	raw := plain{Volume: DefaultVolume}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	*m = SoundMix(raw)

	return nil
}

// Sound converts the entry into a looping atmosphere sound.
func (m SoundMix) Sound() atmosphere.Sound {
	return atmosphere.Sound{
		Source:       m.URL,
		Volume:       float64(m.Volume),
		Loop:         true,
		MaxDuration:  time.Duration(m.MaxDuration) * time.Second,
		FadeDuration: time.Duration(m.FadeDuration) * time.Second,
	}
}

// Chance is the probability the entry is played when an environment starts.
func (m SoundMix) Chance() float64 {
	if !m.Optional {
		return 1
	}

	if m.Probability == nil {
		return 0.5
	}

	return *m.Probability
}

// Retrigger plays a one-shot sound repeatedly with random gaps.
type Retrigger struct {
	MinDelay       int `yaml:"min_delay" json:"min_delay"`
	MaxDelay       int `yaml:"max_delay" json:"max_delay"`
	VolumeVariance int `yaml:"volume_variance" json:"volume_variance"`
}

func (r *Retrigger) UnmarshalYAML(value *yaml.Node) error {
	type plain Retrigger

	raw := plain{VolumeVariance: int(atmosphere.DefaultVolumeVariance)}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	*r = Retrigger(raw)

	return nil
}

func (r Retrigger) Config() atmosphere.RetriggerConfig {
	return atmosphere.RetriggerConfig{
		MinDelay:       time.Duration(r.MinDelay) * time.Second,
		MaxDelay:       time.Duration(r.MaxDelay) * time.Second,
		VolumeVariance: float64(r.VolumeVariance),
	}
}

// AtmosphereEnabled reports whether the environment has a mix to play.
func (e *Environment) AtmosphereEnabled() bool {
	return e.Engines.Atmosphere != nil && e.Engines.Atmosphere.Enabled
}

// Sources lists the distinct URLs of the mix in order of appearance.
func (e *Environment) Sources() []string {
	if !e.AtmosphereEnabled() {
		return nil
	}

	seen := make(map[string]bool)

	var out []string

	for _, m := range e.Engines.Atmosphere.Mix {
		if !seen[m.URL] {
			seen[m.URL] = true
			out = append(out, m.URL)
		}
	}

	return out
}

// ValidationError describes a field that failed validation.
type ValidationError struct {
	File   string
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.File != "" {
		return fmt.Sprintf("invalid environment %s: %s: %s", e.File, e.Field, e.Reason)
	}

	return fmt.Sprintf("invalid environment: %s: %s", e.Field, e.Reason)
}

// Validate checks the definition for values the engine cannot play.
func (e *Environment) Validate() error {
	invalid := func(field, reason string) error {
		return &ValidationError{File: e.File, Field: field, Reason: reason}
	}

	if e.Name == "" {
		return invalid("name", "cannot be empty")
	}

	if e.Category == "" {
		return invalid("category", "cannot be empty")
	}

	if e.Engines.Atmosphere == nil {
		return nil
	}

	for i, m := range e.Engines.Atmosphere.Mix {
		field := fmt.Sprintf("engines.atmosphere.mix[%d]", i)

		switch {
		case m.URL == "":
			return invalid(field+".url", "cannot be empty")
		case m.Volume < 0 || m.Volume > 100:
			return invalid(field+".volume", "must be between 0 and 100")
		case m.MaxDuration < 0 || m.FadeDuration < 0:
			return invalid(field, "durations cannot be negative")
		case m.Probability != nil && (*m.Probability < 0 || *m.Probability > 1):
			return invalid(field+".probability", "must be between 0 and 1")
		case m.Pool != "" && m.Retrigger != nil:
			return invalid(field, "pool and retrigger cannot be combined")
		}

		if r := m.Retrigger; r != nil {
			if r.MinDelay < 0 || r.MaxDelay < r.MinDelay {
				return invalid(field+".retrigger", "min_delay must be between 0 and max_delay")
			}

			if r.VolumeVariance < 0 || r.VolumeVariance > 100 {
				return invalid(field+".retrigger.volume_variance", "must be between 0 and 100")
			}
		}
	}

	return nil
}
