package config

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Mode is the severity applied when a dependency check finds a violation.
type Mode string

const (
	ModeWarn  Mode = "warn"
	ModeFatal Mode = "fatal"
)

// Strictness is an optional dependency-check mode. The zero value means the
// check is disabled. YAML accepts "off" (or an empty value) for the disabled
// state; the legacy sentinel never appears in the model.
type Strictness struct {
	Enabled bool
	Mode    Mode
}

// Warn returns an enabled Strictness in warn mode.
func Warn() Strictness { return Strictness{Enabled: true, Mode: ModeWarn} }

// Fatal returns an enabled Strictness in fatal mode.
func Fatal() Strictness { return Strictness{Enabled: true, Mode: ModeFatal} }

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *Strictness) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	switch raw {
	case "", "off":
		*s = Strictness{}
	case string(ModeWarn):
		*s = Warn()
	case string(ModeFatal):
		*s = Fatal()
	default:
		return fmt.Errorf("invalid strictness %q (want off, warn or fatal)", raw)
	}
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (s Strictness) MarshalYAML() (any, error) {
	if !s.Enabled {
		return "off", nil
	}
	return string(s.Mode), nil
}

func (s Strictness) String() string {
	if !s.Enabled {
		return "off"
	}
	return string(s.Mode)
}
