package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from yaml strings like
// "5m" or "30s", or from bare integers interpreted as seconds.
type Duration time.Duration

// D converts to the standard library type.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var asInt int64
	if err := node.Decode(&asInt); err == nil {
		*d = Duration(time.Duration(asInt) * time.Second)
		return nil
	}
	var asStr string
	if err := node.Decode(&asStr); err != nil {
		return fmt.Errorf("duration must be a string or integer seconds: %w", err)
	}
	parsed, err := time.ParseDuration(asStr)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", asStr, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}
