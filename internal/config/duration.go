package config

import (
	"fmt"
	"time"
)

// Duration is time.Duration with YAML scalar support ("30s", "5m") instead
// of yaml.v3's default integer-nanoseconds encoding, matching how operators
// actually write these fields in the config document.
type Duration time.Duration

// Std returns the underlying time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// UnmarshalYAML accepts either a duration string ("30s") or a bare integer
// number of nanoseconds, for compatibility with programmatically generated
// documents.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw interface{}
	if err := unmarshal(&raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
	case int:
		*d = Duration(time.Duration(v))
	case int64:
		*d = Duration(time.Duration(v))
	default:
		return fmt.Errorf("config: invalid duration value %v", raw)
	}
	return nil
}

// MarshalYAML renders the duration in its human-readable string form.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}
