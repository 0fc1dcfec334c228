package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a encoding-friendly time.Duration. It is written as a Go
// duration string ("25s"); a bare integer is read as seconds, as in
// wg-quick configuration.
type Duration time.Duration

func (d *Duration) set(raw string) error {
	if n, err := strconv.ParseUint(raw, 10, 32); err == nil {
		*d = Duration(time.Duration(n) * time.Second)
		return nil
	}
	d2, err := time.ParseDuration(raw)
	if err != nil {
		return err
	}
	*d = Duration(d2)
	return nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw any
	err := json.Unmarshal(data, &raw)
	if err != nil {
		return err
	}
	switch raw := raw.(type) {
	case string:
		return d.set(raw)
	case float64:
		*d = Duration(time.Duration(raw) * time.Second)
		return nil
	default:
		return fmt.Errorf("duration must be a string or a number of seconds, got %T", raw)
	}
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", value.Line)
	}
	if err := d.set(value.Value); err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}
