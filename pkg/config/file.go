package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// UnmarshalYAML decodes durations from Go duration strings ("90s", "2m"),
// which yaml.v3 does not do for time.Duration on its own.
func (w *WorkerConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Count        *int    `yaml:"count"`
		Lease        *string `yaml:"lease"`
		AckInterval  *string `yaml:"ack_interval"`
		SweepHourUTC *int    `yaml:"sweep_hour_utc"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if raw.Count != nil {
		w.Count = *raw.Count
	}
	if raw.SweepHourUTC != nil {
		w.SweepHourUTC = *raw.SweepHourUTC
	}
	if raw.Lease != nil {
		d, err := time.ParseDuration(*raw.Lease)
		if err != nil {
			return fmt.Errorf("worker.lease: %w", err)
		}
		w.Lease = d
	}
	if raw.AckInterval != nil {
		d, err := time.ParseDuration(*raw.AckInterval)
		if err != nil {
			return fmt.Errorf("worker.ack_interval: %w", err)
		}
		w.AckInterval = d
	}
	return nil
}

// mergeFile overlays the YAML file at path onto the receiver. Only keys
// present in the file are touched, so the file acts as a second layer of
// defaults under the environment.
func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}
