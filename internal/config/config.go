// Package config loads the process configuration from a yaml file,
// with flag overrides applied by main.
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

// Duration accepts human-readable values like "250ms" or "5s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// QueueConfig are the tuning flags of one priority queue.
type QueueConfig struct {
	MaxSize              int    `yaml:"maxsize"`
	ItemType             string `yaml:"item_type"`
	AllowReplace         bool   `yaml:"allow_replace"`
	AllowUpdates         bool   `yaml:"allow_updates"`
	AllowPriorityUpdates bool   `yaml:"allow_priority_updates"`
}

// Organization declares one tenant queue. Queue, when set, overrides
// the defaults.
type Organization struct {
	ID    string       `yaml:"id"`
	Queue *QueueConfig `yaml:"queue"`
}

type Config struct {
	Addr          string         `yaml:"addr"`
	DB            string         `yaml:"db"`
	PollInterval  Duration       `yaml:"poll_interval"`
	StopTimeout   Duration       `yaml:"stop_timeout"`
	Queue         QueueConfig    `yaml:"queue"`
	Organizations []Organization `yaml:"organizations"`
}

func Default() Config {
	return Config{
		Addr:         ":8080",
		DB:           "scanweld.db",
		PollInterval: Duration(time.Second),
		StopTimeout:  Duration(5 * time.Second),
		Queue: QueueConfig{
			MaxSize:              1000,
			ItemType:             "scan",
			AllowReplace:         false,
			AllowUpdates:         true,
			AllowPriorityUpdates: true,
		},
	}
}

// Load reads a yaml config file on top of the defaults. Unknown keys
// are rejected. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return cfg, fmt.Errorf("validate %s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) validate() error {
	seen := make(map[string]bool)
	for _, org := range c.Organizations {
		if org.ID == "" {
			return fmt.Errorf("organization id is required")
		}
		if seen[org.ID] {
			return fmt.Errorf("duplicate organization id %q", org.ID)
		}
		seen[org.ID] = true
	}
	return nil
}

// QueueFor resolves the effective queue config for one organization.
func (c Config) QueueFor(org Organization) QueueConfig {
	if org.Queue != nil {
		return *org.Queue
	}
	return c.Queue
}
