package config

import (
	"fmt"
	"time"

	"github.com/justapithecus/quill/client"
	"github.com/justapithecus/quill/sidecar"
	"github.com/justapithecus/quill/wire"
)

// Config represents a quill.yaml configuration file.
// All values are optional and act as defaults; CLI flags and
// programmatic options always override config values.
type Config struct {
	Dir      string         `yaml:"dir"`
	MinLevel string         `yaml:"min_level"`
	Sidecar  SidecarConfig  `yaml:"sidecar"`
	Producer ProducerConfig `yaml:"producer"`
}

// SidecarConfig holds persistence-side defaults from the config file.
type SidecarConfig struct {
	Path          string   `yaml:"path"`
	FlushBytes    int      `yaml:"flush_bytes"`
	FlushLines    int      `yaml:"flush_lines"`
	FlushInterval Duration `yaml:"flush_interval"`
	RotateBytes   int64    `yaml:"rotate_bytes"`
	Compress      bool     `yaml:"compress"`
}

// ProducerConfig holds producer-side defaults from the config file.
type ProducerConfig struct {
	CallTimeout   Duration `yaml:"call_timeout"`
	QueueCapacity int      `yaml:"queue_capacity"`
}

// Duration wraps time.Duration for YAML string parsing (e.g. "100ms", "4s").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "100ms" or "1m30s".
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// WriterConfig converts the sidecar section into a writer configuration,
// filling unset fields with their defaults.
func (c *Config) WriterConfig() sidecar.Config {
	wc := sidecar.Config{
		Dir:           c.Dir,
		FlushBytes:    c.Sidecar.FlushBytes,
		FlushLines:    c.Sidecar.FlushLines,
		FlushInterval: c.Sidecar.FlushInterval.Duration,
		RotateBytes:   c.Sidecar.RotateBytes,
		Compress:      c.Sidecar.Compress,
	}
	return wc.WithDefaults()
}

// CallTimeout returns the configured awaited-call timeout, or the
// dispatcher default when unset.
func (c *Config) CallTimeout() time.Duration {
	if c.Producer.CallTimeout.Duration > 0 {
		return c.Producer.CallTimeout.Duration
	}
	return client.DefaultCallTimeout
}

// QueueCapacity returns the configured write queue capacity, or the
// dispatcher default when unset.
func (c *Config) QueueCapacity() int {
	if c.Producer.QueueCapacity > 0 {
		return c.Producer.QueueCapacity
	}
	return client.DefaultQueueCapacity
}

// Level parses min_level, defaulting to INFO when unset.
func (c *Config) Level() (wire.Level, error) {
	if c.MinLevel == "" {
		return wire.LevelInfo, nil
	}
	return wire.ParseLevel(c.MinLevel)
}
