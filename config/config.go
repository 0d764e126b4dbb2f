// Copyright 2023 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads runtime settings from a TOML or YAML file.
//
// Settings are read once, at startup, and converted into the explicit
// configuration values that each component takes at construction time.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/bufbuild/rpclb/health"
	"github.com/bufbuild/rpclb/selector"
	"gopkg.in/yaml.v3"
)

// Format is a configuration file format.
type Format string

const (
	FormatTOML Format = "toml"
	FormatYAML Format = "yaml"
)

// Config is the root of the configuration file.
type Config struct {
	Health    HealthConfig    `toml:"health" yaml:"health"`
	Transport TransportConfig `toml:"transport" yaml:"transport"`
	Selector  SelectorConfig  `toml:"selector" yaml:"selector"`
	Registry  RegistryConfig  `toml:"registry" yaml:"registry"`
	Log       LogConfig       `toml:"log" yaml:"log"`
}

// HealthConfig configures the health monitor. Zero values select the
// monitor's defaults.
type HealthConfig struct {
	SweepInterval      Duration `toml:"sweep_interval" yaml:"sweep_interval"`
	ProbeTimeout       Duration `toml:"probe_timeout" yaml:"probe_timeout"`
	UnhealthyThreshold int      `toml:"unhealthy_threshold" yaml:"unhealthy_threshold"`
	TimeoutThreshold   int      `toml:"timeout_threshold" yaml:"timeout_threshold"`
	SweepConcurrency   int      `toml:"sweep_concurrency" yaml:"sweep_concurrency"`
}

// Monitor returns the health monitor configuration.
func (h HealthConfig) Monitor() health.Config {
	return health.Config{
		SweepInterval:      h.SweepInterval.Duration,
		ProbeTimeout:       h.ProbeTimeout.Duration,
		UnhealthyThreshold: h.UnhealthyThreshold,
		TimeoutThreshold:   h.TimeoutThreshold,
		SweepConcurrency:   h.SweepConcurrency,
	}
}

// TransportConfig configures connections and calls.
type TransportConfig struct {
	ConnectTimeout     Duration `toml:"connect_timeout" yaml:"connect_timeout"`
	RequestTimeout     Duration `toml:"request_timeout" yaml:"request_timeout"`
	IdleTimeout        Duration `toml:"idle_timeout" yaml:"idle_timeout"`
	WriteTimeout       Duration `toml:"write_timeout" yaml:"write_timeout"`
	MaxFrameSize       int      `toml:"max_frame_size" yaml:"max_frame_size"`
	DisableDiagnostics bool     `toml:"disable_diagnostics" yaml:"disable_diagnostics"`
}

// SelectorConfig configures address selection.
type SelectorConfig struct {
	Policy string `toml:"policy" yaml:"policy"`
}

// RegistryConfig locates the route registry.
type RegistryConfig struct {
	// RedisURL is expanded with environment variables, so that credentials
	// can be kept out of the file.
	RedisURL string `toml:"redis_url" yaml:"redis_url"`
	Prefix   string `toml:"prefix" yaml:"prefix"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `toml:"level" yaml:"level"`
}

// Duration is a time.Duration written as a string such as "15s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", value.Line)
	}
	if err := d.UnmarshalText([]byte(value.Value)); err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	return nil
}

// Load reads the file at path, which is first expanded with environment
// variables. The format is chosen by extension: ".yaml" and ".yml" are YAML,
// anything else is TOML.
func Load(path string) (*Config, error) {
	path = os.ExpandEnv(path)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	format := FormatTOML
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		format = FormatYAML
	}
	cfg, err := Parse(data, format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes and validates configuration data.
func Parse(data []byte, format Format) (*Config, error) {
	var cfg Config
	switch format {
	case FormatTOML:
		meta, err := toml.NewDecoder(bytes.NewReader(data)).Decode(&cfg)
		if err != nil {
			return nil, fmt.Errorf("parse toml: %w", err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, key := range undecoded {
				keys[i] = key.String()
			}
			return nil, fmt.Errorf("parse toml: unknown keys %s", strings.Join(keys, ", "))
		}
	case FormatYAML:
		decoder := yaml.NewDecoder(bytes.NewReader(data))
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown config format %q", format)
	}
	cfg.Registry.RedisURL = os.ExpandEnv(cfg.Registry.RedisURL)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports settings that no component accepts.
func (c *Config) Validate() error {
	var errs []error
	for name, value := range map[string]time.Duration{
		"health.sweep_interval":     c.Health.SweepInterval.Duration,
		"health.probe_timeout":      c.Health.ProbeTimeout.Duration,
		"transport.connect_timeout": c.Transport.ConnectTimeout.Duration,
		"transport.request_timeout": c.Transport.RequestTimeout.Duration,
		"transport.idle_timeout":    c.Transport.IdleTimeout.Duration,
		"transport.write_timeout":   c.Transport.WriteTimeout.Duration,
	} {
		if value < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}
	for name, value := range map[string]int{
		"health.unhealthy_threshold": c.Health.UnhealthyThreshold,
		"health.timeout_threshold":   c.Health.TimeoutThreshold,
		"health.sweep_concurrency":   c.Health.SweepConcurrency,
		"transport.max_frame_size":   c.Transport.MaxFrameSize,
	} {
		if value < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}
	if _, err := selector.ParsePolicy(c.Selector.Policy); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ParsedPolicy returns the configured selector policy. Invalid names,
// which Validate rejects, fall back to fair polling.
func (s SelectorConfig) ParsedPolicy() selector.Policy {
	policy, err := selector.ParsePolicy(s.Policy)
	if err != nil {
		return selector.PolicyFairPolling
	}
	return policy
}
