// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package config loads the bmsrelay YAML configuration file.
package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Thermoquad/bmsrelay/internal/logging"
	"github.com/Thermoquad/bmsrelay/pkg/relay"
	"gopkg.in/yaml.v3"
)

// Defaults
const (
	DefaultBaud         = 115200
	DefaultPollInterval = 2 * time.Millisecond
)

type Config struct {
	Source  Endpoint      `yaml:"source"`
	Sink    Endpoint      `yaml:"sink"`
	Relay   RelayConfig   `yaml:"relay"`
	Capture CaptureConfig `yaml:"capture"`
	Log     LogConfig     `yaml:"log"`
}

// Endpoint is either a serial port or a websocket URL
type Endpoint struct {
	Port        string `yaml:"port"`
	Baud        int    `yaml:"baud"`
	URL         string `yaml:"url"`
	Username    string `yaml:"username"`
	NoSSLVerify bool   `yaml:"no_ssl_verify"`
}

type RelayConfig struct {
	Replay       bool          `yaml:"replay"`
	PollInterval time.Duration `yaml:"poll_interval"`

	// Deadlines overrides replay deadlines by packet type. Keys are type
	// numbers ("0x05" or "5"); values are durations or "never".
	Deadlines map[string]string `yaml:"deadlines"`
}

type CaptureConfig struct {
	Path string `yaml:"path"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns the configuration used when no file is given
func Default() Config {
	return Config{
		Source: Endpoint{Baud: DefaultBaud},
		Sink:   Endpoint{Baud: DefaultBaud},
		Relay: RelayConfig{
			Replay:       true,
			PollInterval: DefaultPollInterval,
		},
	}
}

// Load reads path on top of Default and validates the result.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(b)
}

// Parse decodes YAML on top of Default and validates the result.
func Parse(b []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks field values and fills zero values with defaults.
// Endpoints may be empty here; commands check for the ones they need.
func (c *Config) Validate() error {
	if err := c.Source.validate("source"); err != nil {
		return err
	}
	if err := c.Sink.validate("sink"); err != nil {
		return err
	}

	if c.Relay.PollInterval < 0 {
		return fmt.Errorf("relay.poll_interval must be >= 0")
	}
	if c.Relay.PollInterval == 0 {
		c.Relay.PollInterval = DefaultPollInterval
	}
	if _, err := c.ReplayPolicy(); err != nil {
		return err
	}

	if c.Log.Level != "" {
		if _, err := logging.ParseLevel(c.Log.Level); err != nil {
			return fmt.Errorf("log.level: %w", err)
		}
	}
	return nil
}

func (e *Endpoint) validate(name string) error {
	if e.Port != "" && e.URL != "" {
		return fmt.Errorf("%s: port and url are mutually exclusive", name)
	}
	if e.Baud < 0 {
		return fmt.Errorf("%s.baud must be > 0", name)
	}
	if e.Baud == 0 {
		e.Baud = DefaultBaud
	}
	if e.URL != "" && !strings.HasPrefix(e.URL, "ws://") && !strings.HasPrefix(e.URL, "wss://") {
		return fmt.Errorf("%s.url must start with ws:// or wss://", name)
	}
	return nil
}

// Configured reports whether the endpoint names a port or URL
func (e Endpoint) Configured() bool {
	return e.Port != "" || e.URL != ""
}

// ReplayPolicy builds the relay policy: the protocol defaults plus any
// deadline overrides.
func (c Config) ReplayPolicy() (relay.ReplayPolicy, error) {
	policy := relay.DefaultReplayPolicy()
	keys := make([]string, 0, len(c.Relay.Deadlines))
	for k := range c.Relay.Deadlines {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		typ, err := strconv.ParseUint(key, 0, 8)
		if err != nil {
			return relay.ReplayPolicy{}, fmt.Errorf("relay.deadlines: invalid packet type %q", key)
		}
		d, err := parseDeadline(c.Relay.Deadlines[key])
		if err != nil {
			return relay.ReplayPolicy{}, fmt.Errorf("relay.deadlines[%s]: %w", key, err)
		}
		policy = policy.With(uint8(typ), d)
	}
	return policy, nil
}

func parseDeadline(s string) (relay.Deadline, error) {
	if s == "never" {
		return relay.Never(), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return relay.Deadline{}, err
	}
	if d < 0 {
		return relay.Deadline{}, fmt.Errorf("deadline must be >= 0")
	}
	return relay.AfterDuration(d), nil
}
