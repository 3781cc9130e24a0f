// Copyright (c) 2024 Canonical Ltd
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License version 3 as
// published by the Free Software Foundation.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package config loads the YAML configuration for the attendantd demo
// harness. None of this is read by the attendant library itself -- the
// attendant's own Options struct is built in Go by whoever embeds it;
// this package only exists for the standalone command-line harness that
// exercises the library end-to-end.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/canonical/x-go/strutil/shlex"
)

// Config is the on-disk shape of an attendantd harness configuration file.
type Config struct {
	RelayPath     string       `yaml:"relay-path"`
	CanaryFd      int          `yaml:"canary-fd"`
	ServerPath    string       `yaml:"server-path"`
	ServerArgs    string       `yaml:"server-args"`
	MaxRestarts   int          `yaml:"max-restarts"`
	ShutdownGrace yamlDuration `yaml:"shutdown-grace"`
	StatusAddr    string       `yaml:"status-addr"`
	MetricsAddr   string       `yaml:"metrics-addr"`
}

// yamlDuration parses a plain "30s"-style string into a time.Duration,
// matching how the rest of the pack reads durations out of YAML rather
// than requiring nanosecond integers.
type yamlDuration time.Duration

func (y *yamlDuration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("cannot parse duration %q: %w", s, err)
	}
	*y = yamlDuration(d)
	return nil
}

// ShutdownGraceDuration returns the configured graceful-shutdown window
// (how long attendantd waits for Done after asking the attendant to shut
// down before escalating to Scram) as a time.Duration.
func (c *Config) ShutdownGraceDuration() time.Duration {
	return time.Duration(c.ShutdownGrace)
}

// Load reads and validates a harness configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	if c.RelayPath == "" {
		return nil, fmt.Errorf("config: relay-path is required")
	}
	if c.ServerPath == "" {
		return nil, fmt.Errorf("config: server-path is required")
	}
	if c.CanaryFd <= 2 {
		return nil, fmt.Errorf("config: canary-fd must be greater than 2")
	}
	return &c, nil
}

// ServerArgv splits ServerArgs the way a shell would, so the config file
// can write "server-args: --flag value --other" instead of a YAML list.
func (c *Config) ServerArgv() ([]string, error) {
	if c.ServerArgs == "" {
		return nil, nil
	}
	return shlex.Split(c.ServerArgs)
}
