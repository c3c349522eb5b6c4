// SPDX-License-Identifier: GPL-3.0-or-later

//
// Server configuration.
//

package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// duration wraps [time.Duration] so TOML files can spell durations
// as strings like "3s" or "250ms".
type duration time.Duration

// UnmarshalText implements [encoding.TextUnmarshaler].
func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = duration(parsed)
	return nil
}

// reverseConfig configures the `reverse` subcommand.
type reverseConfig struct {
	Listen             string   `toml:"listen"`
	RetransmitInterval duration `toml:"retransmit_interval"`
	IdleTimeout        duration `toml:"idle_timeout"`
	MaxRetransmits     int      `toml:"max_retransmits"`
	CloseLinger        duration `toml:"close_linger"`
}

// udpkvConfig configures the `udpkv` subcommand.
type udpkvConfig struct {
	Listen  string `toml:"listen"`
	Version string `toml:"version"`
}

// config is the top-level configuration file layout.
type config struct {
	Reverse reverseConfig `toml:"reverse"`
	UDPKV   udpkvConfig   `toml:"udpkv"`
}

// loadConfig reads the TOML file at path, or returns pure defaults
// when path is empty.
func loadConfig(path string) (*config, error) {
	cfg := &config{}
	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("config load failed (%s): %w", path, err)
		}
	}
	if cfg.Reverse.Listen == "" {
		cfg.Reverse.Listen = ":8000"
	}
	if cfg.UDPKV.Listen == "" {
		cfg.UDPKV.Listen = ":8001"
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate rejects nonsensical configurations.
func (cfg *config) validate() error {
	if strings.TrimSpace(cfg.Reverse.Listen) == "" {
		return fmt.Errorf("reverse config missing listen address")
	}
	if strings.TrimSpace(cfg.UDPKV.Listen) == "" {
		return fmt.Errorf("udpkv config missing listen address")
	}
	if cfg.Reverse.MaxRetransmits < 0 {
		return fmt.Errorf("reverse config: max_retransmits must not be negative")
	}
	return nil
}
