// Copyright 2024 Matt Schultz <schultz@sent.com>. All rights reserved.
// Use of this source code is governed by an ISC license that can be found in the LICENSE file.

// Package config loads the TOML configuration file of the mcrcon command.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog"

	"github.com/schultz-is/mcrcon"
	"github.com/schultz-is/mcrcon/slp"
)

// Config represents the structure of the config file.
type Config struct {
	RCON    RCONSection    `toml:"rcon"`
	Status  StatusSection  `toml:"status"`
	Storage StorageSection `toml:"storage"`
	Logging LoggingSection `toml:"logging"`
	Metrics MetricsSection `toml:"metrics"`
}

type RCONSection struct {
	ConnectTimeoutSeconds int  `toml:"connect_timeout_seconds"`
	ReadTimeoutSeconds    int  `toml:"read_timeout_seconds"`
	WriteTimeoutSeconds   int  `toml:"write_timeout_seconds"`
	DrainWindowMillis     int  `toml:"drain_window_millis"`
	LogAuthPackets        bool `toml:"log_auth_packets"`
}

type StatusSection struct {
	ConnectTimeoutSeconds int `toml:"connect_timeout_seconds"`
	ReadTimeoutSeconds    int `toml:"read_timeout_seconds"`
	Concurrency           int `toml:"concurrency"`
	PollIntervalSeconds   int `toml:"poll_interval_seconds"`
}

type StorageSection struct {
	ServersFile string `toml:"servers_file"`
}

type LoggingSection struct {
	Level   string `toml:"level"`
	Console bool   `toml:"console"`
}

type MetricsSection struct {
	Listen string `toml:"listen"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		RCON: RCONSection{
			ConnectTimeoutSeconds: 5,
			ReadTimeoutSeconds:    1,
			WriteTimeoutSeconds:   5,
			DrainWindowMillis:     1,
		},
		Status: StatusSection{
			ConnectTimeoutSeconds: 5,
			ReadTimeoutSeconds:    1,
			Concurrency:           8,
			PollIntervalSeconds:   30,
		},
		Storage: StorageSection{
			ServersFile: "~/.config/mcrcon/servers.json",
		},
		Logging: LoggingSection{
			Level:   "warn",
			Console: true,
		},
		Metrics: MetricsSection{
			Listen: "127.0.0.1:9225",
		},
	}
}

// DefaultPath returns the config file location under the XDG config directory.
func DefaultPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "mcrcon", "config.toml")
	}
	return "~/.config/mcrcon/config.toml"
}

// Load loads configuration from a TOML file, creating it with defaults if it does not exist.
// Settings missing from the file keep their default values.
func Load(path string) (Config, error) {
	path, err := ExpandPath(path)
	if err != nil {
		return Config{}, err
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := Default()
		// Running without a writable config directory is fine; defaults still apply.
		_ = writeDefault(path, cfg)
		return cfg, nil
	}

	cfg := Default()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// writeDefault writes the default config to a file.
func writeDefault(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	header := `# mcrcon configuration
# This file was auto-generated with default values

`
	if _, err := f.WriteString(header); err != nil {
		return err
	}

	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// ExpandPath expands a leading ~/ to the user's home directory.
func ExpandPath(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, path[2:]), nil
}

// ServersFile returns the server list path with ~ expanded.
func (c Config) ServersFile() (string, error) {
	return ExpandPath(c.Storage.ServersFile)
}

// PollInterval returns the interval between status polls of the watch command.
func (c Config) PollInterval() time.Duration {
	if c.Status.PollIntervalSeconds <= 0 {
		return 30 * time.Second
	}
	return seconds(c.Status.PollIntervalSeconds)
}

// SessionConfig converts the [rcon] section into session settings. Zero values fall through to
// the package defaults.
func (c Config) SessionConfig(logger *zerolog.Logger, metrics *rcon.Metrics) rcon.SessionConfig {
	return rcon.SessionConfig{
		ConnectTimeout:         seconds(c.RCON.ConnectTimeoutSeconds),
		ReadTimeout:            seconds(c.RCON.ReadTimeoutSeconds),
		WriteTimeout:           seconds(c.RCON.WriteTimeoutSeconds),
		DrainWindow:            time.Duration(c.RCON.DrainWindowMillis) * time.Millisecond,
		Logger:                 logger,
		Metrics:                metrics,
		LogOutboundAuthPackets: c.RCON.LogAuthPackets,
	}
}

// PingerConfig converts the [status] section into pinger settings.
func (c Config) PingerConfig(logger *zerolog.Logger, metrics *rcon.Metrics) slp.Config {
	return slp.Config{
		ConnectTimeout: seconds(c.Status.ConnectTimeoutSeconds),
		ReadTimeout:    seconds(c.Status.ReadTimeoutSeconds),
		Logger:         logger,
		Metrics:        metrics,
	}
}

func seconds(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}
