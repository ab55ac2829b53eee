// SPDX-License-Identifier: MIT

// Package config adapts the teacher's atomic YAML config file (the
// optional file §4.I's --config flag points at) onto cliap2's own
// settings surface: device defaults, health endpoint, artwork fetch
// tuning, and log verbosity. CLI flags in internal/device always take
// precedence over this file; this file only supplies values a flag
// was not given.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.yaml.in/yaml/v3"
)

// ConfigFilePath is the default location for the configuration file.
const ConfigFilePath = "/etc/cliap2/config.yaml"

// Config is the complete cliap2 configuration file.
type Config struct {
	Device  DeviceDefaults `yaml:"device" koanf:"device"`
	Health  HealthConfig   `yaml:"health" koanf:"health"`
	Artwork ArtworkConfig  `yaml:"artwork" koanf:"artwork"`
	Log     LogConfig      `yaml:"log" koanf:"log"`
}

// DeviceDefaults supplies values for flags in internal/device that were
// not given on the command line; a zero value here leaves the flag's own
// default in place.
type DeviceDefaults struct {
	Name      string `yaml:"name" koanf:"name"`
	Address   string `yaml:"address" koanf:"address"`
	Port      int    `yaml:"port" koanf:"port"`
	Volume    int    `yaml:"volume" koanf:"volume"`
	LatencyMs int64  `yaml:"latency_ms" koanf:"latency_ms"`

	// SampleRate and BitsPerSample describe the audio FIFO's PCM format,
	// which spec.md leaves "configured out of band" rather than sent
	// over the command pipe.
	SampleRate    int `yaml:"sample_rate" koanf:"sample_rate"`
	BitsPerSample int `yaml:"bits_per_sample" koanf:"bits_per_sample"`
}

// HealthConfig controls the supplemented /healthz + /metrics server.
type HealthConfig struct {
	Enabled bool   `yaml:"enabled" koanf:"enabled"`
	Addr    string `yaml:"addr" koanf:"addr"`
}

// ArtworkConfig tunes the artwork fetcher.
type ArtworkConfig struct {
	TimeoutMs int    `yaml:"timeout_ms" koanf:"timeout_ms"`
	TmpDir    string `yaml:"tmp_dir" koanf:"tmp_dir"`
}

// LogConfig controls the structured logger.
type LogConfig struct {
	Level   int    `yaml:"level" koanf:"level"`
	Domains string `yaml:"domains" koanf:"domains"`
}

// LoadConfig reads and parses the configuration file at path.
func LoadConfig(path string) (*Config, error) {
	// #nosec G304 - Config path is from administrator-controlled configuration
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// atomicFile abstracts file operations used by Save for testability.
type atomicFile interface {
	Write([]byte) (int, error)
	Sync() error
	Chmod(os.FileMode) error
	Close() error
	Name() string
}

// atomicCreateTemp is the injectable temp-file creator used by Save.
type atomicCreateTemp func(dir, pattern string) (atomicFile, error)

func defaultCreateTemp(dir, pattern string) (atomicFile, error) {
	return os.CreateTemp(dir, pattern) // #nosec G304
}

// Save writes the configuration to path, replacing any existing file
// atomically (write to a temp file in the same directory, sync, then
// rename).
func (c *Config) Save(path string) error {
	return c.saveWith(path, defaultCreateTemp)
}

func (c *Config) saveWith(path string, createTemp atomicCreateTemp) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	dir := filepath.Dir(path)

	tmpFile, err := createTemp(dir, ".config.*.yaml")
	if err != nil {
		return fmt.Errorf("failed to create temp config file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		return fmt.Errorf("failed to write temp config file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync temp config file: %w", err)
	}
	// Config files may carry device hostnames/PINs; restrict to owner+group.
	// #nosec G302 - Config file restricted to owner+group for security
	if err := tmpFile.Chmod(0640); err != nil {
		return fmt.Errorf("failed to set config file permissions: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp config file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil { // #nosec G703 -- path is from CLI flag/config, not web request input
		return fmt.Errorf("failed to rename temp config file: %w", err)
	}

	success = true
	return nil
}

// Validate checks configuration for invalid values.
func (c *Config) Validate() error {
	if c.Device.Volume < 0 || c.Device.Volume > 100 {
		return fmt.Errorf("device.volume must be 0-100, got %d", c.Device.Volume)
	}
	if c.Device.LatencyMs < 0 {
		return fmt.Errorf("device.latency_ms must not be negative")
	}
	switch c.Device.SampleRate {
	case 0, 44100, 48000, 88200, 96000:
	default:
		return fmt.Errorf("device.sample_rate must be one of 44100/48000/88200/96000, got %d", c.Device.SampleRate)
	}
	switch c.Device.BitsPerSample {
	case 0, 16, 32:
	default:
		return fmt.Errorf("device.bits_per_sample must be 16 or 32, got %d", c.Device.BitsPerSample)
	}
	if c.Log.Level < 0 || c.Log.Level > 5 {
		return fmt.Errorf("log.level must be 0-5, got %d", c.Log.Level)
	}
	if c.Artwork.TimeoutMs < 0 {
		return fmt.Errorf("artwork.timeout_ms must not be negative")
	}
	return nil
}

// DefaultConfig returns a configuration with the same defaults
// internal/device's flags apply, so a missing config file and an
// empty one behave identically.
func DefaultConfig() *Config {
	return &Config{
		Device: DeviceDefaults{
			Name:          "cliap2",
			Address:       "0.0.0.0",
			Port:          7000,
			Volume:        75,
			SampleRate:    44100,
			BitsPerSample: 16,
		},
		Health: HealthConfig{
			Enabled: true,
			Addr:    "127.0.0.1:9998",
		},
		Artwork: ArtworkConfig{
			TimeoutMs: int((10 * time.Second).Milliseconds()),
		},
		Log: LogConfig{
			Level: 3,
		},
	}
}
