// Package config assembles the action's configuration from inputs, an
// optional YAML file, and defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fenio/setup-kubesolo/internal/ghaction"
)

// Defaults per the action contract.
const (
	DefaultVersion      = "latest"
	DefaultTimeout      = 300 * time.Second
	DefaultWaitForReady = true
	DefaultDNSReadiness = true
)

// Config holds every recognized option.
type Config struct {
	// Version is the KubeSolo release to install, or "latest".
	Version string `yaml:"version"`

	// WaitForReady controls whether setup blocks on the readiness poller.
	WaitForReady bool `yaml:"wait-for-ready"`

	// Timeout bounds the readiness poller.
	Timeout time.Duration `yaml:"timeout"`

	// DNSReadiness controls the optional in-cluster DNS verification.
	DNSReadiness bool `yaml:"dns-readiness"`

	// LocalStorageSharedPath, when set, is passed through to the service's
	// startup command as an extra flag.
	LocalStorageSharedPath string `yaml:"local-storage-shared-path"`

	// Debug enables debug logging.
	Debug bool `yaml:"debug"`
}

// Default returns a Config populated with all default values.
func Default() Config {
	return Config{
		Version:      DefaultVersion,
		WaitForReady: DefaultWaitForReady,
		Timeout:      DefaultTimeout,
		DNSReadiness: DefaultDNSReadiness,
	}
}

// FromEnvironment returns the defaults overlaid with any action inputs
// present in the environment. Unparseable boolean or integer inputs are an
// error rather than a silent fallback.
func FromEnvironment() (Config, error) {
	cfg := Default()

	if v := ghaction.Input("version"); v != "" {
		cfg.Version = v
	}
	if v := ghaction.Input("wait-for-ready"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("parse wait-for-ready input %q: %w", v, err)
		}
		cfg.WaitForReady = b
	}
	if v := ghaction.Input("timeout"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("parse timeout input %q: %w", v, err)
		}
		cfg.Timeout = time.Duration(secs) * time.Second
	}
	if v := ghaction.Input("dns-readiness"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("parse dns-readiness input %q: %w", v, err)
		}
		cfg.DNSReadiness = b
	}
	if v := ghaction.Input("local-storage-shared-path"); v != "" {
		cfg.LocalStorageSharedPath = v
	}

	return cfg, nil
}

// fileConfig mirrors Config with the timeout in whole seconds, matching the
// action input rather than Go duration syntax.
type fileConfig struct {
	Version                *string `yaml:"version"`
	WaitForReady           *bool   `yaml:"wait-for-ready"`
	TimeoutSeconds         *int    `yaml:"timeout"`
	DNSReadiness           *bool   `yaml:"dns-readiness"`
	LocalStorageSharedPath *string `yaml:"local-storage-shared-path"`
	Debug                  *bool   `yaml:"debug"`
}

// ApplyFile overlays settings from a YAML file onto c. Only keys present in
// the file are applied.
func (c *Config) ApplyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	if fc.Version != nil {
		c.Version = *fc.Version
	}
	if fc.WaitForReady != nil {
		c.WaitForReady = *fc.WaitForReady
	}
	if fc.TimeoutSeconds != nil {
		c.Timeout = time.Duration(*fc.TimeoutSeconds) * time.Second
	}
	if fc.DNSReadiness != nil {
		c.DNSReadiness = *fc.DNSReadiness
	}
	if fc.LocalStorageSharedPath != nil {
		c.LocalStorageSharedPath = *fc.LocalStorageSharedPath
	}
	if fc.Debug != nil {
		c.Debug = *fc.Debug
	}
	return nil
}

// Validate checks all Config invariants and reports every violation found,
// joined, so callers can fix all problems in one pass.
func (c Config) Validate() error {
	var errs []error
	if c.Version == "" {
		errs = append(errs, errors.New("version must not be empty"))
	}
	if c.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("timeout must be positive, got %v", c.Timeout))
	}
	return errors.Join(errs...)
}
