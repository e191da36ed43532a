// Package config provides configuration management for the dlicense agent.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/ulule/limiter/v3"
	"gopkg.in/yaml.v3"

	dlcrypto "github.com/MacJediWizard/decentrilicense/internal/crypto"
	"github.com/MacJediWizard/decentrilicense/internal/election"
	"github.com/MacJediWizard/decentrilicense/internal/license"
)

// Defaults applied by Load to unset fields.
const (
	DefaultAlgorithm        = dlcrypto.AlgorithmEd25519
	DefaultSessionPort      = 8889
	DefaultPresenceInterval = 30 * time.Second
	DefaultVerifySchedule   = "@every 1h"
	DefaultRateLimit        = "60-M"
	DefaultLogLevel         = "info"
	DefaultEnvironmentCheck = string(license.EnvironmentWarn)
)

// DefaultConfigDir returns the default config directory (~/.dlicense).
func DefaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home directory: %w", err)
	}
	return filepath.Join(home, ".dlicense"), nil
}

// DefaultConfigPath returns the default config file path (~/.dlicense/config.yml).
func DefaultConfigPath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yml"), nil
}

// AgentConfig holds the agent's configuration.
type AgentConfig struct {
	StorageDir       string             `yaml:"storage_dir,omitempty"`
	DeviceID         string             `yaml:"device_id,omitempty"`
	Algorithm        dlcrypto.Algorithm `yaml:"algorithm,omitempty"`
	RootKeyPath      string             `yaml:"root_key_path,omitempty"`
	ProductKeyPath   string             `yaml:"product_key_path,omitempty"`
	DiscoveryPort    int                `yaml:"discovery_port,omitempty"`
	SessionPort      int                `yaml:"session_port,omitempty"`
	DiscoveryTimeout time.Duration      `yaml:"discovery_timeout,omitempty"`
	ElectionDeadline time.Duration      `yaml:"election_deadline,omitempty"`
	PresenceInterval time.Duration      `yaml:"presence_interval,omitempty"`
	VerifySchedule   string             `yaml:"verify_schedule,omitempty"`
	RateLimit        string             `yaml:"rate_limit,omitempty"`
	LogLevel         string             `yaml:"log_level,omitempty"`
	AirGap           bool               `yaml:"air_gap,omitempty"`
	// EnvironmentCheck is warn, enforce or ignore.
	EnvironmentCheck string `yaml:"environment_check,omitempty"`
}

// Default returns a configuration with every default applied.
func Default() *AgentConfig {
	c := &AgentConfig{}
	c.ApplyDefaults()
	return c
}

// ApplyDefaults fills unset fields.
func (c *AgentConfig) ApplyDefaults() {
	if c.StorageDir == "" {
		if dir, err := DefaultConfigDir(); err == nil {
			c.StorageDir = filepath.Join(dir, "licenses")
		}
	}
	if c.Algorithm == "" {
		c.Algorithm = DefaultAlgorithm
	}
	if c.DiscoveryPort == 0 {
		c.DiscoveryPort = election.DefaultDiscoveryPort
	}
	if c.SessionPort == 0 {
		c.SessionPort = DefaultSessionPort
	}
	if c.DiscoveryTimeout == 0 {
		c.DiscoveryTimeout = election.DefaultDiscoveryTimeout
	}
	if c.ElectionDeadline == 0 {
		c.ElectionDeadline = election.DefaultElectionDeadline
	}
	if c.PresenceInterval == 0 {
		c.PresenceInterval = DefaultPresenceInterval
	}
	if c.VerifySchedule == "" {
		c.VerifySchedule = DefaultVerifySchedule
	}
	if c.RateLimit == "" {
		c.RateLimit = DefaultRateLimit
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.EnvironmentCheck == "" {
		c.EnvironmentCheck = DefaultEnvironmentCheck
	}
}

// Validate checks that the configuration is usable.
func (c *AgentConfig) Validate() error {
	if c.StorageDir == "" {
		return errors.New("storage_dir is required")
	}
	if !c.Algorithm.IsValid() {
		return fmt.Errorf("algorithm %q is not one of RSA, Ed25519, SM2", c.Algorithm)
	}
	if c.DiscoveryPort < 1 || c.DiscoveryPort > 65535 {
		return fmt.Errorf("discovery_port %d out of range", c.DiscoveryPort)
	}
	if c.SessionPort < 1 || c.SessionPort > 65535 {
		return fmt.Errorf("session_port %d out of range", c.SessionPort)
	}
	if c.DiscoveryPort == c.SessionPort {
		return errors.New("discovery_port and session_port must differ")
	}
	if c.DiscoveryTimeout <= 0 || c.ElectionDeadline <= 0 {
		return errors.New("discovery_timeout and election_deadline must be positive")
	}
	if c.DiscoveryTimeout >= c.ElectionDeadline {
		return errors.New("discovery_timeout must be shorter than election_deadline")
	}
	if _, err := cron.ParseStandard(c.VerifySchedule); err != nil {
		return fmt.Errorf("invalid verify_schedule: %w", err)
	}
	if _, err := limiter.NewRateFromFormatted(c.RateLimit); err != nil {
		return fmt.Errorf("invalid rate_limit: %w", err)
	}
	if _, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel)); err != nil {
		return fmt.Errorf("invalid log_level: %w", err)
	}
	if _, err := license.ParseEnvironmentPolicy(c.EnvironmentCheck); err != nil {
		return fmt.Errorf("invalid environment_check: %w", err)
	}
	return nil
}

// EnvironmentPolicy returns the parsed environment_check setting.
func (c *AgentConfig) EnvironmentPolicy() license.EnvironmentPolicy {
	p, err := license.ParseEnvironmentPolicy(c.EnvironmentCheck)
	if err != nil {
		return license.EnvironmentWarn
	}
	return p
}

// ElectionConfig returns the elector settings.
func (c *AgentConfig) ElectionConfig() election.Config {
	return election.Config{
		DiscoveryTimeout: c.DiscoveryTimeout,
		ElectionDeadline: c.ElectionDeadline,
		SessionPort:      c.SessionPort,
	}
}

// Level returns the configured log level, or info if it does not parse.
func (c *AgentConfig) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil || c.LogLevel == "" {
		return zerolog.InfoLevel
	}
	return lvl
}

// Load reads the configuration from the given path and applies defaults.
// If the file does not exist, the defaults are returned.
func Load(path string) (*AgentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg AgentConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	cfg.ApplyDefaults()

	return &cfg, nil
}

// LoadDefault loads the configuration from the default path.
func LoadDefault() (*AgentConfig, error) {
	path, err := DefaultConfigPath()
	if err != nil {
		return nil, err
	}
	return Load(path)
}

// Save writes the configuration to the given path, creating directories as needed.
func (c *AgentConfig) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	// Write with restricted permissions (user-only read/write)
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}

	return nil
}

// SaveDefault saves the configuration to the default path.
func (c *AgentConfig) SaveDefault() error {
	path, err := DefaultConfigPath()
	if err != nil {
		return err
	}
	return c.Save(path)
}
