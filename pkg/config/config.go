// Copyright 2023 The seathub-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config provides configuration management for seathub-go: broker
// policy knobs, store connection settings, and operator accounts, loadable
// from YAML or JSON. Durations are expressed in seconds in the file and
// converted to typed durations by the section accessors.
package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v2"

	"github.com/turtacn/seathub-go/pkg/auth"
	"github.com/turtacn/seathub-go/pkg/identity"
	"github.com/turtacn/seathub-go/pkg/monitor"
	"github.com/turtacn/seathub-go/pkg/reaper"
	"github.com/turtacn/seathub-go/pkg/recovery"
	"github.com/turtacn/seathub-go/pkg/registry"
)

// OperatorConfig is one operator account entry for the admin API.
type OperatorConfig struct {
	Username  string `yaml:"username" json:"username" validate:"required"`
	Password  string `yaml:"password" json:"password" validate:"required"`
	Algorithm string `yaml:"algorithm" json:"algorithm" validate:"oneof=plain sha256 bcrypt"`
	Enabled   bool   `yaml:"enabled" json:"enabled"`
}

// AuthConfig holds credential verification settings.
type AuthConfig struct {
	// SigningKey is the shared token signing key. Either it or
	// SigningKeyFile must be set.
	SigningKey string `yaml:"signing_key" json:"signing_key"`
	// SigningKeyFile points at a file holding the signing key, re-read on
	// every verification so rotation needs no restart.
	SigningKeyFile string           `yaml:"signing_key_file" json:"signing_key_file"`
	Operators      []OperatorConfig `yaml:"operators" json:"operators" validate:"dive"`
}

// RegistryConfig holds connection admission policy.
type RegistryConfig struct {
	MaxConnections     int `yaml:"max_connections" json:"max_connections" validate:"min=1"`
	AuthTimeoutSeconds int `yaml:"auth_timeout_seconds" json:"auth_timeout_seconds" validate:"min=1"`
	UserQuota          int `yaml:"user_quota" json:"user_quota" validate:"min=1"`
}

// ReaperConfig holds liveness probing and idle eviction timing.
type ReaperConfig struct {
	ProbeIntervalSeconds int `yaml:"probe_interval_seconds" json:"probe_interval_seconds" validate:"min=1"`
	ScanIntervalSeconds  int `yaml:"scan_interval_seconds" json:"scan_interval_seconds" validate:"min=1"`
	IdleTimeoutSeconds   int `yaml:"idle_timeout_seconds" json:"idle_timeout_seconds" validate:"min=1"`
}

// RecoveryConfig holds the outbound reconnection backoff policy.
type RecoveryConfig struct {
	BaseDelaySeconds int `yaml:"base_delay_seconds" json:"base_delay_seconds" validate:"min=1"`
	MaxAttempts      int `yaml:"max_attempts" json:"max_attempts" validate:"min=1"`
	MaxDelaySeconds  int `yaml:"max_delay_seconds" json:"max_delay_seconds" validate:"min=0"`
}

// MonitorConfig holds the dependency health monitor policy.
type MonitorConfig struct {
	ProbeIntervalSeconds     int `yaml:"probe_interval_seconds" json:"probe_interval_seconds" validate:"min=1"`
	FailureThreshold         int `yaml:"failure_threshold" json:"failure_threshold" validate:"min=1"`
	ShutdownTimeoutSeconds   int `yaml:"shutdown_timeout_seconds" json:"shutdown_timeout_seconds" validate:"min=1"`
	ReconnectCooldownSeconds int `yaml:"reconnect_cooldown_seconds" json:"reconnect_cooldown_seconds" validate:"min=1"`
	RetryCooldownSeconds     int `yaml:"retry_cooldown_seconds" json:"retry_cooldown_seconds" validate:"min=1"`
}

// StoreConfig holds the identity store settings.
type StoreConfig struct {
	Postgres identity.PostgresConfig `yaml:"postgres" json:"postgres"`
	// SessionCacheTTLSeconds bounds the write-through session cache entries.
	SessionCacheTTLSeconds int `yaml:"session_cache_ttl_seconds" json:"session_cache_ttl_seconds" validate:"min=1"`
}

// BrokerConfig is the top-level broker section.
type BrokerConfig struct {
	NodeID      string         `yaml:"node_id" json:"node_id" validate:"required"`
	ListenAddr  string         `yaml:"listen_addr" json:"listen_addr" validate:"required"`
	MetricsAddr string         `yaml:"metrics_addr" json:"metrics_addr"`
	AdminAddr   string         `yaml:"admin_addr" json:"admin_addr"`
	Auth        AuthConfig     `yaml:"auth" json:"auth"`
	Registry    RegistryConfig `yaml:"registry" json:"registry"`
	Reaper      ReaperConfig   `yaml:"reaper" json:"reaper"`
	Recovery    RecoveryConfig `yaml:"recovery" json:"recovery"`
	Monitor     MonitorConfig  `yaml:"monitor" json:"monitor"`
	Store       StoreConfig    `yaml:"store" json:"store"`
}

// Config holds the complete configuration.
type Config struct {
	Broker BrokerConfig `yaml:"broker" json:"broker"`
}

// DefaultConfig returns a default configuration.
func DefaultConfig() *Config {
	return &Config{
		Broker: BrokerConfig{
			NodeID:      "seathub-node",
			ListenAddr:  ":8080",
			MetricsAddr: ":8082",
			AdminAddr:   ":8083",
			Auth: AuthConfig{
				SigningKey: "seathub-dev-key",
				Operators: []OperatorConfig{
					{
						Username:  "admin",
						Password:  "admin123",
						Algorithm: "bcrypt",
						Enabled:   true,
					},
				},
			},
			Registry: RegistryConfig{
				MaxConnections:     10000,
				AuthTimeoutSeconds: 10,
				UserQuota:          5,
			},
			Reaper: ReaperConfig{
				ProbeIntervalSeconds: 30,
				ScanIntervalSeconds:  30,
				IdleTimeoutSeconds:   60,
			},
			Recovery: RecoveryConfig{
				BaseDelaySeconds: 1,
				MaxAttempts:      5,
				MaxDelaySeconds:  120,
			},
			Monitor: MonitorConfig{
				ProbeIntervalSeconds:     30,
				FailureThreshold:         3,
				ShutdownTimeoutSeconds:   30,
				ReconnectCooldownSeconds: 5,
				RetryCooldownSeconds:     60,
			},
			Store: StoreConfig{
				Postgres:               identity.DefaultPostgresConfig(),
				SessionCacheTTLSeconds: 7200,
			},
		},
	}
}

// LoadConfig loads configuration from a file, filling policy sections left
// at zero with their defaults.
func LoadConfig(configPath string) (*Config, error) {
	if configPath == "" {
		log.Println("[INFO] No config file specified, using default configuration")
		return DefaultConfig(), nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	config := DefaultConfig()
	ext := strings.ToLower(filepath.Ext(configPath))

	switch ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, config)
	case ".json":
		err = json.Unmarshal(data, config)
	default:
		return nil, fmt.Errorf("unsupported config file format: %s (supported: .yaml, .yml, .json)", ext)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	log.Printf("[INFO] Configuration loaded from %s", configPath)
	return config, nil
}

// SaveConfig saves configuration to a file.
func SaveConfig(config *Config, configPath string) error {
	var data []byte
	var err error

	ext := strings.ToLower(filepath.Ext(configPath))
	switch ext {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(config)
	case ".json":
		data, err = json.MarshalIndent(config, "", "  ")
	default:
		return fmt.Errorf("unsupported config file format: %s (supported: .yaml, .yml, .json)", ext)
	}

	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", configPath, err)
	}

	log.Printf("[INFO] Configuration saved to %s", configPath)
	return nil
}

// Validate checks the configuration for structural and semantic errors.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}

	if c.Broker.Auth.SigningKey == "" && c.Broker.Auth.SigningKeyFile == "" {
		return fmt.Errorf("one of signing_key or signing_key_file must be set")
	}

	usernames := make(map[string]bool)
	for _, op := range c.Broker.Auth.Operators {
		if usernames[op.Username] {
			return fmt.Errorf("duplicate operator username: %s", op.Username)
		}
		usernames[op.Username] = true
	}

	return nil
}

// KeySource builds the token key source from the auth section. A key file
// takes precedence over an inline key.
func (c *Config) KeySource() auth.KeySource {
	if c.Broker.Auth.SigningKeyFile != "" {
		return auth.FileKeySource(c.Broker.Auth.SigningKeyFile)
	}
	return auth.StaticKeySource([]byte(c.Broker.Auth.SigningKey))
}

// ConfigureOperators populates the operator store from the auth section.
func (c *Config) ConfigureOperators(store *auth.OperatorStore) error {
	for _, op := range c.Broker.Auth.Operators {
		if err := store.AddUser(op.Username, op.Password, auth.HashAlgorithm(op.Algorithm)); err != nil {
			return fmt.Errorf("failed to add operator %s: %w", op.Username, err)
		}
		if err := store.SetUserEnabled(op.Username, op.Enabled); err != nil {
			return fmt.Errorf("failed to set operator %s enabled status: %w", op.Username, err)
		}
		log.Printf("[INFO] Configured operator: %s (algorithm: %s, enabled: %t)",
			op.Username, op.Algorithm, op.Enabled)
	}
	return nil
}

// RegistryConfig converts the registry section to its typed form.
func (c *Config) RegistryConfig() registry.Config {
	return registry.Config{
		MaxConnections: c.Broker.Registry.MaxConnections,
		AuthTimeout:    time.Duration(c.Broker.Registry.AuthTimeoutSeconds) * time.Second,
		UserQuota:      c.Broker.Registry.UserQuota,
	}
}

// ReaperConfig converts the reaper section to its typed form.
func (c *Config) ReaperConfig() reaper.Config {
	return reaper.Config{
		ProbeInterval: time.Duration(c.Broker.Reaper.ProbeIntervalSeconds) * time.Second,
		ScanInterval:  time.Duration(c.Broker.Reaper.ScanIntervalSeconds) * time.Second,
		IdleTimeout:   time.Duration(c.Broker.Reaper.IdleTimeoutSeconds) * time.Second,
	}
}

// RecoveryConfig converts the recovery section to its typed form.
func (c *Config) RecoveryConfig() recovery.Config {
	return recovery.Config{
		BaseDelay:   time.Duration(c.Broker.Recovery.BaseDelaySeconds) * time.Second,
		MaxAttempts: c.Broker.Recovery.MaxAttempts,
		MaxDelay:    time.Duration(c.Broker.Recovery.MaxDelaySeconds) * time.Second,
	}
}

// MonitorConfig converts the monitor section to its typed form.
func (c *Config) MonitorConfig() monitor.Config {
	return monitor.Config{
		ProbeInterval:     time.Duration(c.Broker.Monitor.ProbeIntervalSeconds) * time.Second,
		FailureThreshold:  c.Broker.Monitor.FailureThreshold,
		ShutdownTimeout:   time.Duration(c.Broker.Monitor.ShutdownTimeoutSeconds) * time.Second,
		ReconnectCooldown: time.Duration(c.Broker.Monitor.ReconnectCooldownSeconds) * time.Second,
		RetryCooldown:     time.Duration(c.Broker.Monitor.RetryCooldownSeconds) * time.Second,
	}
}

// SessionCacheTTL returns the session cache TTL as a duration.
func (c *Config) SessionCacheTTL() time.Duration {
	return time.Duration(c.Broker.Store.SessionCacheTTLSeconds) * time.Second
}
