// Copyright (C) 2025 sage-x-project
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

// SPDX-License-Identifier: LGPL-3.0-or-later

// Package config loads the per-peer settings table: contact policy, rate
// limits, session lifetime and the ambient logging/metrics knobs.
package config

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"time"

	"gopkg.in/yaml.v3"
)

// ContactMode controls how this peer's responder handles a key-exchange
// init from a peer it has no trusted chat with yet (section 6):
//   - active: prompt the local user and await an accept/reject decision
//     before responding (the default).
//   - silent: log and drop the init without any reply.
//   - block: drop the init outright, same as silent but without the
//     implication that a decision was ever considered.
type ContactMode string

const (
	ContactModeActive ContactMode = "active"
	ContactModeSilent ContactMode = "silent"
	ContactModeBlock  ContactMode = "block"
)

// Config is the root configuration loaded from a peer's YAML settings file.
type Config struct {
	Environment string          `yaml:"environment" json:"environment"`
	Identity    IdentityConfig  `yaml:"identity" json:"identity"`
	Network     NetworkConfig   `yaml:"network" json:"network"`
	Settings    SettingsConfig  `yaml:"settings" json:"settings"`
	Logging     LoggingConfig   `yaml:"logging" json:"logging"`
	Metrics     MetricsConfig   `yaml:"metrics" json:"metrics"`
}

// IdentityConfig locates the on-disk signing/offline key material.
type IdentityConfig struct {
	KeyDirectory  string `yaml:"key_directory" json:"key_directory"`
	PassphraseEnv string `yaml:"passphrase_env" json:"passphrase_env"`
}

// NetworkConfig configures the DHT bootstrap and listen address.
type NetworkConfig struct {
	ListenAddr      string   `yaml:"listen_addr" json:"listen_addr"`
	BootstrapPeers  []string `yaml:"bootstrap_peers" json:"bootstrap_peers"`
	ProtocolID      string   `yaml:"protocol_id" json:"protocol_id"`
}

// SettingsConfig mirrors the per-peer Settings table from section 6.
type SettingsConfig struct {
	ContactMode          ContactMode   `yaml:"contact_mode" json:"contact_mode"`
	AutoRegister         bool          `yaml:"auto_register" json:"auto_register"`
	ReRegisterInterval   time.Duration `yaml:"re_register_interval" json:"re_register_interval"`
	KeyExchangeRateLimit time.Duration `yaml:"key_exchange_rate_limit" json:"key_exchange_rate_limit"`
	SessionMaxAge        time.Duration `yaml:"session_max_age" json:"session_max_age"`
	SessionIdleTimeout   time.Duration `yaml:"session_idle_timeout" json:"session_idle_timeout"`
	SessionMaxMessages   uint64        `yaml:"session_max_messages" json:"session_max_messages"`
	OfflineMessageTTL    time.Duration `yaml:"offline_message_ttl" json:"offline_message_ttl"`
	OfflineBucketCap     int           `yaml:"offline_bucket_capacity" json:"offline_bucket_capacity"`
	MaxFileSize          int64         `yaml:"max_file_size" json:"max_file_size"`
	FileChunkSize        int           `yaml:"file_chunk_size" json:"file_chunk_size"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level    string `yaml:"level" json:"level"`
	Format   string `yaml:"format" json:"format"`
	Output   string `yaml:"output" json:"output"`
	FilePath string `yaml:"file_path" json:"file_path"`
}

// MetricsConfig represents metrics configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Port    int    `yaml:"port" json:"port"`
	Path    string `yaml:"path" json:"path"`
}

// LoadFromFile loads configuration from a file
func LoadFromFile(path string) (*Config, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}

	// Try to parse as YAML first
	if err := yaml.Unmarshal(data, cfg); err != nil {
		// Try JSON if YAML fails
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file (tried YAML and JSON): %w", err)
		}
	}

	setDefaults(cfg)

	return cfg, nil
}

// SaveToFile saves configuration to a file
func SaveToFile(cfg *Config, path string) error {
	var data []byte
	var err error

	if len(path) > 5 && path[len(path)-5:] == ".json" {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}

	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := ioutil.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// setDefaults fills in the defaults named in the spec's design notes.
func setDefaults(cfg *Config) {
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}

	if cfg.Identity.KeyDirectory == "" {
		cfg.Identity.KeyDirectory = ".kiyeovo/keys"
	}

	if cfg.Network.ProtocolID == "" {
		cfg.Network.ProtocolID = "/kiyeovo/1.0.0/chat"
	}

	if cfg.Settings.ContactMode == "" {
		cfg.Settings.ContactMode = ContactModeActive
	}
	if cfg.Settings.ReRegisterInterval == 0 {
		cfg.Settings.ReRegisterInterval = 5 * time.Minute
	}
	if cfg.Settings.KeyExchangeRateLimit == 0 {
		cfg.Settings.KeyExchangeRateLimit = 10 * time.Second
	}
	if cfg.Settings.SessionMaxAge == 0 {
		cfg.Settings.SessionMaxAge = 24 * time.Hour
	}
	if cfg.Settings.SessionIdleTimeout == 0 {
		cfg.Settings.SessionIdleTimeout = 30 * time.Minute
	}
	if cfg.Settings.SessionMaxMessages == 0 {
		cfg.Settings.SessionMaxMessages = 1_000_000
	}
	if cfg.Settings.OfflineMessageTTL == 0 {
		cfg.Settings.OfflineMessageTTL = 14 * 24 * time.Hour
	}
	if cfg.Settings.OfflineBucketCap == 0 {
		cfg.Settings.OfflineBucketCap = 100
	}
	if cfg.Settings.MaxFileSize == 0 {
		cfg.Settings.MaxFileSize = 100 * 1024 * 1024
	}
	if cfg.Settings.FileChunkSize == 0 {
		cfg.Settings.FileChunkSize = 32 * 1024
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}
}
