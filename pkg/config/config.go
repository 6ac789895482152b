// Copyright 2024-2026 Aiku AI

// Package config loads and upgrades the bridge configuration file.
package config

import (
	_ "embed"
	"fmt"
	"os"

	up "go.mau.fi/util/configupgrade"
	"go.mau.fi/util/dbutil"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"

	"github.com/aiku/mautrix-signal/pkg/bridge"
)

//go:embed example-config.yaml
var ExampleConfig string

// HomeserverConfig points at the Matrix server the bridge serves.
type HomeserverConfig struct {
	// Address is the client-server API endpoint.
	Address string `yaml:"address"`
	// Domain is the server name MXIDs carry.
	Domain string `yaml:"domain"`
}

// AppserviceConfig holds the registration shared with the homeserver.
type AppserviceConfig struct {
	// Address is the listen address the homeserver pushes transactions to.
	Address     string `yaml:"address"`
	ASToken     string `yaml:"as_token"`
	HSToken     string `yaml:"hs_token"`
	BotUsername string `yaml:"bot_username"`
}

// SignalConfig holds the connection to the Signal daemon.
type SignalConfig struct {
	// SocketPath is the signald-compatible UNIX socket.
	SocketPath string `yaml:"socket_path"`
	// DeviceName is shown in the Signal app's linked devices list.
	DeviceName string `yaml:"device_name"`
}

type Config struct {
	Homeserver HomeserverConfig `yaml:"homeserver"`
	Appservice AppserviceConfig `yaml:"appservice"`
	Database   dbutil.Config    `yaml:"database"`
	Signal     SignalConfig     `yaml:"signal"`
	Bridge     bridge.Config    `yaml:"bridge"`

	// AdminAPIAddr is the listen address of the operator HTTP API.
	// Defaults to ":29328".
	AdminAPIAddr string `yaml:"admin_api_addr"`

	Logging zeroconfig.Config `yaml:"logging"`
}

// Load upgrades the file in place against the embedded example, then
// parses and validates it.
func Load(path string) (*Config, error) {
	upgrader := &up.StructUpgrader{
		SimpleUpgrader: up.SimpleUpgrader(upgradeConfig),
		Base:           ExampleConfig,
	}
	data, _, err := up.Do(path, true, upgrader)
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade config: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates raw config bytes.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.PostProcess(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// PostProcess validates required fields and fills in defaults.
func (cfg *Config) PostProcess() error {
	if cfg.Homeserver.Address == "" {
		return fmt.Errorf("homeserver.address is required")
	}
	if cfg.Homeserver.Domain == "" {
		return fmt.Errorf("homeserver.domain is required")
	}
	if cfg.Appservice.ASToken == "" || cfg.Appservice.HSToken == "" {
		return fmt.Errorf("appservice tokens are required")
	}
	if cfg.Appservice.Address == "" {
		cfg.Appservice.Address = ":29329"
	}
	if cfg.Appservice.BotUsername == "" {
		cfg.Appservice.BotUsername = "signalbot"
	}
	if cfg.Database.Type == "" {
		cfg.Database.Type = "sqlite3-fk-wal"
	}
	if cfg.Database.URI == "" {
		cfg.Database.URI = "mautrix-signal.db"
	}
	if cfg.Database.Type == "sqlite3-fk-wal" && cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 1
		cfg.Database.MaxIdleConns = 1
	}
	if cfg.Signal.SocketPath == "" {
		cfg.Signal.SocketPath = "/var/run/signald/signald.sock"
	}
	if cfg.Signal.DeviceName == "" {
		cfg.Signal.DeviceName = "mautrix-signal"
	}
	if cfg.AdminAPIAddr == "" {
		cfg.AdminAPIAddr = ":29328"
	}
	// The engine shares the homeserver domain unless overridden.
	if cfg.Bridge.Domain == "" {
		cfg.Bridge.Domain = cfg.Homeserver.Domain
	}
	return cfg.Bridge.PostProcess()
}

// WriteExample writes the embedded example config to the given path.
func WriteExample(path string) error {
	return os.WriteFile(path, []byte(ExampleConfig), 0o600)
}
