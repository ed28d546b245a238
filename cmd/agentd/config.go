package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	veyrun "github.com/veyrun/veyrun"
	"github.com/veyrun/veyrun/wallet"
)

// Config is the agentd configuration file.
type Config struct {
	Listen   string `yaml:"listen"`
	Database string `yaml:"database"`
	RPCURL   string `yaml:"rpc_url"`
	LogLevel string `yaml:"log_level"`

	// Cooldown windows between payment attempts for the same resource.
	OperatorCooldown time.Duration `yaml:"operator_cooldown"`
	DirectCooldown   time.Duration `yaml:"direct_cooldown"`

	// DirectAutoConfirm settles page-direct payments without the
	// confirmation handshake. Meant for unattended demo setups only.
	DirectAutoConfirm bool `yaml:"direct_auto_confirm"`

	// MockSignature sends the demo sentinel signature instead of signing.
	MockSignature bool `yaml:"mock_signature"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config {
	return Config{
		Listen:           "127.0.0.1:8402",
		Database:         "veyrun.db",
		RPCURL:           wallet.DefaultRPC,
		LogLevel:         "info",
		OperatorCooldown: veyrun.OperatorCooldown,
		DirectCooldown:   veyrun.DirectCooldown,
	}
}

// LoadConfig reads path and overlays it on the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Listen == "" {
		return cfg, fmt.Errorf("config: listen must not be empty")
	}
	if cfg.OperatorCooldown <= 0 {
		cfg.OperatorCooldown = veyrun.OperatorCooldown
	}
	if cfg.DirectCooldown <= 0 {
		cfg.DirectCooldown = veyrun.DirectCooldown
	}
	return cfg, nil
}
