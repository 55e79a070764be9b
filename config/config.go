// Package config handles TOML configuration loading and validation for the
// gateway and agent binaries.
package config

import (
	"fmt"
	"os"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/cajax/burrow/proto"
)

// Config is the gateway configuration.
type Config struct {
	Server  ServerConfig  `toml:"server"`
	Storage StorageConfig `toml:"storage"`
	Log     LogConfig     `toml:"log"`
	Metrics MetricsConfig `toml:"metrics"`
}

// ServerConfig holds the gateway's listeners and tunnel settings.
type ServerConfig struct {
	Listen        string `toml:"listen"`
	OpsListen     string `toml:"ops_listen"`
	SignatureKey  string `toml:"signature_key"`
	ControlPath   string `toml:"control_path"`
	InspectorPath string `toml:"inspector_path"`
}

// StorageConfig selects the persistence backend. An empty DSN keeps captured
// exchanges in memory.
type StorageConfig struct {
	PostgresDSN string `toml:"postgres_dsn"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `toml:"level"`
	Debug bool   `toml:"debug"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Load reads the gateway TOML config file.
func Load(path string) (*Config, error) {
	var cfg Config
	if err := read(path, &cfg); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
	cfg.setDefaults()
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Server.SignatureKey == "" {
		return fmt.Errorf("server.signature_key must not be empty")
	}
	return nil
}

func (c *Config) setDefaults() {
	if c.Server.Listen == "" {
		c.Server.Listen = ":8080"
	}
	if c.Server.OpsListen == "" {
		c.Server.OpsListen = "127.0.0.1:9090"
	}
	if c.Server.ControlPath == "" {
		c.Server.ControlPath = proto.DefaultControlPath
	}
	if c.Server.InspectorPath == "" {
		c.Server.InspectorPath = proto.DefaultInspectorPath
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// AgentConfig is the agent (private side) configuration.
type AgentConfig struct {
	ServerURL    string    `toml:"server_url"`
	Hostname     string    `toml:"hostname"`
	SignatureKey string    `toml:"signature_key"`
	LocalAddr    string    `toml:"local_addr"`
	Log          LogConfig `toml:"log"`
}

// LoadAgent reads the agent TOML config file.
func LoadAgent(path string) (*AgentConfig, error) {
	var cfg AgentConfig
	if err := read(path, &cfg); err != nil {
		return nil, err
	}

	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("config: validate: server_url must not be empty")
	}
	if cfg.Hostname == "" {
		return nil, fmt.Errorf("config: validate: hostname must not be empty")
	}
	if cfg.SignatureKey == "" {
		return nil, fmt.Errorf("config: validate: signature_key must not be empty")
	}
	if cfg.LocalAddr == "" {
		cfg.LocalAddr = "127.0.0.1:80"
	}
	return &cfg, nil
}

func read(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}
