// Package config loads and persists the ledger node's YAML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// NetworkType selects which DHT/bootstrap environment the node joins.
type NetworkType string

const (
	NetworkMainnet NetworkType = "mainnet"
	NetworkTestnet NetworkType = "testnet"
)

// Config is the node's full on-disk configuration.
type Config struct {
	Network      NetworkType        `yaml:"network"`
	Identity     IdentityConfig     `yaml:"identity"`
	P2P          P2PConfig          `yaml:"p2p"`
	ConnMgr      ConnMgrConfig      `yaml:"conn_mgr"`
	Storage      StorageConfig      `yaml:"storage"`
	ControlPlane ControlPlaneConfig `yaml:"control_plane"`
	Relay        RelayConfig        `yaml:"relay"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// IdentityConfig locates the node's persisted identity seed.
type IdentityConfig struct {
	DataDir string `yaml:"data_dir"`
}

// P2PConfig configures the libp2p overlay.
type P2PConfig struct {
	ListenPort   int      `yaml:"listen_port"`
	MdnsEnabled  bool     `yaml:"mdns_enabled"`
	DhtEnabled   bool     `yaml:"dht_enabled"`
	Bootstrap    []string `yaml:"bootstrap_peers"`
	DhtTTLHours  int      `yaml:"dht_ttl_hours"`
}

// ConnMgrConfig configures libp2p's connection manager watermarks.
type ConnMgrConfig struct {
	LowWater    int `yaml:"low_water"`
	HighWater   int `yaml:"high_water"`
	GracePeriod int `yaml:"grace_period_seconds"`
}

// StorageConfig locates the node's SQLite database.
type StorageConfig struct {
	DataDir string `yaml:"data_dir"`
}

// ControlPlaneConfig configures the loopback REST/WebSocket API.
type ControlPlaneConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// RelayConfig configures the mail-relay fallback transport.
type RelayConfig struct {
	SMTPHost string `yaml:"smtp_host"`
	SMTPPort int    `yaml:"smtp_port"`
	IMAPHost string `yaml:"imap_host"`
	IMAPPort int    `yaml:"imap_port"`
	Username string `yaml:"username"`
	Address  string `yaml:"address"`
}

// LoggingConfig configures the node's structured logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

const configFileName = "config.yaml"

// DefaultConfig returns sane defaults for a fresh node rooted at dataDir.
func DefaultConfig(dataDir string) *Config {
	return &Config{
		Network: NetworkMainnet,
		Identity: IdentityConfig{
			DataDir: dataDir,
		},
		P2P: P2PConfig{
			ListenPort:  9420,
			MdnsEnabled: true,
			DhtEnabled:  true,
			DhtTTLHours: 72,
		},
		ConnMgr: ConnMgrConfig{
			LowWater:    50,
			HighWater:   200,
			GracePeriod: 60,
		},
		Storage: StorageConfig{
			DataDir: dataDir,
		},
		ControlPlane: ControlPlaneConfig{
			Host: "127.0.0.1",
			Port: 8420,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadConfig reads dataDir/config.yaml, writing and returning defaults if it
// does not yet exist.
func LoadConfig(dataDir string) (*Config, error) {
	path := ConfigPath(dataDir)

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		cfg := DefaultConfig(dataDir)
		if err := cfg.Save(path); err != nil {
			return nil, fmt.Errorf("writing default config: %w", err)
		}
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg := DefaultConfig(dataDir)
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}

// Save writes cfg as YAML to path.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}

// ConfigPath returns the canonical config file path under dataDir.
func ConfigPath(dataDir string) string {
	return filepath.Join(expandPath(dataDir), configFileName)
}

func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
