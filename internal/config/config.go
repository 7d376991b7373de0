// Package config provides configuration management for the relay server.
package config

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the relay server configuration.
type Config struct {
	DataDir string        `yaml:"data_dir"`
	HotNode string        `yaml:"hot_node"` // registered name of the local hot node
	Mesh    MeshConfig    `yaml:"mesh"`
	Store   StoreConfig   `yaml:"store"`
	Archive ArchiveConfig `yaml:"archive"`
}

// MeshConfig contains mesh transport settings.
type MeshConfig struct {
	Listen   []string `yaml:"listen"`
	MaxConns int      `yaml:"max_connections"`
}

// StoreConfig contains event store settings.
type StoreConfig struct {
	QueryTimeout time.Duration `yaml:"query_timeout"`
	ExpirySweep  time.Duration `yaml:"expiry_sweep"`
	VerifyEvents bool          `yaml:"verify_events"`
	DefaultLimit int           `yaml:"default_limit"`
}

// ArchiveConfig contains defaults for archival moves.
type ArchiveConfig struct {
	BatchWindow int64 `yaml:"batch_window"`
	BatchSize   int   `yaml:"batch_size"`
}

// Default returns a default configuration.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".relaymesh")

	return &Config{
		DataDir: dataDir,
		HotNode: "hot",
		Mesh: MeshConfig{
			Listen: []string{
				"/ip4/0.0.0.0/tcp/4801",
			},
			MaxConns: 256,
		},
		Store: StoreConfig{
			QueryTimeout: 15 * time.Second,
			ExpirySweep:  time.Hour,
			VerifyEvents: true,
			DefaultLimit: 500,
		},
		Archive: ArchiveConfig{
			BatchWindow: 86400,
			BatchSize:   500,
		},
	}
}

// DefaultPath returns the default configuration file path.
func DefaultPath() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".relaymesh", "config.yaml")
}

// Load loads the configuration from a file. A missing file yields the
// defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save saves the configuration to a file.
func Save(path string, cfg *Config) error {
	if path == "" {
		path = DefaultPath()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// RegistryPath returns the registry database path under the data dir.
func (c *Config) RegistryPath() string {
	return filepath.Join(c.DataDir, "registry.db")
}

// PartitionDir returns the directory holding partition database files.
func (c *Config) PartitionDir() string {
	return filepath.Join(c.DataDir, "partitions")
}

// HotPartitionPath returns the hot partition database path.
func (c *Config) HotPartitionPath() string {
	return filepath.Join(c.PartitionDir(), c.HotNode+".db")
}

// TagIndexPath returns the tag index database path.
func (c *Config) TagIndexPath() string {
	return filepath.Join(c.DataDir, "tagindex.db")
}
