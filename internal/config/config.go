// Package config loads the YAML cluster configuration file named by the
// gateway's --config flag.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/platt-gateway/internal/arbiter"
)

// Config describes how to reach the storage cluster and how to size the
// Cluster Arbiter's connection pool.
type Config struct {
	// ClusterConf is the path or connection string the cluster client
	// library uses to locate its own configuration (opaque to the
	// gateway beyond passing it through to Dial).
	ClusterConf string `yaml:"cluster_conf"`

	// TimeoutSeconds is read from the file and kept on the Config; the
	// gateway does not pass it to the cluster dialer or apply it to any
	// cluster operation.
	TimeoutSeconds int `yaml:"timeout_seconds"`

	// Pool overrides the default pool sizes, per task kind. Any field
	// left at zero falls back to arbiter.DefaultPoolSizes.
	Pool PoolConfig `yaml:"pool"`
}

// PoolConfig mirrors arbiter.PoolSizes in YAML-friendly form.
type PoolConfig struct {
	Data            int `yaml:"data"`
	Hashes          int `yaml:"hashes"`
	IndexNamespaces int `yaml:"index_namespaces"`
	Index           int `yaml:"index"`
}

// Load reads and parses the YAML config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if cfg.ClusterConf == "" {
		return nil, fmt.Errorf("config: cluster_conf is required")
	}

	return &cfg, nil
}

// PoolSizes resolves the configured pool sizes against the defaults,
// filling in any field left unset.
func (c *Config) PoolSizes() arbiter.PoolSizes {
	defaults := arbiter.DefaultPoolSizes()
	sizes := arbiter.PoolSizes{
		Data:            c.Pool.Data,
		Hashes:          c.Pool.Hashes,
		IndexNamespaces: c.Pool.IndexNamespaces,
		Index:           c.Pool.Index,
	}
	if sizes.Data == 0 {
		sizes.Data = defaults.Data
	}
	if sizes.Hashes == 0 {
		sizes.Hashes = defaults.Hashes
	}
	if sizes.IndexNamespaces == 0 {
		sizes.IndexNamespaces = defaults.IndexNamespaces
	}
	if sizes.Index == 0 {
		sizes.Index = defaults.Index
	}
	return sizes
}
