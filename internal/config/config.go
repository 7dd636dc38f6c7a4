// Package config loads the index's tunables from YAML: try a default
// path, fall back to built-in defaults, then clamp any out-of-range
// field.
package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the full set of runtime tunables. Nothing here changes
// the index's structural invariants or page-layout constants; these
// fields size the surrounding infrastructure.
type Config struct {
	PagePool PagePoolConfig `yaml:"page_pool"`
	Spin     SpinConfig     `yaml:"spin"`
	Snapshot SnapshotConfig `yaml:"snapshot"`
}

// PagePoolConfig sizes the volatile page allocator (pkg/pagepool).
type PagePoolConfig struct {
	NumaNodes       int    `yaml:"numa_nodes"`
	CapacityPerNode uint32 `yaml:"capacity_per_node"`
}

// SpinConfig holds a spin-attempt budget that Load fills in and
// clamps. Nothing else reads it: the page version protocol spins
// without a limit and logs no contention warning.
type SpinConfig struct {
	MaxAttemptsBeforeWarn int `yaml:"max_attempts_before_warn"`
}

// SnapshotConfig points at the Redis-backed snapshot resolver.
// Host is empty when no external snapshot tier is configured, in
// which case the in-memory fake resolver is used instead.
type SnapshotConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	Database int    `yaml:"database"`
}

func defaults() *Config {
	return &Config{
		PagePool: PagePoolConfig{
			NumaNodes:       1,
			CapacityPerNode: 1 << 20,
		},
		Spin: SpinConfig{
			MaxAttemptsBeforeWarn: 64,
		},
		Snapshot: SnapshotConfig{
			Host: "",
			Port: 6379,
		},
	}
}

// Load tries configPath if given, otherwise the two conventional
// default paths, falling back to built-in defaults when none are
// found. Fields present in the YAML override the defaults field by
// field; Load then clamps anything left out of range.
func Load(configPath string) (*Config, error) {
	cfg := defaults()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return cfg, err
		}
		applyDefaults(cfg)
		return cfg, nil
	}

	for _, p := range []string{"configs/masstree.yaml", "masstree.yaml"} {
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return cfg, err
		}
		applyDefaults(cfg)
		return cfg, nil
	}

	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.PagePool.NumaNodes <= 0 {
		cfg.PagePool.NumaNodes = 1
	}
	if cfg.PagePool.CapacityPerNode == 0 {
		cfg.PagePool.CapacityPerNode = 1 << 20
	}
	if cfg.Spin.MaxAttemptsBeforeWarn <= 0 {
		cfg.Spin.MaxAttemptsBeforeWarn = 64
	}
	if cfg.Snapshot.Port <= 0 {
		cfg.Snapshot.Port = 6379
	}
}
