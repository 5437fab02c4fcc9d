package main

import (
	"os"
	"reflect"

	"github.com/naoina/toml"
)

// PoolConfig is the on-disk description of a pool's topology: the shape
// "pool create" needs but that a label alone can't recover (spec.md
// §4.11's Open Question about reconstructing RAID variant/stripe width
// purely from an imported label). "pool create" reads it; "pool import"
// does not, and relies on devmgr's leaf-per-cluster reconstruction.
type PoolConfig struct {
	Name     string          `toml:"name"`
	Clusters []ClusterConfig `toml:"cluster"`
}

// ClusterConfig describes one Cluster: a RAID variant over one or more
// Mirrors, each Mirror over one or more leaf files.
type ClusterConfig struct {
	Raid    string     `toml:"raid"` // "single", "mirror", "primes"
	K       int        `toml:"k,omitempty"`
	F       int        `toml:"f,omitempty"`
	Mirrors [][]string `toml:"mirrors"` // each inner list is one mirror's leaf paths
}

// tomlSettings mirrors the teacher's own cmd/geth config.toml conventions
// (github.com/naoina/toml driven by a shared toml.Config rather than the
// package-level defaults), so field-name folding behaves the same way a
// bfffs operator would expect from any other binary built from this tree.
var tomlSettings = toml.Config{
	NormFieldName: func(rt reflect.Type, key string) string {
		return key
	},
	FieldToKey: func(rt reflect.Type, field string) string {
		return field
	},
}

// LoadPoolConfig reads and parses a TOML pool topology file.
func LoadPoolConfig(path string) (PoolConfig, error) {
	var cfg PoolConfig
	f, err := os.Open(path)
	if err != nil {
		return cfg, err
	}
	defer f.Close()
	if err := tomlSettings.NewDecoder(f).Decode(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// SavePoolConfig writes cfg to path as TOML.
func SavePoolConfig(path string, cfg PoolConfig) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return tomlSettings.NewEncoder(f).Encode(cfg)
}
