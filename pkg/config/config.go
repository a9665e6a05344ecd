package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"

	"github.com/nodupelabs/nodupe/pkg/errdefs"
	"github.com/nodupelabs/nodupe/pkg/types"
)

// CatalogConfig configures the embedded catalog database
type CatalogConfig struct {
	Path          string `yaml:"path"`
	GroupCommitMS uint32 `yaml:"group_commit_ms"`
}

// SnapshotConfig configures the content-addressable snapshot store
type SnapshotConfig struct {
	Root          string `yaml:"root"`
	HashAlgorithm string `yaml:"hash_algorithm"`
}

// ScanConfig configures the scan pipeline
type ScanConfig struct {
	Workers             uint16             `yaml:"workers"`
	MediaProfile        types.MediaProfile `yaml:"media_profile"`
	QuickHashBytes      uint32             `yaml:"quick_hash_bytes"`
	CheckpointIntervalS uint16             `yaml:"checkpoint_interval_s"`
}

// ApplyConfig configures the apply executor
type ApplyConfig struct {
	RetryAttempts   uint8  `yaml:"retry_attempts"`
	PolicyOnMissing string `yaml:"policy_on_missing"`
}

// RollbackConfig configures snapshot retention
type RollbackConfig struct {
	RetentionDays uint16 `yaml:"retention_days"`
	MaxSnapshots  uint32 `yaml:"max_snapshots"`
}

// Config is the full configuration recognized by the core
type Config struct {
	Catalog  CatalogConfig  `yaml:"catalog"`
	Snapshot SnapshotConfig `yaml:"snapshot"`
	Scan     ScanConfig     `yaml:"scan"`
	Apply    ApplyConfig    `yaml:"apply"`
	Rollback RollbackConfig `yaml:"rollback"`
}

// Default returns the configuration used when no file is present
func Default() *Config {
	dataDir := defaultDataDir()
	return &Config{
		Catalog: CatalogConfig{
			Path:          filepath.Join(dataDir, "catalog.db"),
			GroupCommitMS: 0,
		},
		Snapshot: SnapshotConfig{
			Root:          filepath.Join(dataDir, "snapshots"),
			HashAlgorithm: "sha256",
		},
		Scan: ScanConfig{
			Workers:             uint16(min(runtime.NumCPU(), 8)),
			MediaProfile:        types.MediaAuto,
			QuickHashBytes:      64 * 1024,
			CheckpointIntervalS: 5,
		},
		Apply: ApplyConfig{
			RetryAttempts:   3,
			PolicyOnMissing: "fail",
		},
		Rollback: RollbackConfig{
			RetentionDays: 30,
			MaxSnapshots:  100000,
		},
	}
}

func defaultDataDir() string {
	if dir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(dir, ".nodupe")
	}
	return ".nodupe"
}

// Load reads the config file at path, merging it over defaults.
// A missing file yields the defaults; a malformed one is an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: failed to parse config %s: %v", errdefs.ErrInvalidInput, path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validHashAlgorithms = map[string]bool{
	"sha256":   true,
	"sha512":   true,
	"sha3_256": true,
	"blake2b":  true,
	"blake2s":  true,
	"blake3":   true,
}

// Validate rejects out-of-range or unknown values
func (c *Config) Validate() error {
	if !validHashAlgorithms[c.Snapshot.HashAlgorithm] {
		return fmt.Errorf("%w: unknown snapshot hash algorithm %q", errdefs.ErrInvalidInput, c.Snapshot.HashAlgorithm)
	}
	switch c.Scan.MediaProfile {
	case types.MediaSSD, types.MediaHDD, types.MediaNetwork, types.MediaAuto:
	default:
		return fmt.Errorf("%w: unknown media profile %q", errdefs.ErrInvalidInput, c.Scan.MediaProfile)
	}
	switch c.Apply.PolicyOnMissing {
	case "fail", "ignore":
	default:
		return fmt.Errorf("%w: unknown policy_on_missing %q", errdefs.ErrInvalidInput, c.Apply.PolicyOnMissing)
	}
	if c.Scan.QuickHashBytes == 0 {
		return fmt.Errorf("%w: scan.quick_hash_bytes must be positive", errdefs.ErrInvalidInput)
	}
	if c.Catalog.Path == "" {
		return fmt.Errorf("%w: catalog.path must be set", errdefs.ErrInvalidInput)
	}
	if c.Snapshot.Root == "" {
		return fmt.Errorf("%w: snapshot.root must be set", errdefs.ErrInvalidInput)
	}
	return nil
}
