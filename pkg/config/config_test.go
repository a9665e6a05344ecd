package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodupelabs/nodupe/pkg/errdefs"
	"github.com/nodupelabs/nodupe/pkg/types"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, "sha256", cfg.Snapshot.HashAlgorithm)
	assert.Equal(t, types.MediaAuto, cfg.Scan.MediaProfile)
	assert.Equal(t, uint32(64*1024), cfg.Scan.QuickHashBytes)
	assert.Equal(t, uint16(5), cfg.Scan.CheckpointIntervalS)
	assert.Equal(t, uint8(3), cfg.Apply.RetryAttempts)
	assert.Equal(t, "fail", cfg.Apply.PolicyOnMissing)
	assert.NotZero(t, cfg.Scan.Workers)
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Snapshot.HashAlgorithm, cfg.Snapshot.HashAlgorithm)
}

func TestLoadMergesOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nodupe.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
catalog:
  path: /var/lib/nodupe/catalog.db
  group_commit_ms: 50
scan:
  media_profile: hdd
  workers: 2
snapshot:
  hash_algorithm: blake3
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/nodupe/catalog.db", cfg.Catalog.Path)
	assert.Equal(t, uint32(50), cfg.Catalog.GroupCommitMS)
	assert.Equal(t, types.MediaHDD, cfg.Scan.MediaProfile)
	assert.Equal(t, uint16(2), cfg.Scan.Workers)
	assert.Equal(t, "blake3", cfg.Snapshot.HashAlgorithm)
	// Untouched keys keep their defaults
	assert.Equal(t, uint8(3), cfg.Apply.RetryAttempts)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown hash algorithm", func(c *Config) { c.Snapshot.HashAlgorithm = "md5" }},
		{"unknown media profile", func(c *Config) { c.Scan.MediaProfile = "floppy" }},
		{"unknown missing policy", func(c *Config) { c.Apply.PolicyOnMissing = "maybe" }},
		{"zero quick hash bytes", func(c *Config) { c.Scan.QuickHashBytes = 0 }},
		{"empty catalog path", func(c *Config) { c.Catalog.Path = "" }},
		{"empty snapshot root", func(c *Config) { c.Snapshot.Root = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), errdefs.ErrInvalidInput)
		})
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("catalog: ["), 0o644))

	_, err := Load(path)
	assert.ErrorIs(t, err, errdefs.ErrInvalidInput)
}
