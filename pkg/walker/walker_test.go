package walker

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func collect(t *testing.T, root string, opts Options) []Entry {
	t.Helper()
	w, err := New(root, "root-1", opts)
	require.NoError(t, err)
	var entries []Entry
	for e := range w.Walk(context.Background()) {
		entries = append(entries, e)
	}
	return entries
}

func TestWalkYieldsFilesInTraversalOrder(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "b.txt"), []byte("b"))
	writeFile(t, filepath.Join(dir, "a", "x.txt"), []byte("x"))
	writeFile(t, filepath.Join(dir, "a", "y.txt"), []byte("y"))
	writeFile(t, filepath.Join(dir, "z.txt"), []byte("z"))

	entries := collect(t, dir, Options{})
	var rels []string
	for _, e := range entries {
		require.NoError(t, e.Err)
		rels = append(rels, e.RelativePath)
	}
	assert.Equal(t, []string{"a/x.txt", "a/y.txt", "b.txt", "z.txt"}, rels)

	// Order agrees with CompareRel
	for i := 1; i < len(rels); i++ {
		assert.Negative(t, CompareRel(rels[i-1], rels[i]))
	}
}

func TestWalkStatMetadata(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "f.bin"), make([]byte, 1024))

	entries := collect(t, dir, Options{})
	require.Len(t, entries, 1)
	assert.Equal(t, uint64(1024), entries[0].Stat.Size)
	assert.NotZero(t, entries[0].Stat.Inode)
	assert.NotZero(t, entries[0].Stat.MtimeNS)
}

func TestIgnorePatterns(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "keep.txt"), []byte("k"))
	writeFile(t, filepath.Join(dir, "skip.tmp"), []byte("s"))
	writeFile(t, filepath.Join(dir, "cache", "deep.txt"), []byte("d"))

	tests := []struct {
		name     string
		patterns []string
		expected []string
	}{
		{
			name:     "no patterns",
			patterns: nil,
			expected: []string{"cache/deep.txt", "keep.txt", "skip.tmp"},
		},
		{
			name:     "extension glob",
			patterns: []string{"*.tmp"},
			expected: []string{"cache/deep.txt", "keep.txt"},
		},
		{
			name:     "directory prune",
			patterns: []string{"cache"},
			expected: []string{"keep.txt", "skip.tmp"},
		},
		{
			name:     "doublestar",
			patterns: []string{"**/*.txt"},
			expected: []string{"skip.tmp"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entries := collect(t, dir, Options{IgnorePatterns: tt.patterns})
			var rels []string
			for _, e := range entries {
				rels = append(rels, e.RelativePath)
			}
			assert.Equal(t, tt.expected, rels)
		})
	}
}

func TestMissingRootIsFatal(t *testing.T) {
	entries := collect(t, "/nonexistent-nodupe-test-root", Options{})
	require.Len(t, entries, 1)
	assert.Error(t, entries[0].Err)
}

func TestSymlinksSkippedByDefault(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "real.txt"), []byte("r"))
	require.NoError(t, os.Symlink(filepath.Join(dir, "real.txt"), filepath.Join(dir, "link.txt")))

	entries := collect(t, dir, Options{})
	require.Len(t, entries, 1)
	assert.Equal(t, "real.txt", entries[0].RelativePath)
}

func TestSymlinkCycleDetected(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "sub")
	writeFile(t, filepath.Join(sub, "f.txt"), []byte("f"))
	require.NoError(t, os.Symlink(dir, filepath.Join(sub, "loop")))

	entries := collect(t, dir, Options{FollowSymlinks: true})
	var files, cycles int
	for _, e := range entries {
		if e.Err != nil {
			cycles++
			continue
		}
		files++
	}
	assert.Equal(t, 1, files)
	assert.Equal(t, 1, cycles)
}

func TestCompareRel(t *testing.T) {
	tests := []struct {
		a, b     string
		expected int
	}{
		{"a.txt", "b.txt", -1},
		{"b.txt", "a.txt", 1},
		{"a.txt", "a.txt", 0},
		{"a/x.txt", "b.txt", -1},
		{"a", "a/x.txt", -1},
		{"a/b/c", "a/b", 1},
	}
	for _, tt := range tests {
		got := CompareRel(tt.a, tt.b)
		switch tt.expected {
		case -1:
			assert.Negative(t, got, "%s vs %s", tt.a, tt.b)
		case 1:
			assert.Positive(t, got, "%s vs %s", tt.a, tt.b)
		default:
			assert.Zero(t, got, "%s vs %s", tt.a, tt.b)
		}
	}
}
