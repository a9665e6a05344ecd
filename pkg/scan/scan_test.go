package scan

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodupelabs/nodupe/pkg/storage"
	"github.com/nodupelabs/nodupe/pkg/types"
)

func openTestCatalog(t *testing.T) storage.Catalog {
	t.Helper()
	c, err := storage.Open(filepath.Join(t.TempDir(), "catalog.db"), storage.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func writeFile(t *testing.T, dir, name string, data []byte) {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func TestScanCatalogsFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.bin", bytes.Repeat([]byte{0x41}, 1024))
	writeFile(t, dir, "b.bin", bytes.Repeat([]byte{0x41}, 1024))
	writeFile(t, dir, "c.bin", bytes.Repeat([]byte{0x42}, 1024))

	catalog := openTestCatalog(t)
	o := New(catalog, Options{Workers: 2})

	result, err := o.Scan(context.Background(), []string{dir})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), result.FilesSeen)

	// a and b collide on size and quick hash; only they get full hashes
	assert.Equal(t, uint64(2), result.FullHashed)

	roots, err := catalog.ListRoots()
	require.NoError(t, err)
	require.Len(t, roots, 1)
	rootID := roots[0].ID

	a, err := catalog.FindByKey(rootID, "a.bin")
	require.NoError(t, err)
	b, err := catalog.FindByKey(rootID, "b.bin")
	require.NoError(t, err)
	c, err := catalog.FindByKey(rootID, "c.bin")
	require.NoError(t, err)

	assert.NotEmpty(t, a.FullHash)
	assert.Equal(t, a.FullHash, b.FullHash)
	assert.Empty(t, c.FullHash)
	assert.Equal(t, result.HashAlgo, a.HashAlgo)
}

func TestProgressiveHashingSkipsUniqueSizes(t *testing.T) {
	dir := t.TempDir()

	// 20 files with unique sizes, 3 groups of 4 identical 4 KiB files
	for i := 0; i < 20; i++ {
		writeFile(t, dir, fmt.Sprintf("unique%02d.bin", i), make([]byte, 100+i))
	}
	for g := 0; g < 3; g++ {
		content := bytes.Repeat([]byte{byte(g + 1)}, 4096)
		for m := 0; m < 4; m++ {
			writeFile(t, dir, fmt.Sprintf("dup_g%d_m%d.bin", g, m), content)
		}
	}

	catalog := openTestCatalog(t)
	o := New(catalog, Options{Workers: 4})

	result, err := o.Scan(context.Background(), []string{dir})
	require.NoError(t, err)
	assert.Equal(t, uint64(32), result.FilesSeen)
	assert.Equal(t, uint64(12), result.FullHashed)

	var classes []storage.HashBucket
	require.NoError(t, catalog.IterHashBuckets(result.HashAlgo, 2, func(b storage.HashBucket) error {
		classes = append(classes, b)
		return nil
	}))
	require.Len(t, classes, 3)
	for _, class := range classes {
		assert.Len(t, class.FileIDs, 4)
	}

	// Unique-size files were never fully hashed
	roots, _ := catalog.ListRoots()
	for i := 0; i < 20; i++ {
		rec, err := catalog.FindByKey(roots[0].ID, fmt.Sprintf("unique%02d.bin", i))
		require.NoError(t, err)
		assert.Empty(t, rec.FullHash, rec.RelativePath)
	}
}

func TestScanIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.bin", bytes.Repeat([]byte{0x41}, 512))
	writeFile(t, dir, "b.bin", bytes.Repeat([]byte{0x41}, 512))

	catalog := openTestCatalog(t)

	_, err := New(catalog, Options{Workers: 2}).Scan(context.Background(), []string{dir})
	require.NoError(t, err)

	roots, _ := catalog.ListRoots()
	first, err := catalog.FindByKey(roots[0].ID, "a.bin")
	require.NoError(t, err)

	result, err := New(catalog, Options{Workers: 2}).Scan(context.Background(), []string{dir})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), result.FilesSeen)

	second, err := catalog.FindByKey(roots[0].ID, "a.bin")
	require.NoError(t, err)

	// Same identity, same id, same fingerprints; only the epoch moved
	assert.Equal(t, first.FileID, second.FileID)
	assert.Equal(t, first.QuickHash, second.QuickHash)
	assert.Equal(t, first.FullHash, second.FullHash)
	assert.Greater(t, second.ScanEpoch, first.ScanEpoch)
}

func TestScanMarksVanishedFilesMissing(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "stays.bin", []byte("s"))
	writeFile(t, dir, "goes.bin", []byte("g"))

	catalog := openTestCatalog(t)
	_, err := New(catalog, Options{Workers: 1}).Scan(context.Background(), []string{dir})
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(dir, "goes.bin")))
	_, err = New(catalog, Options{Workers: 1}).Scan(context.Background(), []string{dir})
	require.NoError(t, err)

	roots, _ := catalog.ListRoots()
	gone, err := catalog.FindByKey(roots[0].ID, "goes.bin")
	require.NoError(t, err)
	assert.Equal(t, types.FileStateMissing, gone.State)

	stays, err := catalog.FindByKey(roots[0].ID, "stays.bin")
	require.NoError(t, err)
	assert.Equal(t, types.FileStatePresent, stays.State)
}

func TestCancelledScanWritesCheckpoint(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 50; i++ {
		writeFile(t, dir, fmt.Sprintf("f%03d.bin", i), make([]byte, 64))
	}

	catalog := openTestCatalog(t)

	ctx, cancel := context.WithCancel(context.Background())
	var once bool
	o := New(catalog, Options{
		Workers:   1,
		BatchSize: 4,
		Progress: func(files, bytes uint64) {
			if !once && files >= 8 {
				once = true
				cancel()
			}
		},
	})

	_, err := o.Scan(ctx, []string{dir})
	require.ErrorContains(t, err, "cancelled")

	roots, _ := catalog.ListRoots()
	cp, err := catalog.GetCheckpoint(roots[0].ID)
	require.NoError(t, err)
	assert.NotEmpty(t, cp.LastCompletedSubpath)
	assert.NotZero(t, cp.VisitedCount)

	// Resume finishes the root without duplicating identities
	result, err := New(catalog, Options{Workers: 1, Resume: true}).Scan(context.Background(), []string{dir})
	require.NoError(t, err)
	assert.Equal(t, cp.Epoch, result.Epoch)

	seen := map[uint64]bool{}
	for i := 0; i < 50; i++ {
		rec, err := catalog.FindByKey(roots[0].ID, fmt.Sprintf("f%03d.bin", i))
		require.NoError(t, err)
		assert.False(t, seen[rec.FileID], "duplicate file id")
		seen[rec.FileID] = true
	}
}

func TestScanWithEmbeddings(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.bin", bytes.Repeat([]byte{0x41}, 256))

	catalog := openTestCatalog(t)
	_, err := New(catalog, Options{Workers: 1, Embed: true}).Scan(context.Background(), []string{dir})
	require.NoError(t, err)

	roots, _ := catalog.ListRoots()
	rec, err := catalog.FindByKey(roots[0].ID, "a.bin")
	require.NoError(t, err)
	require.NotZero(t, rec.EmbeddingID)

	emb, err := catalog.GetEmbedding(rec.EmbeddingID)
	require.NoError(t, err)
	assert.Equal(t, "histogram256", emb.ModelID)
	assert.Equal(t, uint16(256), emb.Dim)
}

func TestFrontierAdvancesContiguously(t *testing.T) {
	f := newFrontier("")

	f.commit(2, "c")
	assert.Empty(t, f.last)

	f.commit(0, "a")
	assert.Equal(t, "a", f.last)

	f.commit(1, "b")
	assert.Equal(t, "c", f.last)
	assert.Equal(t, uint64(3), f.visited)
}
