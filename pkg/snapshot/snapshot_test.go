package snapshot

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodupelabs/nodupe/pkg/errdefs"
	"github.com/nodupelabs/nodupe/pkg/types"
)

func openTestStore(t *testing.T) *DirStore {
	t.Helper()
	s, err := NewDirStore(t.TempDir(), "sha256")
	require.NoError(t, err)
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := openTestStore(t)
	data := bytes.Repeat([]byte{0x41}, 1024)

	hash, err := s.Put(bytes.NewReader(data), types.SnapshotMeta{
		OriginalMode:    0o644,
		OriginalMtimeNS: 123456789,
	})
	require.NoError(t, err)

	expected := sha256.Sum256(data)
	assert.Equal(t, expected[:], hash)

	r, err := s.Get(hash)
	require.NoError(t, err)
	defer r.Close()
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	meta, err := s.GetMeta(hash)
	require.NoError(t, err)
	assert.Equal(t, uint64(1024), meta.BytesLen)
	assert.Equal(t, uint32(0o644), meta.OriginalMode)
	assert.Equal(t, int64(123456789), meta.OriginalMtimeNS)
}

func TestPutIsIdempotentByContent(t *testing.T) {
	s := openTestStore(t)
	data := []byte("same bytes twice")

	h1, err := s.Put(bytes.NewReader(data), types.SnapshotMeta{})
	require.NoError(t, err)
	h2, err := s.Put(bytes.NewReader(data), types.SnapshotMeta{})
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	// Exactly one object on disk
	hexHash := hex.EncodeToString(h1)
	entries, err := os.ReadDir(filepath.Join(s.root, "content", hexHash[:2]))
	require.NoError(t, err)
	var objects int
	for _, e := range entries {
		if filepath.Ext(e.Name()) != ".meta" {
			objects++
		}
	}
	assert.Equal(t, 1, objects)
}

func TestLayoutUsesHashFanout(t *testing.T) {
	s := openTestStore(t)
	hash, err := s.Put(bytes.NewReader([]byte("fan me out")), types.SnapshotMeta{})
	require.NoError(t, err)

	hexHash := hex.EncodeToString(hash)
	path := filepath.Join(s.root, "content", hexHash[:2], hexHash)
	_, err = os.Stat(path)
	assert.NoError(t, err)
	_, err = os.Stat(path + ".meta")
	assert.NoError(t, err)
}

func TestGetDetectsCorruption(t *testing.T) {
	s := openTestStore(t)
	hash, err := s.Put(bytes.NewReader([]byte("pristine bytes")), types.SnapshotMeta{})
	require.NoError(t, err)

	// Flip bytes behind the store's back
	hexHash := hex.EncodeToString(hash)
	path := filepath.Join(s.root, "content", hexHash[:2], hexHash)
	require.NoError(t, os.WriteFile(path, []byte("tampered bytes"), 0o644))

	r, err := s.Get(hash)
	require.NoError(t, err)
	defer r.Close()
	_, err = io.ReadAll(r)
	assert.ErrorIs(t, err, errdefs.ErrSnapshotCorrupt)
}

func TestGetMissingObject(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Get(bytes.Repeat([]byte{0x00}, 32))
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
}

func TestRemove(t *testing.T) {
	s := openTestStore(t)
	hash, err := s.Put(bytes.NewReader([]byte("to be removed")), types.SnapshotMeta{})
	require.NoError(t, err)

	require.NoError(t, s.Remove(hash))
	_, err = s.Get(hash)
	assert.ErrorIs(t, err, errdefs.ErrNotFound)

	// Removing twice is fine
	assert.NoError(t, s.Remove(hash))
}

func TestNullStoreHashesWithoutPersisting(t *testing.T) {
	s := NewNullStore("sha256")
	data := []byte("dry run bytes")

	hash, err := s.Put(bytes.NewReader(data), types.SnapshotMeta{})
	require.NoError(t, err)
	expected := sha256.Sum256(data)
	assert.Equal(t, expected[:], hash)

	_, err = s.Get(hash)
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
}

func TestUnknownAlgorithmRejected(t *testing.T) {
	_, err := NewDirStore(t.TempDir(), "crc32")
	assert.Error(t, err)
}
