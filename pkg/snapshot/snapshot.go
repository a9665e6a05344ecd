package snapshot

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/nodupelabs/nodupe/pkg/errdefs"
	"github.com/nodupelabs/nodupe/pkg/hasher"
	"github.com/nodupelabs/nodupe/pkg/log"
	"github.com/nodupelabs/nodupe/pkg/metrics"
	"github.com/nodupelabs/nodupe/pkg/types"
)

// Store is the content-addressable pre-image store consumed by the apply
// executor and the verifier. Refcounts live in the catalog, not here.
type Store interface {
	// Put streams bytes into the store and returns their content hash.
	// Putting existing content is a no-op that returns the same hash.
	Put(r io.Reader, meta types.SnapshotMeta) ([]byte, error)
	// Get returns a reader over the object's bytes. The returned reader
	// verifies the content hash and fails with ErrSnapshotCorrupt on
	// mismatch before EOF is surfaced.
	Get(contentHash []byte) (io.ReadCloser, error)
	GetMeta(contentHash []byte) (*types.SnapshotMeta, error)
	Remove(contentHash []byte) error
	Algorithm() string
}

// DirStore lays objects out as {root}/content/{aa}/{hash} with a
// {hash}.meta sidecar, aa being the first hex byte of the hash.
type DirStore struct {
	root   string
	algo   string
	logger zerolog.Logger
}

// NewDirStore opens (creating if needed) a snapshot store rooted at root
func NewDirStore(root, algo string) (*DirStore, error) {
	if _, err := hasher.LookupAlgorithm(algo); err != nil {
		return nil, err
	}
	for _, dir := range []string{filepath.Join(root, "content"), filepath.Join(root, "tmp")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
		}
	}
	return &DirStore{root: root, algo: algo, logger: log.WithComponent("snapshot")}, nil
}

// Algorithm returns the store's content hash algorithm
func (s *DirStore) Algorithm() string { return s.algo }

func (s *DirStore) objectPath(contentHash []byte) string {
	h := hex.EncodeToString(contentHash)
	return filepath.Join(s.root, "content", h[:2], h)
}

// Put streams r to a temp file, hashes it, and renames it into place.
// Existing content keeps the stored object; the temp copy is discarded.
func (s *DirStore) Put(r io.Reader, meta types.SnapshotMeta) ([]byte, error) {
	tmp, err := os.CreateTemp(filepath.Join(s.root, "tmp"), "put-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshot temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	algo, _ := hasher.LookupAlgorithm(s.algo)
	d := algo.New()
	n, err := io.Copy(io.MultiWriter(tmp, d), r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, fmt.Errorf("failed to stage snapshot object: %w", err)
	}
	contentHash := d.Sum(nil)
	meta.BytesLen = uint64(n)

	dst := s.objectPath(contentHash)
	if _, err := os.Stat(dst); err == nil {
		return contentHash, nil
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return nil, err
	}
	metaData, err := json.Marshal(&meta)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(dst+".meta", metaData, 0o644); err != nil {
		return nil, err
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		return nil, fmt.Errorf("failed to commit snapshot object: %w", err)
	}

	metrics.SnapshotObjectsTotal.Inc()
	metrics.SnapshotBytesTotal.Add(float64(n))
	s.logger.Debug().
		Str("content_hash", hex.EncodeToString(contentHash)).
		Int64("bytes", n).
		Msg("Stored snapshot object")
	return contentHash, nil
}

// Get opens the object and wraps it in a hash-verifying reader
func (s *DirStore) Get(contentHash []byte) (io.ReadCloser, error) {
	f, err := os.Open(s.objectPath(contentHash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: snapshot object %x", errdefs.ErrNotFound, contentHash)
		}
		return nil, err
	}
	algo, _ := hasher.LookupAlgorithm(s.algo)
	return &verifyingReader{f: f, digest: algo.New(), want: contentHash}, nil
}

// GetMeta reads the object's metadata sidecar
func (s *DirStore) GetMeta(contentHash []byte) (*types.SnapshotMeta, error) {
	data, err := os.ReadFile(s.objectPath(contentHash) + ".meta")
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: snapshot meta %x", errdefs.ErrNotFound, contentHash)
		}
		return nil, err
	}
	var meta types.SnapshotMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("%w: undecodable meta for %x", errdefs.ErrSnapshotCorrupt, contentHash)
	}
	return &meta, nil
}

// Objects streams the content hash of every stored object
func (s *DirStore) Objects(fn func(contentHash []byte) error) error {
	fanout, err := os.ReadDir(filepath.Join(s.root, "content"))
	if err != nil {
		return err
	}
	for _, dir := range fanout {
		if !dir.IsDir() {
			continue
		}
		entries, err := os.ReadDir(filepath.Join(s.root, "content", dir.Name()))
		if err != nil {
			return err
		}
		for _, e := range entries {
			if filepath.Ext(e.Name()) == ".meta" {
				continue
			}
			contentHash, err := hex.DecodeString(e.Name())
			if err != nil {
				continue
			}
			if err := fn(contentHash); err != nil {
				return err
			}
		}
	}
	return nil
}

// Remove deletes the object and its sidecar. Callers must only remove
// objects whose catalog refcount is zero.
func (s *DirStore) Remove(contentHash []byte) error {
	path := s.objectPath(contentHash)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Remove(path + ".meta"); err != nil && !os.IsNotExist(err) {
		return err
	}
	metrics.SnapshotObjectsTotal.Dec()
	return nil
}

// verifyingReader hashes everything read and compares against the
// expected content hash once the underlying file is exhausted.
type verifyingReader struct {
	f      *os.File
	digest interface {
		io.Writer
		Sum([]byte) []byte
	}
	want     []byte
	verified bool
}

func (r *verifyingReader) Read(p []byte) (int, error) {
	n, err := r.f.Read(p)
	if n > 0 {
		_, _ = r.digest.Write(p[:n])
	}
	if err == io.EOF && !r.verified {
		r.verified = true
		if got := r.digest.Sum(nil); !bytes.Equal(got, r.want) {
			return n, fmt.Errorf("%w: object %x hashed to %x", errdefs.ErrSnapshotCorrupt, r.want, got)
		}
	}
	return n, err
}

func (r *verifyingReader) Close() error { return r.f.Close() }

// NullStore backs dry-run apply: Put consumes and hashes its input
// without persisting, Get and GetMeta always miss.
type NullStore struct {
	algo string
}

// NewNullStore creates a null snapshot sink
func NewNullStore(algo string) *NullStore { return &NullStore{algo: algo} }

func (s *NullStore) Algorithm() string { return s.algo }

func (s *NullStore) Put(r io.Reader, _ types.SnapshotMeta) ([]byte, error) {
	contentHash, _, err := hasher.HashReader(r, s.algo)
	return contentHash, err
}

func (s *NullStore) Get(contentHash []byte) (io.ReadCloser, error) {
	return nil, fmt.Errorf("%w: null snapshot store", errdefs.ErrNotFound)
}

func (s *NullStore) GetMeta(contentHash []byte) (*types.SnapshotMeta, error) {
	return nil, fmt.Errorf("%w: null snapshot store", errdefs.ErrNotFound)
}

func (s *NullStore) Remove([]byte) error { return nil }
