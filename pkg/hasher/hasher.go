package hasher

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/nodupelabs/nodupe/pkg/errdefs"
	"github.com/nodupelabs/nodupe/pkg/metrics"
)

// QuickHashAlgo names the algorithm behind quick digests. Quick hashes
// only prune equality candidates; they are never treated as content
// identity.
const QuickHashAlgo = "xxhash64"

const chunkSize = 1 << 20

// Hasher computes quick and full content fingerprints. Buffers are
// recycled through a shared pool to bound peak memory across workers.
type Hasher struct {
	quickBytes uint32
	pool       *sync.Pool
}

// New creates a hasher. quickBytes bounds how much of a file the quick
// hash reads from each end.
func New(quickBytes uint32) *Hasher {
	return &Hasher{
		quickBytes: quickBytes,
		pool: &sync.Pool{
			New: func() any {
				buf := make([]byte, chunkSize)
				return &buf
			},
		},
	}
}

// QuickHash reads a bounded prefix of the file — plus a suffix sample for
// files at least twice the prefix bound — and returns a short digest for
// candidate pruning.
func (h *Hasher) QuickHash(path string, size uint64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", errdefs.ErrHashFailed, path, err)
	}
	defer f.Close()

	d := xxhash.New()
	bufp := h.pool.Get().(*[]byte)
	defer h.pool.Put(bufp)
	buf := (*bufp)[:min(int(h.quickBytes), chunkSize)]

	var read uint64
	n, err := io.ReadFull(f, buf)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, fmt.Errorf("%w: %s: %v", errdefs.ErrHashFailed, path, err)
	}
	_, _ = d.Write(buf[:n])
	read += uint64(n)

	if size >= 2*uint64(h.quickBytes) {
		if _, err := f.Seek(-int64(h.quickBytes), io.SeekEnd); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", errdefs.ErrHashFailed, path, err)
		}
		n, err := io.ReadFull(f, buf)
		if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("%w: %s: %v", errdefs.ErrHashFailed, path, err)
		}
		_, _ = d.Write(buf[:n])
		read += uint64(n)
	}

	metrics.BytesHashedTotal.WithLabelValues("quick").Add(float64(read))

	var digest [8]byte
	binary.BigEndian.PutUint64(digest[:], d.Sum64())
	return digest[:], nil
}

// FullHash streams the whole file through the named algorithm, checking
// for cancellation between chunks.
func (h *Hasher) FullHash(ctx context.Context, path, algoName string) ([]byte, error) {
	algo, err := LookupAlgorithm(algoName)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", errdefs.ErrHashFailed, path, err)
	}
	defer f.Close()

	d := algo.New()
	bufp := h.pool.Get().(*[]byte)
	defer h.pool.Put(bufp)
	buf := *bufp

	var read uint64
	for {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: hashing %s", errdefs.ErrCancelled, path)
		}
		n, err := f.Read(buf)
		if n > 0 {
			_, _ = d.Write(buf[:n])
			read += uint64(n)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", errdefs.ErrHashFailed, path, err)
		}
	}

	metrics.BytesHashedTotal.WithLabelValues("full").Add(float64(read))
	return d.Sum(nil), nil
}

// HashReader streams r through the named algorithm. Used by the snapshot
// store to address content.
func HashReader(r io.Reader, algoName string) ([]byte, int64, error) {
	algo, err := LookupAlgorithm(algoName)
	if err != nil {
		return nil, 0, err
	}
	d := algo.New()
	n, err := io.Copy(d, r)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", errdefs.ErrHashFailed, err)
	}
	return d.Sum(nil), n, nil
}
