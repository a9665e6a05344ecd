package similarity

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"

	"github.com/nodupelabs/nodupe/pkg/errdefs"
)

// Match is one nearest neighbor with its cosine score
type Match struct {
	EmbeddingID uint64
	Score       float32
}

// Backend is the pluggable similarity index consumed by the planner.
// Implementations must be deterministic for equal inputs and must not
// mutate shared state.
type Backend interface {
	Add(embeddingID uint64, vector []float32) error
	Query(vector []float32, k int, threshold float32) ([]Match, error)
	Persist(path string) error
	Load(path string) error
}

var backends = map[string]func() Backend{}

// Register adds a backend constructor to the compile-time registry
func Register(name string, ctor func() Backend) {
	if _, dup := backends[name]; dup {
		errdefs.Invariant(false, "duplicate similarity backend %s", name)
	}
	backends[name] = ctor
}

// Lookup returns a new backend instance by name
func Lookup(name string) (Backend, error) {
	ctor, ok := backends[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown similarity backend %q", errdefs.ErrInvalidInput, name)
	}
	return ctor(), nil
}

// queryBatch bounds how many query vectors one pass scores
const queryBatch = 1024

// BruteForce is the reference backend: exact cosine similarity against a
// contiguous f32 array. Vectors are assumed L2-normalized (the catalog
// normalizes on insert), so cosine is a plain dot product.
type BruteForce struct {
	mu   sync.RWMutex
	dim  int
	ids  []uint64
	data []float32
}

// NewBruteForce creates an empty reference index
func NewBruteForce() *BruteForce { return &BruteForce{} }

// Add appends one vector. The first vector fixes the dimension.
func (b *BruteForce) Add(embeddingID uint64, vector []float32) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.dim == 0 {
		b.dim = len(vector)
	}
	if len(vector) != b.dim {
		return fmt.Errorf("%w: vector dim %d, index dim %d", errdefs.ErrInvalidInput, len(vector), b.dim)
	}
	b.ids = append(b.ids, embeddingID)
	b.data = append(b.data, vector...)
	return nil
}

// Query returns the top-k neighbors of vector, filtered by threshold
// after top-k selection
func (b *BruteForce) Query(vector []float32, k int, threshold float32) ([]Match, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.dim == 0 {
		return nil, nil
	}
	if len(vector) != b.dim {
		return nil, fmt.Errorf("%w: query dim %d, index dim %d", errdefs.ErrInvalidInput, len(vector), b.dim)
	}

	matches := make([]Match, 0, len(b.ids))
	for i, id := range b.ids {
		row := b.data[i*b.dim : (i+1)*b.dim]
		var dot float32
		for j, v := range vector {
			dot += v * row[j]
		}
		matches = append(matches, Match{EmbeddingID: id, Score: dot})
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].EmbeddingID < matches[j].EmbeddingID
	})
	if k > 0 && len(matches) > k {
		matches = matches[:k]
	}

	filtered := matches[:0]
	for _, m := range matches {
		if m.Score >= threshold {
			filtered = append(filtered, m)
		}
	}
	return filtered, nil
}

// QueryMany scores a set of query vectors in batches
func (b *BruteForce) QueryMany(vectors [][]float32, k int, threshold float32) ([][]Match, error) {
	results := make([][]Match, 0, len(vectors))
	for start := 0; start < len(vectors); start += queryBatch {
		end := min(start+queryBatch, len(vectors))
		for _, vec := range vectors[start:end] {
			matches, err := b.Query(vec, k, threshold)
			if err != nil {
				return nil, err
			}
			results = append(results, matches)
		}
	}
	return results, nil
}

// Clusters groups vectors whose pairwise similarity meets the threshold,
// single-linkage. Each returned cluster has at least two members and is
// ordered by embedding id.
func (b *BruteForce) Clusters(threshold float32) [][]uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := len(b.ids)
	parent := make([]int, n)
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(i int) int {
		for parent[i] != i {
			parent[i] = parent[parent[i]]
			i = parent[i]
		}
		return i
	}
	union := func(i, j int) {
		ri, rj := find(i), find(j)
		if ri != rj {
			parent[rj] = ri
		}
	}

	for i := 0; i < n; i++ {
		rowI := b.data[i*b.dim : (i+1)*b.dim]
		for j := i + 1; j < n; j++ {
			rowJ := b.data[j*b.dim : (j+1)*b.dim]
			var dot float32
			for x, v := range rowI {
				dot += v * rowJ[x]
			}
			if dot >= threshold {
				union(i, j)
			}
		}
	}

	groups := map[int][]uint64{}
	for i := 0; i < n; i++ {
		root := find(i)
		groups[root] = append(groups[root], b.ids[i])
	}

	var clusters [][]uint64
	for _, members := range groups {
		if len(members) < 2 {
			continue
		}
		sort.Slice(members, func(i, j int) bool { return members[i] < members[j] })
		clusters = append(clusters, members)
	}
	sort.Slice(clusters, func(i, j int) bool { return clusters[i][0] < clusters[j][0] })
	return clusters
}

// Persist file format: magic, dim (u16), count (u64), ids, then packed
// little-endian f32 rows.
var persistMagic = [8]byte{'N', 'D', 'S', 'I', 'M', '0', '0', '1'}

// Persist writes the index to path atomically
func (b *BruteForce) Persist(path string) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	err = func() error {
		if _, err := f.Write(persistMagic[:]); err != nil {
			return err
		}
		if err := binary.Write(f, binary.LittleEndian, uint16(b.dim)); err != nil {
			return err
		}
		if err := binary.Write(f, binary.LittleEndian, uint64(len(b.ids))); err != nil {
			return err
		}
		if err := binary.Write(f, binary.LittleEndian, b.ids); err != nil {
			return err
		}
		return binary.Write(f, binary.LittleEndian, b.data)
	}()
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// Load replaces the index contents from a persisted file
func (b *BruteForce) Load(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var magic [8]byte
	if _, err := io.ReadFull(f, magic[:]); err != nil {
		return fmt.Errorf("%w: truncated similarity index", errdefs.ErrInvalidInput)
	}
	if magic != persistMagic {
		return fmt.Errorf("%w: not a similarity index file", errdefs.ErrInvalidInput)
	}

	var dim uint16
	var count uint64
	if err := binary.Read(f, binary.LittleEndian, &dim); err != nil {
		return err
	}
	if err := binary.Read(f, binary.LittleEndian, &count); err != nil {
		return err
	}

	ids := make([]uint64, count)
	if err := binary.Read(f, binary.LittleEndian, &ids); err != nil {
		return err
	}
	data := make([]float32, count*uint64(dim))
	if err := binary.Read(f, binary.LittleEndian, &data); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.dim = int(dim)
	b.ids = ids
	b.data = data
	return nil
}

func init() {
	Register("brute_force", func() Backend { return NewBruteForce() })
}
