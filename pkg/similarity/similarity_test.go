package similarity

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func normalized(vs ...float32) []float32 {
	var norm float64
	for _, v := range vs {
		norm += float64(v) * float64(v)
	}
	norm = math.Sqrt(norm)
	out := make([]float32, len(vs))
	for i, v := range vs {
		out[i] = float32(float64(v) / norm)
	}
	return out
}

func TestQueryRanksByCosine(t *testing.T) {
	b := NewBruteForce()
	require.NoError(t, b.Add(1, normalized(1, 0, 0)))
	require.NoError(t, b.Add(2, normalized(0.9, 0.1, 0)))
	require.NoError(t, b.Add(3, normalized(0, 1, 0)))

	matches, err := b.Query(normalized(1, 0, 0), 3, 0)
	require.NoError(t, err)
	require.Len(t, matches, 3)
	assert.Equal(t, uint64(1), matches[0].EmbeddingID)
	assert.Equal(t, uint64(2), matches[1].EmbeddingID)
	assert.Equal(t, uint64(3), matches[2].EmbeddingID)
	assert.InDelta(t, 1.0, float64(matches[0].Score), 1e-6)
}

func TestQueryTopKAndThreshold(t *testing.T) {
	b := NewBruteForce()
	require.NoError(t, b.Add(1, normalized(1, 0)))
	require.NoError(t, b.Add(2, normalized(1, 0.1)))
	require.NoError(t, b.Add(3, normalized(0, 1)))

	// k limits before the threshold filter
	matches, err := b.Query(normalized(1, 0), 2, 0.5)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	for _, m := range matches {
		assert.GreaterOrEqual(t, m.Score, float32(0.5))
	}

	matches, err = b.Query(normalized(1, 0), 3, 0.999)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, uint64(1), matches[0].EmbeddingID)
}

func TestDimensionMismatchRejected(t *testing.T) {
	b := NewBruteForce()
	require.NoError(t, b.Add(1, normalized(1, 0)))

	err := b.Add(2, normalized(1, 0, 0))
	assert.Error(t, err)

	_, err = b.Query(normalized(1, 0, 0), 1, 0)
	assert.Error(t, err)
}

func TestQueryEmptyIndex(t *testing.T) {
	b := NewBruteForce()
	matches, err := b.Query([]float32{1, 0}, 5, 0)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestQueryManyBatches(t *testing.T) {
	b := NewBruteForce()
	require.NoError(t, b.Add(1, normalized(1, 0)))

	queries := make([][]float32, 2000)
	for i := range queries {
		queries[i] = normalized(1, 0)
	}
	results, err := b.QueryMany(queries, 1, 0)
	require.NoError(t, err)
	require.Len(t, results, 2000)
	for _, matches := range results {
		require.Len(t, matches, 1)
	}
}

func TestPersistLoadRoundTrip(t *testing.T) {
	b := NewBruteForce()
	require.NoError(t, b.Add(7, normalized(1, 0, 0)))
	require.NoError(t, b.Add(9, normalized(0, 1, 0)))

	path := filepath.Join(t.TempDir(), "index.bin")
	require.NoError(t, b.Persist(path))

	loaded := NewBruteForce()
	require.NoError(t, loaded.Load(path))

	matches, err := loaded.Query(normalized(1, 0, 0), 1, 0)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, uint64(7), matches[0].EmbeddingID)
}

func TestLoadRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "junk.bin")
	require.NoError(t, os.WriteFile(path, []byte("definitely not an index"), 0o644))

	b := NewBruteForce()
	assert.Error(t, b.Load(path))
}

func TestClusters(t *testing.T) {
	b := NewBruteForce()
	// Two tight pairs and one outlier
	require.NoError(t, b.Add(1, normalized(1, 0, 0)))
	require.NoError(t, b.Add(2, normalized(0.99, 0.01, 0)))
	require.NoError(t, b.Add(3, normalized(0, 1, 0)))
	require.NoError(t, b.Add(4, normalized(0.01, 0.99, 0)))
	require.NoError(t, b.Add(5, normalized(0, 0, 1)))

	clusters := b.Clusters(0.95)
	require.Len(t, clusters, 2)
	assert.Equal(t, []uint64{1, 2}, clusters[0])
	assert.Equal(t, []uint64{3, 4}, clusters[1])
}

func TestRegistry(t *testing.T) {
	backend, err := Lookup("brute_force")
	require.NoError(t, err)
	assert.IsType(t, &BruteForce{}, backend)

	_, err = Lookup("hnsw")
	assert.Error(t, err)
}
