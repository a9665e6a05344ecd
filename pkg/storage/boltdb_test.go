package storage

import (
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodupelabs/nodupe/pkg/types"
)

func openTestCatalog(t *testing.T) *BoltCatalog {
	t.Helper()
	c, err := Open(filepath.Join(t.TempDir(), "catalog.db"), Options{})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func testRecord(rootID, rel string, size uint64) *types.FileRecord {
	return &types.FileRecord{
		RootID:       rootID,
		RelativePath: rel,
		Size:         size,
		MtimeNS:      1000,
		State:        types.FileStatePresent,
		ScanEpoch:    1,
	}
}

func TestUpsertFileKeepsIdentity(t *testing.T) {
	c := openTestCatalog(t)
	root, err := c.EnsureRoot("/data")
	require.NoError(t, err)

	id1, err := c.UpsertFile(testRecord(root.ID, "a/b.txt", 10))
	require.NoError(t, err)
	assert.NotZero(t, id1)

	// Same key keeps the surrogate id
	updated := testRecord(root.ID, "a/b.txt", 20)
	id2, err := c.UpsertFile(updated)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	rec, err := c.FindByKey(root.ID, "a/b.txt")
	require.NoError(t, err)
	assert.Equal(t, uint64(20), rec.Size)

	// Different key allocates a new id
	id3, err := c.UpsertFile(testRecord(root.ID, "a/c.txt", 10))
	require.NoError(t, err)
	assert.NotEqual(t, id1, id3)
}

func TestEnsureRootIsIdempotent(t *testing.T) {
	c := openTestCatalog(t)
	r1, err := c.EnsureRoot("/data")
	require.NoError(t, err)
	r2, err := c.EnsureRoot("/data")
	require.NoError(t, err)
	assert.Equal(t, r1.ID, r2.ID)

	r3, err := c.EnsureRoot("/other")
	require.NoError(t, err)
	assert.NotEqual(t, r1.ID, r3.ID)
}

func TestIterSizeBuckets(t *testing.T) {
	c := openTestCatalog(t)
	root, err := c.EnsureRoot("/data")
	require.NoError(t, err)

	sizes := []uint64{100, 100, 100, 200, 300, 300}
	for i, size := range sizes {
		_, err := c.UpsertFile(testRecord(root.ID, filepath.Join("f", string(rune('a'+i))), size))
		require.NoError(t, err)
	}

	var buckets []SizeBucket
	require.NoError(t, c.IterSizeBuckets(2, func(b SizeBucket) error {
		buckets = append(buckets, b)
		return nil
	}))

	require.Len(t, buckets, 2)
	assert.Equal(t, uint64(100), buckets[0].Size)
	assert.Len(t, buckets[0].FileIDs, 3)
	assert.Equal(t, uint64(300), buckets[1].Size)
	assert.Len(t, buckets[1].FileIDs, 2)
}

func TestIterHashBucketsAndReindex(t *testing.T) {
	c := openTestCatalog(t)
	root, err := c.EnsureRoot("/data")
	require.NoError(t, err)

	hashA := []byte{0xaa, 0xaa}
	hashB := []byte{0xbb, 0xbb}

	recs := []*types.FileRecord{
		testRecord(root.ID, "one", 10),
		testRecord(root.ID, "two", 10),
		testRecord(root.ID, "three", 10),
	}
	recs[0].FullHash, recs[0].HashAlgo = hashA, "blake3"
	recs[1].FullHash, recs[1].HashAlgo = hashA, "blake3"
	recs[2].FullHash, recs[2].HashAlgo = hashB, "blake3"
	require.NoError(t, c.UpsertFiles(recs))

	var buckets []HashBucket
	require.NoError(t, c.IterHashBuckets("blake3", 2, func(b HashBucket) error {
		buckets = append(buckets, b)
		return nil
	}))
	require.Len(t, buckets, 1)
	assert.Equal(t, hashA, buckets[0].Hash)
	assert.Len(t, buckets[0].FileIDs, 2)
	assert.Equal(t, uint64(10), buckets[0].Size)

	// Rehashing a file moves it out of its old bucket
	recs[1].FullHash = hashB
	_, err = c.UpsertFile(recs[1])
	require.NoError(t, err)

	buckets = nil
	require.NoError(t, c.IterHashBuckets("blake3", 2, func(b HashBucket) error {
		buckets = append(buckets, b)
		return nil
	}))
	require.Len(t, buckets, 1)
	assert.Equal(t, hashB, buckets[0].Hash)
}

func TestMarkMissing(t *testing.T) {
	c := openTestCatalog(t)
	root, err := c.EnsureRoot("/data")
	require.NoError(t, err)

	old := testRecord(root.ID, "gone.txt", 10)
	old.ScanEpoch = 1
	_, err = c.UpsertFile(old)
	require.NoError(t, err)

	fresh := testRecord(root.ID, "here.txt", 10)
	fresh.ScanEpoch = 2
	_, err = c.UpsertFile(fresh)
	require.NoError(t, err)

	n, err := c.MarkMissing(root.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rec, err := c.FindByKey(root.ID, "gone.txt")
	require.NoError(t, err)
	assert.Equal(t, types.FileStateMissing, rec.State)

	rec, err = c.FindByKey(root.ID, "here.txt")
	require.NoError(t, err)
	assert.Equal(t, types.FileStatePresent, rec.State)
}

func TestInsertEmbeddingNormalizes(t *testing.T) {
	c := openTestCatalog(t)

	id, err := c.InsertEmbedding([]float32{3, 4}, "histogram256")
	require.NoError(t, err)

	emb, err := c.GetEmbedding(id)
	require.NoError(t, err)
	assert.Equal(t, uint16(2), emb.Dim)
	assert.InDelta(t, 5.0, float64(emb.Norm), 1e-6)

	var norm float64
	for _, v := range emb.Vector {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-6)
}

func TestTxnLifecycle(t *testing.T) {
	c := openTestCatalog(t)

	txn, err := c.BeginTxn("plan-1")
	require.NoError(t, err)
	assert.Equal(t, types.TxnOpen, txn.State)

	// Only one open transaction at a time
	_, err = c.BeginTxn("plan-2")
	assert.ErrorContains(t, err, "transaction already open")

	for seq := 0; seq < 3; seq++ {
		require.NoError(t, c.AppendTxnEntry(&types.TxnEntry{
			TxnID:     txn.TxnID,
			Seq:       seq,
			Action:    types.Action{Seq: seq, Kind: types.ActionDelete, FileID: uint64(seq + 1), Path: "/x"},
			PostState: types.PostDone,
		}))
	}

	// Entries come back in seq order
	entries, err := c.GetTxnEntries(txn.TxnID)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for i, e := range entries {
		assert.Equal(t, i, e.Seq)
	}

	require.NoError(t, c.FinalizeTxn(txn.TxnID, types.TxnCommitted))
	got, err := c.GetTxn(txn.TxnID)
	require.NoError(t, err)
	assert.Equal(t, types.TxnCommitted, got.State)

	// Terminal states cannot regress: committed never becomes partial
	err = c.FinalizeTxn(txn.TxnID, types.TxnPartial)
	assert.Error(t, err)

	// Next transaction can begin once the first is terminal
	_, err = c.BeginTxn("plan-2")
	assert.NoError(t, err)
}

func TestCrashRecoveryMarksOpenTxnPartial(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.db")

	c, err := Open(path, Options{})
	require.NoError(t, err)
	txn, err := c.BeginTxn("plan-1")
	require.NoError(t, err)
	require.NoError(t, c.Close())

	// Reopen simulates the post-crash open
	c2, err := Open(path, Options{})
	require.NoError(t, err)
	defer c2.Close()

	got, err := c2.GetTxn(txn.TxnID)
	require.NoError(t, err)
	assert.Equal(t, types.TxnPartial, got.State)
}

func TestSnapshotRefcounts(t *testing.T) {
	c := openTestCatalog(t)
	hash := []byte{0x01, 0x02}

	n, err := c.SnapshotRef(hash)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n)

	n, err = c.SnapshotRef(hash)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), n)

	n, err = c.SnapshotUnref(hash)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n)

	n, err = c.SnapshotUnref(hash)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), n)

	// Unref below zero is refused
	_, err = c.SnapshotUnref(hash)
	assert.Error(t, err)
}

func TestCheckpointRoundTrip(t *testing.T) {
	c := openTestCatalog(t)

	cp := &types.ScanCheckpoint{
		RootID:               "root-1",
		LastCompletedSubpath: "a/b/c.txt",
		Epoch:                3,
		VisitedCount:         1000,
		HashAlgo:             "blake3",
	}
	require.NoError(t, c.SaveCheckpoint(cp))

	got, err := c.GetCheckpoint("root-1")
	require.NoError(t, err)
	assert.Equal(t, cp, got)

	require.NoError(t, c.DeleteCheckpoint("root-1"))
	_, err = c.GetCheckpoint("root-1")
	assert.Error(t, err)
}

func TestCompact(t *testing.T) {
	c := openTestCatalog(t)
	root, err := c.EnsureRoot("/data")
	require.NoError(t, err)

	// Advance to epoch 5
	for i := 0; i < 5; i++ {
		_, err := c.NextEpoch()
		require.NoError(t, err)
	}

	stale := testRecord(root.ID, "old.txt", 10)
	stale.State = types.FileStateMissing
	stale.ScanEpoch = 1
	_, err = c.UpsertFile(stale)
	require.NoError(t, err)

	live := testRecord(root.ID, "new.txt", 10)
	live.ScanEpoch = 5
	embID, err := c.InsertEmbedding([]float32{1, 0}, "histogram256")
	require.NoError(t, err)
	live.EmbeddingID = embID
	_, err = c.UpsertFile(live)
	require.NoError(t, err)

	orphanEmb, err := c.InsertEmbedding([]float32{0, 1}, "histogram256")
	require.NoError(t, err)

	stats, err := c.Compact(2)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.RecordsRemoved)
	assert.Equal(t, 1, stats.EmbeddingsRemoved)

	_, err = c.FindByKey(root.ID, "old.txt")
	assert.Error(t, err)
	_, err = c.GetEmbedding(orphanEmb)
	assert.Error(t, err)
	_, err = c.GetEmbedding(embID)
	assert.NoError(t, err)
}
