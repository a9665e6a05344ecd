package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/nodupelabs/nodupe/pkg/errdefs"
	"github.com/nodupelabs/nodupe/pkg/log"
	"github.com/nodupelabs/nodupe/pkg/types"
)

var (
	// Bucket names
	bucketMeta         = []byte("meta")
	bucketRoots        = []byte("roots")
	bucketRootsByPath  = []byte("roots_by_path")
	bucketFiles        = []byte("files")
	bucketFileKeys     = []byte("idx_file_key")
	bucketFileSizes    = []byte("idx_file_size")
	bucketFileHashes   = []byte("idx_file_hash")
	bucketEmbeddings   = []byte("embeddings")
	bucketPlans        = []byte("plans")
	bucketTxns         = []byte("txns")
	bucketTxnEntries   = []byte("txn_entries")
	bucketCheckpoints  = []byte("checkpoints")
	bucketSnapshotRefs = []byte("snapshot_refs")

	keySchemaVersion = []byte("schema_version")
	keyEpoch         = []byte("epoch")
)

const normEpsilon = 1e-12

// Options tune catalog durability
type Options struct {
	// GroupCommitWindow batches fsyncs when positive; zero means every
	// commit is fsync'd before returning.
	GroupCommitWindow time.Duration
}

// BoltCatalog implements Catalog using bbolt
type BoltCatalog struct {
	db     *bolt.DB
	stopCh chan struct{}
}

// Open opens (creating if needed) the catalog database at path, runs any
// pending schema migrations, and finalizes transactions interrupted by a
// crash as partial.
func Open(path string, opts Options) (*BoltCatalog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create catalog directory: %w", err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}

	c := &BoltCatalog{db: db, stopCh: make(chan struct{})}

	if err := c.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	if err := c.recover(); err != nil {
		db.Close()
		return nil, err
	}

	if opts.GroupCommitWindow > 0 {
		db.NoSync = true
		go c.groupCommitLoop(opts.GroupCommitWindow)
	}

	return c, nil
}

// groupCommitLoop syncs the database file on a fixed window while NoSync
// is set, bounding the durability gap to one window.
func (c *BoltCatalog) groupCommitLoop(window time.Duration) {
	ticker := time.NewTicker(window)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.db.Sync(); err != nil {
				log.WithComponent("catalog").Error().Err(err).Msg("Group commit sync failed")
			}
		case <-c.stopCh:
			return
		}
	}
}

// Close syncs and closes the database
func (c *BoltCatalog) Close() error {
	close(c.stopCh)
	if c.db.NoSync {
		c.db.NoSync = false
		if err := c.db.Sync(); err != nil {
			return err
		}
	}
	return c.db.Close()
}

// recover finalizes any transaction left open by a crash. The executor
// holds its transaction for the life of the process, so an open state at
// startup can only mean an interrupted apply.
func (c *BoltCatalog) recover() error {
	return c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTxns)
		cur := b.Cursor()
		for k, v := cur.First(); k != nil; k, v = cur.Next() {
			var txn types.Transaction
			if err := json.Unmarshal(v, &txn); err != nil {
				return fmt.Errorf("%w: undecodable transaction %s", errdefs.ErrCatalogCorrupt, k)
			}
			if txn.State != types.TxnOpen {
				continue
			}
			log.WithComponent("catalog").Warn().
				Str("txn_id", txn.TxnID).
				Msg("Recovered interrupted transaction, marking partial")
			txn.State = types.TxnPartial
			data, err := json.Marshal(&txn)
			if err != nil {
				return err
			}
			if err := b.Put(k, data); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetSetting reads a persistent core setting; a missing key returns ""
func (c *BoltCatalog) GetSetting(key string) (string, error) {
	var value string
	err := c.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketMeta).Get([]byte("setting:" + key)); v != nil {
			value = string(v)
		}
		return nil
	})
	return value, err
}

// PutSetting stores a persistent core setting
func (c *BoltCatalog) PutSetting(key, value string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).Put([]byte("setting:"+key), []byte(value))
	})
}

// CurrentEpoch returns the current scan epoch
func (c *BoltCatalog) CurrentEpoch() (uint64, error) {
	var epoch uint64
	err := c.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketMeta).Get(keyEpoch); v != nil {
			epoch = binary.BigEndian.Uint64(v)
		}
		return nil
	})
	return epoch, err
}

// NextEpoch increments and returns the scan epoch
func (c *BoltCatalog) NextEpoch() (uint64, error) {
	var epoch uint64
	err := c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMeta)
		if v := b.Get(keyEpoch); v != nil {
			epoch = binary.BigEndian.Uint64(v)
		}
		epoch++
		return b.Put(keyEpoch, u64Key(epoch))
	})
	return epoch, err
}

// EnsureRoot returns the root for path, creating it on first sight
func (c *BoltCatalog) EnsureRoot(path string) (*types.Root, error) {
	var root types.Root
	err := c.db.Update(func(tx *bolt.Tx) error {
		byPath := tx.Bucket(bucketRootsByPath)
		if id := byPath.Get([]byte(path)); id != nil {
			data := tx.Bucket(bucketRoots).Get(id)
			if data == nil {
				return fmt.Errorf("%w: dangling root index for %s", errdefs.ErrCatalogCorrupt, path)
			}
			return json.Unmarshal(data, &root)
		}

		root = types.Root{
			ID:        uuid.New().String(),
			Path:      path,
			CreatedAt: time.Now().UTC(),
		}
		data, err := json.Marshal(&root)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketRoots).Put([]byte(root.ID), data); err != nil {
			return err
		}
		return byPath.Put([]byte(path), []byte(root.ID))
	})
	if err != nil {
		return nil, err
	}
	return &root, nil
}

// GetRoot retrieves a root by id
func (c *BoltCatalog) GetRoot(id string) (*types.Root, error) {
	var root types.Root
	err := c.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRoots).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: root %s", errdefs.ErrNotFound, id)
		}
		return json.Unmarshal(data, &root)
	})
	if err != nil {
		return nil, err
	}
	return &root, nil
}

// ListRoots returns all known roots
func (c *BoltCatalog) ListRoots() ([]*types.Root, error) {
	var roots []*types.Root
	err := c.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRoots).ForEach(func(k, v []byte) error {
			var root types.Root
			if err := json.Unmarshal(v, &root); err != nil {
				return err
			}
			roots = append(roots, &root)
			return nil
		})
	})
	return roots, err
}

// UpsertFile inserts or updates one record, maintaining the key, size and
// hash indexes. An existing (root_id, relative_path) keeps its file id.
func (c *BoltCatalog) UpsertFile(record *types.FileRecord) (uint64, error) {
	var id uint64
	err := c.db.Update(func(tx *bolt.Tx) error {
		var err error
		id, err = upsertFileTx(tx, record)
		return err
	})
	return id, err
}

// UpsertFiles commits a batch of records in a single transaction; the
// batch is visible all-or-nothing.
func (c *BoltCatalog) UpsertFiles(records []*types.FileRecord) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		for _, record := range records {
			if _, err := upsertFileTx(tx, record); err != nil {
				return err
			}
		}
		return nil
	})
}

func upsertFileTx(tx *bolt.Tx, record *types.FileRecord) (uint64, error) {
	files := tx.Bucket(bucketFiles)
	keys := tx.Bucket(bucketFileKeys)
	sizes := tx.Bucket(bucketFileSizes)
	hashes := tx.Bucket(bucketFileHashes)

	key := fileKey(record.RootID, record.RelativePath)
	if existing := keys.Get(key); existing != nil {
		record.FileID = u64FromKey(existing)
		// Drop stale index entries before re-indexing
		if data := files.Get(existing); data != nil {
			var old types.FileRecord
			if err := json.Unmarshal(data, &old); err != nil {
				return 0, fmt.Errorf("%w: undecodable record %d", errdefs.ErrCatalogCorrupt, record.FileID)
			}
			if old.Size != record.Size {
				if err := sizes.Delete(sizeKey(old.Size, old.FileID)); err != nil {
					return 0, err
				}
			}
			if len(old.FullHash) > 0 && !bytes.Equal(old.FullHash, record.FullHash) {
				if err := hashes.Delete(hashKey(old.HashAlgo, old.FullHash, old.FileID)); err != nil {
					return 0, err
				}
			}
		}
	} else {
		seq, err := files.NextSequence()
		if err != nil {
			return 0, err
		}
		record.FileID = seq
		if err := keys.Put(key, u64Key(seq)); err != nil {
			return 0, err
		}
	}

	data, err := json.Marshal(record)
	if err != nil {
		return 0, err
	}
	if err := files.Put(u64Key(record.FileID), data); err != nil {
		return 0, err
	}
	if err := sizes.Put(sizeKey(record.Size, record.FileID), nil); err != nil {
		return 0, err
	}
	if len(record.FullHash) > 0 {
		if err := hashes.Put(hashKey(record.HashAlgo, record.FullHash, record.FileID), nil); err != nil {
			return 0, err
		}
	}
	return record.FileID, nil
}

// FindByKey retrieves a record by its (root_id, relative_path) identity
func (c *BoltCatalog) FindByKey(rootID, relativePath string) (*types.FileRecord, error) {
	var record types.FileRecord
	err := c.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketFileKeys).Get(fileKey(rootID, relativePath))
		if id == nil {
			return fmt.Errorf("%w: %s:%s", errdefs.ErrNotFound, rootID, relativePath)
		}
		data := tx.Bucket(bucketFiles).Get(id)
		if data == nil {
			return fmt.Errorf("%w: dangling key index for %s:%s", errdefs.ErrCatalogCorrupt, rootID, relativePath)
		}
		return json.Unmarshal(data, &record)
	})
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// GetFile retrieves a record by surrogate id
func (c *BoltCatalog) GetFile(fileID uint64) (*types.FileRecord, error) {
	var record types.FileRecord
	err := c.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketFiles).Get(u64Key(fileID))
		if data == nil {
			return fmt.Errorf("%w: file %d", errdefs.ErrNotFound, fileID)
		}
		return json.Unmarshal(data, &record)
	})
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// IterSizeBuckets streams groups of same-size files with at least
// minBucketSize members, in ascending size order.
func (c *BoltCatalog) IterSizeBuckets(minBucketSize int, fn func(SizeBucket) error) error {
	return c.db.View(func(tx *bolt.Tx) error {
		cur := tx.Bucket(bucketFileSizes).Cursor()
		var bucket SizeBucket
		flush := func() error {
			if len(bucket.FileIDs) >= minBucketSize {
				if err := fn(bucket); err != nil {
					return err
				}
			}
			return nil
		}
		for k, _ := cur.First(); k != nil; k, _ = cur.Next() {
			size := u64FromKey(k[:8])
			fileID := u64FromKey(k[8:])
			if len(bucket.FileIDs) > 0 && size != bucket.Size {
				if err := flush(); err != nil {
					return err
				}
				bucket = SizeBucket{}
			}
			bucket.Size = size
			bucket.FileIDs = append(bucket.FileIDs, fileID)
		}
		return flush()
	})
}

// IterHashBuckets streams groups of files sharing (hash_algo, full_hash)
// with at least minBucketSize members, in hash order.
func (c *BoltCatalog) IterHashBuckets(hashAlgo string, minBucketSize int, fn func(HashBucket) error) error {
	prefix := append([]byte(hashAlgo), keySep)
	return c.db.View(func(tx *bolt.Tx) error {
		files := tx.Bucket(bucketFiles)
		cur := tx.Bucket(bucketFileHashes).Cursor()
		var bucket HashBucket
		flush := func() error {
			if len(bucket.FileIDs) >= minBucketSize {
				if err := fn(bucket); err != nil {
					return err
				}
			}
			return nil
		}
		for k, _ := cur.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = cur.Next() {
			hash := k[len(prefix) : len(k)-8]
			fileID := u64FromKey(k[len(k)-8:])
			if len(bucket.FileIDs) > 0 && !bytes.Equal(hash, bucket.Hash) {
				if err := flush(); err != nil {
					return err
				}
				bucket = HashBucket{}
			}
			if len(bucket.FileIDs) == 0 {
				bucket.HashAlgo = hashAlgo
				bucket.Hash = append([]byte(nil), hash...)
				if data := files.Get(u64Key(fileID)); data != nil {
					var rec types.FileRecord
					if err := json.Unmarshal(data, &rec); err == nil {
						bucket.Size = rec.Size
					}
				}
			}
			bucket.FileIDs = append(bucket.FileIDs, fileID)
		}
		return flush()
	})
}

// MarkMissing flags records under root not seen by the given epoch and
// returns how many were flagged.
func (c *BoltCatalog) MarkMissing(rootID string, epoch uint64) (int, error) {
	var count int
	err := c.db.Update(func(tx *bolt.Tx) error {
		files := tx.Bucket(bucketFiles)
		return files.ForEach(func(k, v []byte) error {
			var record types.FileRecord
			if err := json.Unmarshal(v, &record); err != nil {
				return err
			}
			if record.RootID != rootID || record.ScanEpoch >= epoch || record.State == types.FileStateMissing {
				return nil
			}
			record.State = types.FileStateMissing
			data, err := json.Marshal(&record)
			if err != nil {
				return err
			}
			count++
			return files.Put(k, data)
		})
	})
	return count, err
}

// InsertEmbedding L2-normalizes the vector and stores it
func (c *BoltCatalog) InsertEmbedding(vector []float32, modelID string) (uint64, error) {
	var norm float64
	for _, v := range vector {
		norm += float64(v) * float64(v)
	}
	norm = math.Sqrt(norm)
	normalized := make([]float32, len(vector))
	for i, v := range vector {
		normalized[i] = float32(float64(v) / (norm + normEpsilon))
	}

	var id uint64
	err := c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEmbeddings)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		id = seq
		emb := types.Embedding{
			ID:      id,
			Vector:  normalized,
			ModelID: modelID,
			Dim:     uint16(len(normalized)),
			Norm:    float32(norm),
		}
		data, err := json.Marshal(&emb)
		if err != nil {
			return err
		}
		return b.Put(u64Key(id), data)
	})
	return id, err
}

// GetEmbedding retrieves an embedding by id
func (c *BoltCatalog) GetEmbedding(id uint64) (*types.Embedding, error) {
	var emb types.Embedding
	err := c.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketEmbeddings).Get(u64Key(id))
		if data == nil {
			return fmt.Errorf("%w: embedding %d", errdefs.ErrNotFound, id)
		}
		return json.Unmarshal(data, &emb)
	})
	if err != nil {
		return nil, err
	}
	return &emb, nil
}

// IterEmbeddings streams all embeddings
func (c *BoltCatalog) IterEmbeddings(fn func(*types.Embedding) error) error {
	return c.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEmbeddings).ForEach(func(k, v []byte) error {
			var emb types.Embedding
			if err := json.Unmarshal(v, &emb); err != nil {
				return err
			}
			return fn(&emb)
		})
	})
}

// SavePlan persists a plan artifact
func (c *BoltCatalog) SavePlan(plan *types.Plan) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(plan)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketPlans).Put([]byte(plan.PlanID), data)
	})
}

// GetPlan retrieves a plan by id
func (c *BoltCatalog) GetPlan(id string) (*types.Plan, error) {
	var plan types.Plan
	err := c.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketPlans).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: plan %s", errdefs.ErrNotFound, id)
		}
		return json.Unmarshal(data, &plan)
	})
	if err != nil {
		return nil, err
	}
	return &plan, nil
}

// SaveCheckpoint atomically persists a scan checkpoint
func (c *BoltCatalog) SaveCheckpoint(cp *types.ScanCheckpoint) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(cp)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketCheckpoints).Put([]byte(cp.RootID), data)
	})
}

// GetCheckpoint retrieves the checkpoint for a root, if any
func (c *BoltCatalog) GetCheckpoint(rootID string) (*types.ScanCheckpoint, error) {
	var cp types.ScanCheckpoint
	err := c.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketCheckpoints).Get([]byte(rootID))
		if data == nil {
			return fmt.Errorf("%w: checkpoint for root %s", errdefs.ErrNotFound, rootID)
		}
		return json.Unmarshal(data, &cp)
	})
	if err != nil {
		return nil, err
	}
	return &cp, nil
}

// DeleteCheckpoint discards the checkpoint after a completed scan
func (c *BoltCatalog) DeleteCheckpoint(rootID string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCheckpoints).Delete([]byte(rootID))
	})
}

// SnapshotRef increments the refcount for a content hash
func (c *BoltCatalog) SnapshotRef(contentHash []byte) (uint64, error) {
	var count uint64
	err := c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSnapshotRefs)
		if v := b.Get(contentHash); v != nil {
			count = binary.BigEndian.Uint64(v)
		}
		count++
		return b.Put(contentHash, u64Key(count))
	})
	return count, err
}

// SnapshotUnref decrements the refcount for a content hash
func (c *BoltCatalog) SnapshotUnref(contentHash []byte) (uint64, error) {
	var count uint64
	err := c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSnapshotRefs)
		v := b.Get(contentHash)
		if v == nil {
			return fmt.Errorf("%w: snapshot ref %x", errdefs.ErrNotFound, contentHash)
		}
		count = binary.BigEndian.Uint64(v)
		errdefs.Invariant(count > 0, "snapshot refcount underflow for %x", contentHash)
		count--
		if count == 0 {
			return b.Delete(contentHash)
		}
		return b.Put(contentHash, u64Key(count))
	})
	return count, err
}

// SnapshotRefCount returns the current refcount for a content hash
func (c *BoltCatalog) SnapshotRefCount(contentHash []byte) (uint64, error) {
	var count uint64
	err := c.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketSnapshotRefs).Get(contentHash); v != nil {
			count = binary.BigEndian.Uint64(v)
		}
		return nil
	})
	return count, err
}

// Compact removes missing records older than keepEpochs and embeddings no
// surviving record references
func (c *BoltCatalog) Compact(keepEpochs uint64) (*CompactStats, error) {
	stats := &CompactStats{}
	err := c.db.Update(func(tx *bolt.Tx) error {
		var epoch uint64
		if v := tx.Bucket(bucketMeta).Get(keyEpoch); v != nil {
			epoch = binary.BigEndian.Uint64(v)
		}

		files := tx.Bucket(bucketFiles)
		keys := tx.Bucket(bucketFileKeys)
		sizes := tx.Bucket(bucketFileSizes)
		hashes := tx.Bucket(bucketFileHashes)

		referenced := make(map[uint64]bool)
		var dead [][]byte
		if err := files.ForEach(func(k, v []byte) error {
			var record types.FileRecord
			if err := json.Unmarshal(v, &record); err != nil {
				return err
			}
			expired := record.State == types.FileStateMissing &&
				record.ScanEpoch+keepEpochs < epoch
			if expired {
				dead = append(dead, append([]byte(nil), k...))
				return nil
			}
			if record.EmbeddingID != 0 {
				referenced[record.EmbeddingID] = true
			}
			return nil
		}); err != nil {
			return err
		}

		for _, k := range dead {
			var record types.FileRecord
			if err := json.Unmarshal(files.Get(k), &record); err != nil {
				return err
			}
			if err := keys.Delete(fileKey(record.RootID, record.RelativePath)); err != nil {
				return err
			}
			if err := sizes.Delete(sizeKey(record.Size, record.FileID)); err != nil {
				return err
			}
			if len(record.FullHash) > 0 {
				if err := hashes.Delete(hashKey(record.HashAlgo, record.FullHash, record.FileID)); err != nil {
					return err
				}
			}
			if err := files.Delete(k); err != nil {
				return err
			}
			stats.RecordsRemoved++
		}

		embeddings := tx.Bucket(bucketEmbeddings)
		var orphan [][]byte
		if err := embeddings.ForEach(func(k, v []byte) error {
			if !referenced[u64FromKey(k)] {
				orphan = append(orphan, append([]byte(nil), k...))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range orphan {
			if err := embeddings.Delete(k); err != nil {
				return err
			}
			stats.EmbeddingsRemoved++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}
