package storage

import (
	"encoding/binary"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/nodupelabs/nodupe/pkg/errdefs"
	"github.com/nodupelabs/nodupe/pkg/log"
)

// schemaVersion is the version this build writes. Migrations are
// forward-only: an older database is upgraded in one transaction, a newer
// one is refused.
const schemaVersion = 2

type migration struct {
	version uint32
	apply   func(tx *bolt.Tx) error
}

var migrations = []migration{
	{
		version: 1,
		apply: func(tx *bolt.Tx) error {
			buckets := [][]byte{
				bucketMeta,
				bucketRoots,
				bucketRootsByPath,
				bucketFiles,
				bucketFileKeys,
				bucketFileSizes,
				bucketFileHashes,
				bucketEmbeddings,
				bucketPlans,
				bucketTxns,
				bucketTxnEntries,
				bucketCheckpoints,
			}
			for _, b := range buckets {
				if _, err := tx.CreateBucketIfNotExists(b); err != nil {
					return fmt.Errorf("failed to create bucket %s: %w", b, err)
				}
			}
			return nil
		},
	},
	{
		// Snapshot refcounts moved from the store directory into the
		// catalog so ref/unref commits with the transaction log.
		version: 2,
		apply: func(tx *bolt.Tx) error {
			_, err := tx.CreateBucketIfNotExists(bucketSnapshotRefs)
			return err
		},
	},
}

func (c *BoltCatalog) migrate() error {
	return c.db.Update(func(tx *bolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists(bucketMeta)
		if err != nil {
			return err
		}

		var current uint32
		if v := meta.Get(keySchemaVersion); v != nil {
			current = binary.BigEndian.Uint32(v)
		}
		if current > schemaVersion {
			return fmt.Errorf("%w: catalog schema %d is newer than supported %d",
				errdefs.ErrCatalogCorrupt, current, schemaVersion)
		}

		for _, m := range migrations {
			if m.version <= current {
				continue
			}
			if err := m.apply(tx); err != nil {
				return fmt.Errorf("migration to schema %d failed: %w", m.version, err)
			}
			log.WithComponent("catalog").Info().
				Uint32("schema_version", m.version).
				Msg("Applied catalog migration")
		}

		return meta.Put(keySchemaVersion, u32Key(schemaVersion))
	})
}
