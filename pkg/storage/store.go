package storage

import (
	"github.com/nodupelabs/nodupe/pkg/types"
)

// SizeBucket is one group of same-size files from the size index
type SizeBucket struct {
	Size    uint64
	FileIDs []uint64
}

// HashBucket is one group of files sharing a full hash
type HashBucket struct {
	HashAlgo string
	Hash     []byte
	Size     uint64
	FileIDs  []uint64
}

// TxnFilter narrows ListTxns; zero value matches everything
type TxnFilter struct {
	State  types.TxnState
	PlanID string
}

// Catalog defines the persistent store for file records, embeddings,
// plans, transactions, checkpoints and snapshot refcounts
type Catalog interface {
	// Epochs and settings
	CurrentEpoch() (uint64, error)
	NextEpoch() (uint64, error)
	GetSetting(key string) (string, error)
	PutSetting(key, value string) error

	// Roots
	EnsureRoot(path string) (*types.Root, error)
	GetRoot(id string) (*types.Root, error)
	ListRoots() ([]*types.Root, error)

	// File records
	UpsertFile(record *types.FileRecord) (uint64, error)
	UpsertFiles(records []*types.FileRecord) error
	FindByKey(rootID, relativePath string) (*types.FileRecord, error)
	GetFile(fileID uint64) (*types.FileRecord, error)
	IterSizeBuckets(minBucketSize int, fn func(SizeBucket) error) error
	IterHashBuckets(hashAlgo string, minBucketSize int, fn func(HashBucket) error) error
	MarkMissing(rootID string, epoch uint64) (int, error)

	// Embeddings
	InsertEmbedding(vector []float32, modelID string) (uint64, error)
	GetEmbedding(id uint64) (*types.Embedding, error)
	IterEmbeddings(fn func(*types.Embedding) error) error

	// Plans
	SavePlan(plan *types.Plan) error
	GetPlan(id string) (*types.Plan, error)

	// Transactions
	BeginTxn(planID string) (*types.Transaction, error)
	AppendTxnEntry(entry *types.TxnEntry) error
	UpdateTxnEntry(entry *types.TxnEntry) error
	FinalizeTxn(txnID string, state types.TxnState) error
	GetTxn(txnID string) (*types.Transaction, error)
	GetTxnEntries(txnID string) ([]*types.TxnEntry, error)
	ListTxns(filter TxnFilter) ([]*types.Transaction, error)
	DeleteTxn(txnID string) error

	// Scan checkpoints
	SaveCheckpoint(cp *types.ScanCheckpoint) error
	GetCheckpoint(rootID string) (*types.ScanCheckpoint, error)
	DeleteCheckpoint(rootID string) error

	// Snapshot refcounts
	SnapshotRef(contentHash []byte) (uint64, error)
	SnapshotUnref(contentHash []byte) (uint64, error)
	SnapshotRefCount(contentHash []byte) (uint64, error)

	// Maintenance
	Compact(keepEpochs uint64) (*CompactStats, error)
	Close() error
}

// CompactStats summarizes one compaction run
type CompactStats struct {
	RecordsRemoved    int
	EmbeddingsRemoved int
}
