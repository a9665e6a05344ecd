package types

import (
	"time"
)

// FileState represents the catalog's view of a file's presence on disk
type FileState string

const (
	FileStatePresent FileState = "present"
	FileStateMissing FileState = "missing"
	FileStateStale   FileState = "stale"
)

// FileRecord is one cataloged file. Identity is (RootID, RelativePath);
// FileID is the surrogate key allocated by the catalog.
type FileRecord struct {
	FileID       uint64    `json:"file_id"`
	RootID       string    `json:"root_id"`
	RelativePath string    `json:"relative_path"`
	Size         uint64    `json:"size"`
	MtimeNS      int64     `json:"mtime_ns"`
	Inode        uint64    `json:"inode"`
	Device       uint64    `json:"device"`
	Mode         uint32    `json:"mode"`
	MIME         string    `json:"mime,omitempty"`
	QuickHash    []byte    `json:"quick_hash,omitempty"`
	FullHash     []byte    `json:"full_hash,omitempty"`
	HashAlgo     string    `json:"hash_algo,omitempty"`
	EmbeddingID  uint64    `json:"embedding_id,omitempty"`
	ScanEpoch    uint64    `json:"scan_epoch"`
	State        FileState `json:"state"`
	ErrorCode    string    `json:"error_code,omitempty"`
}

// Root maps a scanned root path to its stable id
type Root struct {
	ID        string    `json:"id"`
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"created_at"`
}

// Embedding is an L2-normalized feature vector shared by zero or more
// file records
type Embedding struct {
	ID      uint64    `json:"id"`
	Vector  []float32 `json:"vector"`
	ModelID string    `json:"model_id"`
	Dim     uint16    `json:"dim"`
	Norm    float32   `json:"norm"`
}

// DuplicateClass is a derived set of files judged equivalent, keyed by
// content (FullHash, HashAlgo, Size) or by a similarity cluster id
type DuplicateClass struct {
	FullHash  []byte   `json:"full_hash,omitempty"`
	HashAlgo  string   `json:"hash_algo,omitempty"`
	Size      uint64   `json:"size"`
	ClusterID string   `json:"cluster_id,omitempty"`
	FileIDs   []uint64 `json:"file_ids"`
}

// ActionKind enumerates plan action variants
type ActionKind string

const (
	ActionDelete          ActionKind = "Delete"
	ActionMove            ActionKind = "Move"
	ActionReplaceWithLink ActionKind = "ReplaceWithLink"
)

// LinkKind selects the link flavor for ReplaceWithLink
type LinkKind string

const (
	LinkHard     LinkKind = "hard"
	LinkSymbolic LinkKind = "symbolic"
)

// Action is one totally-ordered plan step targeting a single file
type Action struct {
	Seq          int        `json:"seq"`
	Kind         ActionKind `json:"kind"`
	FileID       uint64     `json:"file_id"`
	Path         string     `json:"path"`
	Dest         string     `json:"dest,omitempty"`
	KeeperFileID uint64     `json:"keeper_file_id,omitempty"`
	KeeperPath   string     `json:"keeper_path,omitempty"`
	LinkKind     LinkKind   `json:"link_kind,omitempty"`
}

// Mutating reports whether the action touches the filesystem
func (a *Action) Mutating() bool {
	return a.Kind == ActionDelete || a.Kind == ActionMove || a.Kind == ActionReplaceWithLink
}

// Strategy describes how a keeper is picked within a class
type Strategy struct {
	Name   string            `json:"name"`
	Params map[string]string `json:"params"`
}

// Constraints bound what the planner may propose
type Constraints struct {
	KeepGlobs     []string `json:"keep_globs"`
	NoDeleteGlobs []string `json:"no_delete_globs"`
	AllowHardlink bool     `json:"allow_hardlink"`
	AllowSymlink  bool     `json:"allow_symlink"`
	RetentionDir  string   `json:"retention_dir,omitempty"`
}

// Plan is the reviewable artifact binding ordered actions to a catalog epoch
type Plan struct {
	PlanID       string      `json:"plan_id"`
	CreatedAt    time.Time   `json:"created_at"`
	CatalogEpoch uint64      `json:"catalog_epoch"`
	Strategy     Strategy    `json:"strategy"`
	Constraints  Constraints `json:"constraints"`
	ScopeRootIDs []string    `json:"scope_root_ids"`
	Actions      []Action    `json:"actions"`
}

// TxnState is the lifecycle state of an apply transaction.
// committed, rolled_back and partial are terminal.
type TxnState string

const (
	TxnOpen       TxnState = "open"
	TxnCommitted  TxnState = "committed"
	TxnRolledBack TxnState = "rolled_back"
	TxnPartial    TxnState = "partial"
)

// Terminal reports whether a transaction state admits no further writes
func (s TxnState) Terminal() bool {
	return s == TxnCommitted || s == TxnRolledBack || s == TxnPartial
}

// PostState records the outcome of one transaction entry
type PostState string

const (
	PostDone    PostState = "done"
	PostSkipped PostState = "skipped"
	PostFailed  PostState = "failed"
)

// Transaction is the append-only record of one apply run
type Transaction struct {
	TxnID     string    `json:"txn_id"`
	PlanID    string    `json:"plan_id"`
	StartedAt time.Time `json:"started_at"`
	State     TxnState  `json:"state"`
}

// TxnEntry is one logged action outcome. PreImageRef is the content
// address of the original bytes; it must resolve in the snapshot store
// for every done mutating entry until the transaction is collected.
// LinkTarget preserves the symlink target text for symbolic
// ReplaceWithLink entries so rollback never depends on the link surviving.
type TxnEntry struct {
	TxnID       string    `json:"txn_id"`
	Seq         int       `json:"seq"`
	Action      Action    `json:"action"`
	PreImageRef []byte    `json:"pre_image_ref,omitempty"`
	LinkTarget  string    `json:"link_target,omitempty"`
	PostState   PostState `json:"post_state"`
	ErrorCode   string    `json:"error_code,omitempty"`
}

// SnapshotMeta is the sidecar metadata stored beside a snapshot object
type SnapshotMeta struct {
	BytesLen        uint64 `json:"bytes_len"`
	OriginalMode    uint32 `json:"original_mode"`
	OriginalMtimeNS int64  `json:"original_mtime_ns"`
}

// ScanCheckpoint is the periodically persisted resume point for one root.
// HashAlgo pins the autotuner's pick for the epoch so a resumed scan
// hashes with the same algorithm.
type ScanCheckpoint struct {
	RootID               string `json:"root_id"`
	LastCompletedSubpath string `json:"last_completed_subpath"`
	Epoch                uint64 `json:"epoch"`
	VisitedCount         uint64 `json:"visited_count"`
	BytesHashed          uint64 `json:"bytes_hashed"`
	HashAlgo             string `json:"hash_algo"`
}

// MediaProfile tunes scan parallelism to the storage medium
type MediaProfile string

const (
	MediaSSD     MediaProfile = "ssd"
	MediaHDD     MediaProfile = "hdd"
	MediaNetwork MediaProfile = "network"
	MediaAuto    MediaProfile = "auto"
)

// VerifyState classifies one transaction entry during verification
type VerifyState string

const (
	VerifyOK           VerifyState = "ok"
	VerifyDrifted      VerifyState = "drifted"
	VerifyUnverifiable VerifyState = "unverifiable"
	VerifyOverwritten  VerifyState = "overwritten"
)

// VerifyEntry is the verifier's judgment on one transaction entry
type VerifyEntry struct {
	Seq    int         `json:"seq"`
	State  VerifyState `json:"state"`
	Detail string      `json:"detail,omitempty"`
}

// VerifyReport is the full result of verifying a transaction
type VerifyReport struct {
	TxnID   string        `json:"txn_id"`
	Entries []VerifyEntry `json:"entries"`
}

// AllOK reports whether every entry verified clean
func (r *VerifyReport) AllOK() bool {
	for _, e := range r.Entries {
		if e.State != VerifyOK {
			return false
		}
	}
	return true
}
