package verify

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/nodupelabs/nodupe/pkg/errdefs"
	"github.com/nodupelabs/nodupe/pkg/log"
	"github.com/nodupelabs/nodupe/pkg/metrics"
	"github.com/nodupelabs/nodupe/pkg/snapshot"
	"github.com/nodupelabs/nodupe/pkg/storage"
	"github.com/nodupelabs/nodupe/pkg/types"
)

// Verifier proves a transaction's post-state against the filesystem and
// drives rollback
type Verifier struct {
	catalog   storage.Catalog
	snapshots snapshot.Store
	logger    zerolog.Logger
}

// New creates a verifier
func New(catalog storage.Catalog, snapshots snapshot.Store) *Verifier {
	return &Verifier{
		catalog:   catalog,
		snapshots: snapshots,
		logger:    log.WithComponent("verify"),
	}
}

// Verify re-reads the filesystem and classifies every entry of the
// transaction as ok, drifted or unverifiable
func (v *Verifier) Verify(txnID string) (*types.VerifyReport, error) {
	if _, err := v.catalog.GetTxn(txnID); err != nil {
		return nil, err
	}
	entries, err := v.catalog.GetTxnEntries(txnID)
	if err != nil {
		return nil, err
	}

	report := &types.VerifyReport{TxnID: txnID}
	for _, entry := range entries {
		report.Entries = append(report.Entries, v.verifyEntry(entry))
	}
	return report, nil
}

func (v *Verifier) verifyEntry(entry *types.TxnEntry) types.VerifyEntry {
	result := types.VerifyEntry{Seq: entry.Seq}

	switch entry.PostState {
	case types.PostSkipped:
		result.State = types.VerifyOK
		result.Detail = "entry skipped"
		return result
	case types.PostFailed:
		result.State = types.VerifyUnverifiable
		result.Detail = "entry failed during apply: " + entry.ErrorCode
		return result
	}

	// Pre-image must still resolve and hash-match for every done
	// mutating entry
	if len(entry.PreImageRef) > 0 {
		if err := v.checkPreImage(entry.PreImageRef); err != nil {
			result.State = types.VerifyUnverifiable
			result.Detail = err.Error()
			return result
		}
	}

	if detail := v.checkPostState(entry); detail != "" {
		result.State = types.VerifyDrifted
		result.Detail = detail
		return result
	}

	result.State = types.VerifyOK
	return result
}

// checkPreImage fully reads the snapshot object through its verifying
// reader
func (v *Verifier) checkPreImage(ref []byte) error {
	r, err := v.snapshots.Get(ref)
	if err != nil {
		return fmt.Errorf("pre-image unavailable: %v", err)
	}
	defer r.Close()
	if _, err := io.Copy(io.Discard, r); err != nil {
		return fmt.Errorf("pre-image corrupt: %v", err)
	}
	return nil
}

// checkPostState compares the filesystem against the entry's expected
// outcome, returning a drift description or ""
func (v *Verifier) checkPostState(entry *types.TxnEntry) string {
	action := entry.Action
	switch action.Kind {
	case types.ActionDelete:
		if _, err := os.Lstat(action.Path); err == nil {
			return fmt.Sprintf("deleted path %s exists again", action.Path)
		} else if !os.IsNotExist(err) {
			return fmt.Sprintf("cannot stat %s: %v", action.Path, err)
		}
	case types.ActionMove:
		if _, err := os.Lstat(action.Path); err == nil {
			return fmt.Sprintf("moved path %s exists again", action.Path)
		}
		if _, err := os.Lstat(action.Dest); err != nil {
			return fmt.Sprintf("move destination %s missing", action.Dest)
		}
	case types.ActionReplaceWithLink:
		switch action.LinkKind {
		case types.LinkSymbolic:
			target, err := os.Readlink(action.Path)
			if err != nil {
				return fmt.Sprintf("%s is not a symlink", action.Path)
			}
			if target != entry.LinkTarget {
				return fmt.Sprintf("%s points at %s, expected %s", action.Path, target, entry.LinkTarget)
			}
		case types.LinkHard:
			if !sameInode(action.Path, action.KeeperPath) {
				return fmt.Sprintf("%s is not hard-linked to %s", action.Path, action.KeeperPath)
			}
		}
	}
	return ""
}

func sameInode(a, b string) bool {
	fa, err := os.Stat(a)
	if err != nil {
		return false
	}
	fb, err := os.Stat(b)
	if err != nil {
		return false
	}
	sa, ok := fa.Sys().(*syscall.Stat_t)
	if !ok {
		return false
	}
	sb, ok := fb.Sys().(*syscall.Stat_t)
	if !ok {
		return false
	}
	return sa.Dev == sb.Dev && sa.Ino == sb.Ino
}

// RollbackOptions narrow and force a rollback
type RollbackOptions struct {
	// OnlySeqs restricts the rollback to the listed entries; empty means
	// the whole transaction
	OnlySeqs []int
	// Force promotes drifted targets to overwritten instead of refusing
	Force bool
}

// Rollback reverses a transaction's done entries in reverse seq order,
// restoring pre-images, modes and mtimes. A drifted target refuses the
// rollback unless forced. A full rollback finalizes the transaction as
// rolled_back.
func (v *Verifier) Rollback(txnID string, opts RollbackOptions) (*types.VerifyReport, error) {
	txn, err := v.catalog.GetTxn(txnID)
	if err != nil {
		return nil, err
	}
	if txn.State == types.TxnRolledBack {
		return nil, fmt.Errorf("%w: transaction %s already rolled back", errdefs.ErrInvalidInput, txnID)
	}
	if txn.State == types.TxnOpen {
		return nil, fmt.Errorf("%w: transaction %s still open", errdefs.ErrInvalidInput, txnID)
	}

	entries, err := v.catalog.GetTxnEntries(txnID)
	if err != nil {
		return nil, err
	}

	only := map[int]bool{}
	for _, seq := range opts.OnlySeqs {
		only[seq] = true
	}

	report := &types.VerifyReport{TxnID: txnID}
	for i := len(entries) - 1; i >= 0; i-- {
		entry := entries[i]
		if entry.PostState != types.PostDone {
			continue
		}
		if len(only) > 0 && !only[entry.Seq] {
			continue
		}
		result, err := v.rollbackEntry(entry, opts.Force)
		report.Entries = append(report.Entries, result)
		if err != nil {
			metrics.RollbacksTotal.WithLabelValues("refused").Inc()
			return report, err
		}
		if len(entry.PreImageRef) > 0 {
			if _, err := v.catalog.SnapshotUnref(entry.PreImageRef); err != nil {
				v.logger.Warn().Err(err).Int("seq", entry.Seq).Msg("Snapshot unref failed")
			}
		}
	}

	if len(only) == 0 {
		if err := v.catalog.FinalizeTxn(txnID, types.TxnRolledBack); err != nil {
			return report, err
		}
	}
	metrics.RollbacksTotal.WithLabelValues("rolled_back").Inc()
	v.logger.Info().Str("txn_id", txnID).Int("entries", len(report.Entries)).Msg("Rollback complete")
	return report, nil
}

// rollbackEntry reverses one done entry
func (v *Verifier) rollbackEntry(entry *types.TxnEntry, force bool) (types.VerifyEntry, error) {
	result := types.VerifyEntry{Seq: entry.Seq, State: types.VerifyOK}
	action := entry.Action

	switch action.Kind {
	case types.ActionDelete:
		overwrote, err := v.restorePreImage(entry, action.Path, force)
		if err != nil {
			return v.refuse(result, err)
		}
		if overwrote {
			result.State = types.VerifyOverwritten
		}

	case types.ActionMove:
		if _, err := os.Lstat(action.Path); err == nil && !force {
			return v.refuse(result, fmt.Errorf("%w: original path %s exists", errdefs.ErrDrift, action.Path))
		}
		if err := os.Rename(action.Dest, action.Path); err != nil {
			// The moved copy drifted away; fall back to the pre-image
			overwrote, rerr := v.restorePreImage(entry, action.Path, force)
			if rerr != nil {
				return v.refuse(result, fmt.Errorf("%w: move reversal failed: %v", errdefs.ErrDrift, err))
			}
			if overwrote {
				result.State = types.VerifyOverwritten
			}
		} else if err := v.restoreMeta(entry, action.Path); err != nil {
			return v.refuse(result, err)
		}

	case types.ActionReplaceWithLink:
		// The link itself is the expected post-state; replacing it is
		// not drift. Only a target that stopped matching counts.
		drift := v.checkPostState(entry)
		if drift != "" && !force {
			return v.refuse(result, fmt.Errorf("%w: %s", errdefs.ErrDrift, drift))
		}
		if _, err := v.restorePreImage(entry, action.Path, true); err != nil {
			return v.refuse(result, err)
		}
		if drift != "" {
			result.State = types.VerifyOverwritten
		}
	}
	return result, nil
}

func (v *Verifier) refuse(result types.VerifyEntry, err error) (types.VerifyEntry, error) {
	result.State = types.VerifyDrifted
	result.Detail = err.Error()
	return result, err
}

// restorePreImage writes the snapshot object back to path with its
// original mode and mtime, via temp-file-plus-rename. Restoring over an
// existing file requires force; the return reports whether it overwrote.
func (v *Verifier) restorePreImage(entry *types.TxnEntry, path string, force bool) (bool, error) {
	overwrote := false
	if _, err := os.Lstat(path); err == nil {
		if !force {
			return false, fmt.Errorf("%w: %s exists, not restoring without force", errdefs.ErrDrift, path)
		}
		overwrote = true
	}

	r, err := v.snapshots.Get(entry.PreImageRef)
	if err != nil {
		return false, err
	}
	defer r.Close()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".nodupe-restore-*")
	if err != nil {
		return false, err
	}
	tmpPath := tmp.Name()
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return false, err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return false, err
	}
	if overwrote {
		// Overwriting drift still replaces the link or file atomically
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			os.Remove(tmpPath)
			return false, err
		}
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return false, err
	}
	return overwrote, v.restoreMeta(entry, path)
}

// restoreMeta re-applies the pre-image's mode and mtime
func (v *Verifier) restoreMeta(entry *types.TxnEntry, path string) error {
	meta, err := v.snapshots.GetMeta(entry.PreImageRef)
	if err != nil {
		return nil
	}
	if err := os.Chmod(path, os.FileMode(meta.OriginalMode)); err != nil {
		return err
	}
	mtime := time.Unix(0, meta.OriginalMtimeNS)
	return os.Chtimes(path, mtime, mtime)
}

// Fix rolls back only the drifted entries of a transaction with force,
// promoting them to overwritten in the returned report
func (v *Verifier) Fix(txnID string) (*types.VerifyReport, error) {
	report, err := v.Verify(txnID)
	if err != nil {
		return nil, err
	}
	var drifted []int
	for _, e := range report.Entries {
		if e.State == types.VerifyDrifted {
			drifted = append(drifted, e.Seq)
		}
	}
	if len(drifted) == 0 {
		return report, nil
	}
	return v.Rollback(txnID, RollbackOptions{OnlySeqs: drifted, Force: true})
}
