package apply

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/nodupelabs/nodupe/pkg/errdefs"
	"github.com/nodupelabs/nodupe/pkg/log"
	"github.com/nodupelabs/nodupe/pkg/metrics"
	"github.com/nodupelabs/nodupe/pkg/snapshot"
	"github.com/nodupelabs/nodupe/pkg/storage"
	"github.com/nodupelabs/nodupe/pkg/types"
)

// Options configure the executor
type Options struct {
	RetryAttempts uint8
	// IgnoreMissing downgrades ENOENT on an action target from fatal to
	// a skipped entry
	IgnoreMissing bool
	DryRun        bool
}

// Result reports one apply run. In dry-run mode the transaction is
// synthetic and nothing is persisted.
type Result struct {
	Txn     *types.Transaction
	Entries []*types.TxnEntry
}

// Executor runs a plan as a single transaction with at-most-once
// semantics per action
type Executor struct {
	catalog   storage.Catalog
	snapshots snapshot.Store
	opts      Options
	logger    zerolog.Logger
}

// New creates an apply executor
func New(catalog storage.Catalog, snapshots snapshot.Store, opts Options) *Executor {
	if opts.RetryAttempts == 0 {
		opts.RetryAttempts = 3
	}
	return &Executor{
		catalog:   catalog,
		snapshots: snapshots,
		opts:      opts,
		logger:    log.WithComponent("apply"),
	}
}

// Apply executes the plan: prelude snapshots every mutating action's
// pre-image into the snapshot store, then mutations run in seq order,
// then the transaction commits. Any non-ignorable error stops the run
// and finalizes the transaction as partial. A committed plan is never
// re-run.
func (e *Executor) Apply(ctx context.Context, plan *types.Plan) (*Result, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ApplyDuration)

	committed, err := e.catalog.ListTxns(storage.TxnFilter{State: types.TxnCommitted, PlanID: plan.PlanID})
	if err != nil {
		return nil, err
	}
	if len(committed) > 0 {
		return nil, fmt.Errorf("%w: plan %s already committed in transaction %s",
			errdefs.ErrInvalidInput, plan.PlanID, committed[0].TxnID)
	}

	if e.opts.DryRun {
		return e.dryRun(ctx, plan)
	}

	txn, err := e.catalog.BeginTxn(plan.PlanID)
	if err != nil {
		return nil, err
	}
	logger := e.logger.With().Str("txn_id", txn.TxnID).Str("plan_id", plan.PlanID).Logger()

	result := &Result{Txn: txn}

	// Prelude: every pre-image is in the snapshot store and logged
	// before the first byte on disk changes
	for i := range plan.Actions {
		if err := ctx.Err(); err != nil {
			return e.fail(result, fmt.Errorf("%w: apply prelude", errdefs.ErrCancelled))
		}
		entry, err := e.snapshotAction(&plan.Actions[i], txn.TxnID)
		if err != nil {
			if entry != nil {
				result.Entries = append(result.Entries, entry)
			}
			return e.fail(result, err)
		}
		if err := e.catalog.AppendTxnEntry(entry); err != nil {
			return e.fail(result, err)
		}
		result.Entries = append(result.Entries, entry)
	}

	// Mutate in seq order
	for _, entry := range result.Entries {
		if err := ctx.Err(); err != nil {
			return e.fail(result, fmt.Errorf("%w: apply mutate", errdefs.ErrCancelled))
		}
		if entry.PostState == types.PostSkipped && entry.ErrorCode == "target_missing" {
			metrics.ApplyActionsTotal.WithLabelValues(string(entry.Action.Kind), "skipped").Inc()
			continue
		}
		if err := e.mutate(entry); err != nil {
			entry.PostState = types.PostFailed
			entry.ErrorCode = errorCode(err)
			if uerr := e.catalog.UpdateTxnEntry(entry); uerr != nil {
				logger.Error().Err(uerr).Int("seq", entry.Seq).Msg("Failed to log entry failure")
			}
			metrics.ApplyActionsTotal.WithLabelValues(string(entry.Action.Kind), "failed").Inc()
			return e.fail(result, fmt.Errorf("%w: action %d (%s %s): %v",
				errdefs.ErrApplyFailed, entry.Seq, entry.Action.Kind, entry.Action.Path, err))
		}
		entry.PostState = types.PostDone
		if err := e.catalog.UpdateTxnEntry(entry); err != nil {
			return e.fail(result, err)
		}
		metrics.ApplyActionsTotal.WithLabelValues(string(entry.Action.Kind), "done").Inc()
	}

	if err := e.catalog.FinalizeTxn(txn.TxnID, types.TxnCommitted); err != nil {
		return e.fail(result, err)
	}
	txn.State = types.TxnCommitted
	logger.Info().Int("actions", len(result.Entries)).Msg("Transaction committed")
	return result, nil
}

// fail finalizes the transaction as partial and wraps the cause
func (e *Executor) fail(result *Result, cause error) (*Result, error) {
	if err := e.catalog.FinalizeTxn(result.Txn.TxnID, types.TxnPartial); err != nil {
		e.logger.Error().Err(err).Str("txn_id", result.Txn.TxnID).Msg("Failed to finalize partial transaction")
	}
	result.Txn.State = types.TxnPartial
	if errors.Is(cause, errdefs.ErrApplyFailed) || errors.Is(cause, errdefs.ErrCancelled) {
		return result, cause
	}
	return result, fmt.Errorf("%w: txn %s: %v", errdefs.ErrApplyFailed, result.Txn.TxnID, cause)
}

// snapshotAction streams an action's pre-image into the snapshot store
// and builds its log entry. A missing target is fatal unless the
// configured policy says ignore.
func (e *Executor) snapshotAction(action *types.Action, txnID string) (*types.TxnEntry, error) {
	entry := &types.TxnEntry{
		TxnID:  txnID,
		Seq:    action.Seq,
		Action: *action,
	}
	if action.Kind == types.ActionReplaceWithLink && action.LinkKind == types.LinkSymbolic {
		entry.LinkTarget = action.KeeperPath
	}

	fi, err := os.Stat(action.Path)
	if err != nil {
		if os.IsNotExist(err) {
			if e.opts.IgnoreMissing {
				entry.PostState = types.PostSkipped
				entry.ErrorCode = "target_missing"
				return entry, nil
			}
			return entry, fmt.Errorf("%w: action target %s vanished since planning", errdefs.ErrNotFound, action.Path)
		}
		return entry, err
	}

	f, err := os.Open(action.Path)
	if err != nil {
		return entry, fmt.Errorf("failed to open pre-image %s: %w", action.Path, err)
	}
	defer f.Close()

	contentHash, err := e.snapshots.Put(f, types.SnapshotMeta{
		OriginalMode:    uint32(fi.Mode()),
		OriginalMtimeNS: fi.ModTime().UnixNano(),
	})
	if err != nil {
		return entry, err
	}
	entry.PreImageRef = contentHash

	if !e.opts.DryRun {
		if _, err := e.catalog.SnapshotRef(contentHash); err != nil {
			return entry, err
		}
	}
	entry.PostState = types.PostSkipped
	return entry, nil
}

// mutate performs one filesystem operation with retries on transient
// errors
func (e *Executor) mutate(entry *types.TxnEntry) error {
	op := func() error {
		var err error
		switch entry.Action.Kind {
		case types.ActionDelete:
			err = os.Remove(entry.Action.Path)
		case types.ActionMove:
			err = moveFile(entry.Action.Path, entry.Action.Dest)
		case types.ActionReplaceWithLink:
			err = replaceWithLink(entry.Action.Path, entry.Action.KeeperPath, entry.Action.LinkKind)
		default:
			return backoff.Permanent(fmt.Errorf("%w: unknown action kind %q", errdefs.ErrInternal, entry.Action.Kind))
		}
		if err == nil {
			return nil
		}
		if transient(err) {
			return err
		}
		return backoff.Permanent(err)
	}

	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(50*time.Millisecond),
	), uint64(e.opts.RetryAttempts))
	return backoff.Retry(op, policy)
}

func transient(err error) bool {
	return errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EBUSY)
}

// moveFile renames within a device and falls back to copy-then-remove
// across devices
func moveFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	err := os.Rename(src, dst)
	if err == nil || !errors.Is(err, syscall.EXDEV) {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	fi, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, fi.Mode())
	if err != nil {
		return err
	}
	if _, err := out.ReadFrom(in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return err
	}
	return os.Remove(src)
}

// replaceWithLink creates the new link under a temp name beside the
// victim, then renames over it so the replacement is atomic
func replaceWithLink(victim, keeper string, kind types.LinkKind) error {
	tmp := filepath.Join(filepath.Dir(victim), ".nodupe-link-"+filepath.Base(victim))
	var err error
	switch kind {
	case types.LinkHard:
		err = os.Link(keeper, tmp)
	case types.LinkSymbolic:
		err = os.Symlink(keeper, tmp)
	default:
		return fmt.Errorf("%w: link kind %q", errdefs.ErrInternal, kind)
	}
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, victim); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// dryRun executes only the prelude against a null snapshot sink and
// reports what would happen without writing the catalog or the
// filesystem
func (e *Executor) dryRun(ctx context.Context, plan *types.Plan) (*Result, error) {
	null := snapshot.NewNullStore(e.snapshots.Algorithm())
	shadow := &Executor{catalog: e.catalog, snapshots: null, opts: e.opts, logger: e.logger}

	result := &Result{Txn: &types.Transaction{
		TxnID:     "dry-run",
		PlanID:    plan.PlanID,
		StartedAt: time.Now().UTC(),
		State:     types.TxnOpen,
	}}
	for i := range plan.Actions {
		if err := ctx.Err(); err != nil {
			return result, fmt.Errorf("%w: dry run", errdefs.ErrCancelled)
		}
		entry, err := shadow.snapshotAction(&plan.Actions[i], result.Txn.TxnID)
		if err != nil {
			return result, err
		}
		result.Entries = append(result.Entries, entry)
	}
	return result, nil
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, os.ErrNotExist):
		return "not_found"
	case errors.Is(err, os.ErrPermission):
		return "access_denied"
	case errors.Is(err, syscall.ENOSPC):
		return "no_space"
	case errors.Is(err, syscall.EXDEV):
		return "cross_device"
	default:
		return "io_error"
	}
}
