package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/nodupelabs/nodupe/pkg/snapshot"
	"github.com/nodupelabs/nodupe/pkg/storage"
	"github.com/nodupelabs/nodupe/pkg/types"
)

var compactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Remove stale records and unreferenced embeddings",
	Long: `Compact hard-deletes records marked missing for more than the given
number of scan epochs and drops embeddings no surviving record
references. Snapshot objects referenced by a non-terminal transaction
are never touched.`,
	RunE: runCompact,
}

func init() {
	compactCmd.Flags().Uint64("keep-epochs", 3, "Keep missing records this many epochs")
}

func runCompact(cmd *cobra.Command, args []string) error {
	c, err := openCore(cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	keepEpochs, _ := cmd.Flags().GetUint64("keep-epochs")

	stats, err := c.Catalog.Compact(keepEpochs)
	if err != nil {
		return err
	}

	// Retention: terminal transactions past the window release their
	// snapshot refs and leave the log. Partial transactions stay until
	// an operator resolves them.
	cutoff := time.Now().Add(-time.Duration(c.Config.Rollback.RetentionDays) * 24 * time.Hour)
	txns, err := c.Catalog.ListTxns(storage.TxnFilter{})
	if err != nil {
		return err
	}
	collected := 0
	for _, txn := range txns {
		if txn.State != types.TxnCommitted && txn.State != types.TxnRolledBack {
			continue
		}
		if txn.StartedAt.After(cutoff) {
			continue
		}
		entries, err := c.Catalog.GetTxnEntries(txn.TxnID)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			if len(entry.PreImageRef) == 0 || entry.PostState != types.PostDone ||
				txn.State == types.TxnRolledBack {
				continue
			}
			if _, err := c.Catalog.SnapshotUnref(entry.PreImageRef); err != nil {
				return err
			}
		}
		if err := c.Catalog.DeleteTxn(txn.TxnID); err != nil {
			return err
		}
		collected++
	}
	if collected > 0 {
		fmt.Printf("Collected %d transactions past retention\n", collected)
	}

	// Prune snapshot objects nothing references anymore. Objects held by
	// any transaction entry keep a positive refcount until rollback or
	// transaction GC drops it, so retention always wins here.
	pruned, remaining := 0, 0
	if store, ok := c.Snapshots.(*snapshot.DirStore); ok {
		err = store.Objects(func(contentHash []byte) error {
			count, err := c.Catalog.SnapshotRefCount(contentHash)
			if err != nil {
				return err
			}
			if count == 0 {
				if err := store.Remove(contentHash); err != nil {
					return err
				}
				pruned++
				return nil
			}
			remaining++
			return nil
		})
		if err != nil {
			return err
		}
	}
	if max := int(c.Config.Rollback.MaxSnapshots); remaining > max {
		fmt.Printf("Warning: %d snapshot objects exceed rollback.max_snapshots=%d; all are still referenced by transactions inside the retention window\n",
			remaining, max)
	}

	fmt.Printf("Compacted: %d records, %d embeddings, %d snapshot objects removed\n",
		stats.RecordsRemoved, stats.EmbeddingsRemoved, pruned)
	return nil
}
