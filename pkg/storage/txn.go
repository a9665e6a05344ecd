package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	bolt "go.etcd.io/bbolt"

	"github.com/nodupelabs/nodupe/pkg/errdefs"
	"github.com/nodupelabs/nodupe/pkg/types"
)

// BeginTxn opens a new apply transaction for a plan. Only one transaction
// may be open at a time; this is the coarse catalog lock the executor
// relies on.
func (c *BoltCatalog) BeginTxn(planID string) (*types.Transaction, error) {
	txn := &types.Transaction{
		TxnID:     ulid.Make().String(),
		PlanID:    planID,
		StartedAt: time.Now().UTC(),
		State:     types.TxnOpen,
	}
	err := c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTxns)
		var openErr error
		if err := b.ForEach(func(k, v []byte) error {
			var existing types.Transaction
			if err := json.Unmarshal(v, &existing); err != nil {
				return err
			}
			if existing.State == types.TxnOpen {
				openErr = fmt.Errorf("%w: %s", errdefs.ErrTxnAlreadyOpen, existing.TxnID)
			}
			return nil
		}); err != nil {
			return err
		}
		if openErr != nil {
			return openErr
		}
		data, err := json.Marshal(txn)
		if err != nil {
			return err
		}
		return b.Put([]byte(txn.TxnID), data)
	})
	if err != nil {
		return nil, err
	}
	return txn, nil
}

// AppendTxnEntry appends one log entry. Entries are append-only and must
// arrive in strictly increasing seq order within their transaction.
func (c *BoltCatalog) AppendTxnEntry(entry *types.TxnEntry) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		txData := tx.Bucket(bucketTxns).Get([]byte(entry.TxnID))
		if txData == nil {
			return fmt.Errorf("%w: transaction %s", errdefs.ErrNotFound, entry.TxnID)
		}
		var txn types.Transaction
		if err := json.Unmarshal(txData, &txn); err != nil {
			return err
		}
		if txn.State.Terminal() {
			return fmt.Errorf("%w: transaction %s is %s", errdefs.ErrInvalidInput, entry.TxnID, txn.State)
		}

		entries := tx.Bucket(bucketTxnEntries)
		key := entryKey(entry.TxnID, entry.Seq)
		if existing := entries.Get(key); existing != nil {
			return fmt.Errorf("%w: duplicate entry seq %d in %s", errdefs.ErrInternal, entry.Seq, entry.TxnID)
		}
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return entries.Put(key, data)
	})
}

// UpdateTxnEntry overwrites an existing entry, used to record the final
// post_state once the mutation lands.
func (c *BoltCatalog) UpdateTxnEntry(entry *types.TxnEntry) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		entries := tx.Bucket(bucketTxnEntries)
		key := entryKey(entry.TxnID, entry.Seq)
		if entries.Get(key) == nil {
			return fmt.Errorf("%w: entry seq %d in %s", errdefs.ErrNotFound, entry.Seq, entry.TxnID)
		}
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return entries.Put(key, data)
	})
}

// FinalizeTxn moves a transaction to a terminal state. Open and partial
// transactions may take any terminal state; a committed one may only be
// rolled back; rolled_back is final.
func (c *BoltCatalog) FinalizeTxn(txnID string, state types.TxnState) error {
	errdefs.Invariant(state.Terminal(), "finalize to non-terminal state %s", state)
	return c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTxns)
		data := b.Get([]byte(txnID))
		if data == nil {
			return fmt.Errorf("%w: transaction %s", errdefs.ErrNotFound, txnID)
		}
		var txn types.Transaction
		if err := json.Unmarshal(data, &txn); err != nil {
			return err
		}
		rollback := txn.State == types.TxnCommitted && state == types.TxnRolledBack
		if txn.State.Terminal() && txn.State != types.TxnPartial && !rollback {
			return fmt.Errorf("%w: transaction %s already %s", errdefs.ErrInvalidInput, txnID, txn.State)
		}
		txn.State = state
		out, err := json.Marshal(&txn)
		if err != nil {
			return err
		}
		return b.Put([]byte(txnID), out)
	})
}

// GetTxn retrieves a transaction by id
func (c *BoltCatalog) GetTxn(txnID string) (*types.Transaction, error) {
	var txn types.Transaction
	err := c.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTxns).Get([]byte(txnID))
		if data == nil {
			return fmt.Errorf("%w: transaction %s", errdefs.ErrNotFound, txnID)
		}
		return json.Unmarshal(data, &txn)
	})
	if err != nil {
		return nil, err
	}
	return &txn, nil
}

// GetTxnEntries returns a transaction's entries in seq order
func (c *BoltCatalog) GetTxnEntries(txnID string) ([]*types.TxnEntry, error) {
	prefix := append([]byte(txnID), keySep)
	var entries []*types.TxnEntry
	err := c.db.View(func(tx *bolt.Tx) error {
		cur := tx.Bucket(bucketTxnEntries).Cursor()
		for k, v := cur.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = cur.Next() {
			var entry types.TxnEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			entries = append(entries, &entry)
		}
		return nil
	})
	return entries, err
}

// DeleteTxn removes a terminal transaction and its entries. Used by
// transaction GC once the retention window has passed; the caller is
// responsible for releasing the entries' snapshot refs first.
func (c *BoltCatalog) DeleteTxn(txnID string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTxns)
		data := b.Get([]byte(txnID))
		if data == nil {
			return fmt.Errorf("%w: transaction %s", errdefs.ErrNotFound, txnID)
		}
		var txn types.Transaction
		if err := json.Unmarshal(data, &txn); err != nil {
			return err
		}
		if !txn.State.Terminal() {
			return fmt.Errorf("%w: transaction %s is still %s", errdefs.ErrInvalidInput, txnID, txn.State)
		}

		entries := tx.Bucket(bucketTxnEntries)
		prefix := append([]byte(txnID), keySep)
		cur := entries.Cursor()
		var keys [][]byte
		for k, _ := cur.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = cur.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for _, k := range keys {
			if err := entries.Delete(k); err != nil {
				return err
			}
		}
		return b.Delete([]byte(txnID))
	})
}

// ListTxns returns transactions matching the filter, in id (creation)
// order — ULIDs sort by time.
func (c *BoltCatalog) ListTxns(filter TxnFilter) ([]*types.Transaction, error) {
	var txns []*types.Transaction
	err := c.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTxns).ForEach(func(k, v []byte) error {
			var txn types.Transaction
			if err := json.Unmarshal(v, &txn); err != nil {
				return err
			}
			if filter.State != "" && txn.State != filter.State {
				return nil
			}
			if filter.PlanID != "" && txn.PlanID != filter.PlanID {
				return nil
			}
			txns = append(txns, &txn)
			return nil
		})
	})
	return txns, err
}
