/*
Package storage provides the bbolt-backed catalog: ACID persistence for
file records, embeddings, plans, apply transactions with their log
entries, scan checkpoints and snapshot refcounts.

Each entity lives in its own bucket with JSON values. Secondary indexes
are composite-key buckets:

	idx_file_key    root_id \0 relative_path      -> file_id
	idx_file_size   size(8B BE) file_id(8B BE)    -> nil
	idx_file_hash   algo \0 hash file_id(8B BE)   -> nil
	txn_entries     txn_id \0 seq(4B BE)          -> TxnEntry

Big-endian key encoding keeps bolt's cursor order equal to numeric order,
so size and hash buckets stream as contiguous ranges.

Writes go through db.Update (single writer, fsync on commit); readers use
db.View and see a consistent snapshot. Setting a group-commit window
trades the per-commit fsync for one sync per window.

The schema is versioned in the meta bucket; Open upgrades older databases
inside one transaction and refuses newer ones. Open also finalizes any
transaction left open by a crash as partial so the verifier can report it.
*/
package storage
