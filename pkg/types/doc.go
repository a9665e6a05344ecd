/*
Package types defines the core data model shared by all NoDupeLabs
components: cataloged file records, embeddings, duplicate classes, plans
and their actions, apply transactions with their log entries, snapshot
metadata, and scan checkpoints.

All cross-entity references are by surrogate id (FileID, EmbeddingID,
PlanID, TxnID); no entity holds a pointer back into another. Digests are
raw bytes everywhere in this package and hex-encode only at the CLI and
plan-artifact boundaries.
*/
package types
