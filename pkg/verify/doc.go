/*
Package verify proves a transaction's outcome after the fact and drives
rollback. Verification classifies every entry as ok, drifted or
unverifiable: done entries must match their expected post-state on disk
(missing for Delete, present at the destination for Move, linked to the
keeper for ReplaceWithLink) and their pre-image must still hash-match in
the snapshot store.

Rollback reverses done entries in reverse seq order, restoring bytes,
mode and mtime from the pre-image. Drifted targets refuse the rollback
unless forced, in which case they are restored anyway and reported as
overwritten. Rolling back a rolled-back transaction is refused.
*/
package verify
