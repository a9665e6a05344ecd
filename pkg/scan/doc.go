/*
Package scan drives the Walker → Hasher → Catalog pipeline.

Pass 1 stats, quick-hashes and optionally embeds every candidate through
a pool of hash workers feeding a single catalog writer over bounded
channels (2× the worker count, so back-pressure is natural). The writer
commits all-or-nothing batches and persists a resume checkpoint on a
fixed interval, tracking the contiguous committed frontier of the
walker's traversal order. Pass 2 full-hashes only quick-hash collision
groups inside multi-member size buckets; a file with a unique size is
never fully hashed.

Cancellation commits the in-flight batch, writes a final checkpoint and
returns ErrCancelled; a later scan with Resume set continues from the
checkpoint under the same epoch and hash algorithm.
*/
package scan
