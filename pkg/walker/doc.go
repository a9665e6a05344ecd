/*
Package walker enumerates candidate files under a set of root paths.

Traversal is an explicit-stack depth-first walk with children sorted by
name, so the sequence is stable for a given filesystem state. Ignore
patterns (doublestar globs) match against the relative path with
first-match semantics. Symlink cycles are broken by tracking the
(device, inode) of every directory entered; directories on a different
device than the root are skipped unless cross-device descent is enabled.

Per-entry failures (permission, stat, cycle) are yielded inline as
entries with Err set and do not end the sequence; a missing root ends the
sequence for that root after a single fatal entry.
*/
package walker
