// Package snapshot implements the content-addressable pre-image store:
// objects named by the hash of their bytes under content/{aa}/{hash}
// with a metadata sidecar, written via temp-file-plus-rename. Gets verify
// the content hash before the bytes reach a consumer. Refcounts are
// catalog rows so they commit with the transaction log.
package snapshot
