// Package errdefs holds the sentinel errors of the public error taxonomy
// and the mapping from error chains to CLI exit codes.
package errdefs
