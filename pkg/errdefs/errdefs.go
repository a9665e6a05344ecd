package errdefs

import (
	"errors"
	"fmt"
)

// Sentinel errors for the public taxonomy. Components wrap these with
// fmt.Errorf("...: %w", ...) context; callers classify with errors.Is.
var (
	// Invalid input
	ErrInvalidInput = errors.New("invalid input")
	ErrPlanInvalid  = errors.New("plan invalid")

	// Resource
	ErrAccessDenied = errors.New("access denied")
	ErrNotFound     = errors.New("not found")
	ErrCrossDevice  = errors.New("cross-device operation")
	ErrNoSpace      = errors.New("no space left")

	// Integrity
	ErrSnapshotCorrupt = errors.New("snapshot corrupt")
	ErrCatalogCorrupt  = errors.New("catalog corrupt")

	// Drift
	ErrDrift = errors.New("filesystem drift")

	// Concurrency
	ErrTxnAlreadyOpen = errors.New("transaction already open")
	ErrCancelled      = errors.New("cancelled")

	// Operation failures
	ErrPlanConflict = errors.New("plan conflict")
	ErrHashFailed   = errors.New("hash failed")
	ErrApplyFailed  = errors.New("apply failed")

	// Internal
	ErrInternal = errors.New("internal error")
)

// Exit codes for the CLI boundary
const (
	ExitOK      = 0
	ExitError   = 1
	ExitInvalid = 2
)

// ExitCode maps an error chain to the process exit code: 0 for nil,
// 2 for invalid input, 1 for every handled failure.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, ErrInvalidInput) || errors.Is(err, ErrPlanInvalid):
		return ExitInvalid
	default:
		return ExitError
	}
}

// Invariant panics with a diagnostic when cond is false. Violated
// invariants abort the process rather than propagate.
func Invariant(cond bool, format string, args ...any) {
	if !cond {
		panic(fmt.Sprintf("invariant violated: "+format, args...))
	}
}
