package errdefs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected int
	}{
		{"nil", nil, ExitOK},
		{"invalid input", ErrInvalidInput, ExitInvalid},
		{"wrapped invalid input", fmt.Errorf("scan: %w", ErrInvalidInput), ExitInvalid},
		{"plan invalid", ErrPlanInvalid, ExitInvalid},
		{"plan conflict", ErrPlanConflict, ExitError},
		{"drift", fmt.Errorf("verify: %w", ErrDrift), ExitError},
		{"cancelled", ErrCancelled, ExitError},
		{"plain error", errors.New("boom"), ExitError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ExitCode(tt.err))
		})
	}
}

func TestInvariant(t *testing.T) {
	assert.NotPanics(t, func() { Invariant(true, "fine") })
	assert.Panics(t, func() { Invariant(false, "seq %d out of order", 3) })
}
