package escrow

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidAmount          = errors.New("invalid amount")
	ErrUnauthorized           = errors.New("not authorized for this escrow operation")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrPaymentFailed          = errors.New("payment failed")
	ErrInvalidResolution      = errors.New("invalid dispute resolution")
	ErrValidation             = errors.New("validation failed")
	ErrConflict               = errors.New("concurrent modification")

	// ErrInvariantViolation means a write would break fund conservation or
	// the status shape of a record. It is never the caller's fault.
	ErrInvariantViolation = errors.New("invariant violation")

	ErrNotFound          = errors.New("not found")
	ErrEscrowNotFound    = fmt.Errorf("escrow %w", ErrNotFound)
	ErrDisputeNotFound   = fmt.Errorf("dispute %w", ErrNotFound)
	ErrMilestoneNotFound = fmt.Errorf("milestone %w", ErrNotFound)
)

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func violation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvariantViolation, fmt.Sprintf(format, args...))
}
