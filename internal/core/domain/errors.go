package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrForbidden          = errors.New("forbidden")
	ErrInvalidRequest     = errors.New("invalid request")
	ErrInsufficientStock  = errors.New("insufficient stock")
	ErrAlreadyApproved    = errors.New("request already approved")
	ErrNotApproved        = errors.New("request not approved yet")
	ErrAlreadyDispatched  = errors.New("request already dispatched")
	ErrRequestClosed      = errors.New("request is closed")
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrInvariantViolation = errors.New("invariant violation")
	ErrCannotExceedTotal  = errors.New("return cannot exceed total stock")
	ErrNothingToReturn    = errors.New("nothing outstanding to return")

	// ErrNoEffect is raised when an operation would commit without changing
	// a single line.
	ErrNoEffect                = errors.New("operation had no effect")
	ErrNoAllocatedStock        = fmt.Errorf("no allocated stock to dispatch: %w", ErrNoEffect)
	ErrNoValidReturnQuantities = fmt.Errorf("no valid return quantities: %w", ErrNoEffect)
)

// LineError is a non-fatal failure of one request line.
type LineError struct {
	ItemID string
	Err    error
}

func (e LineError) Error() string {
	return fmt.Sprintf("item %s: %v", e.ItemID, e.Err)
}

func (e LineError) Unwrap() error {
	return e.Err
}
