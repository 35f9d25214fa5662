package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyAssigned is returned when an assignment or application
	// accept targets a mission that already has a different active liner.
	ErrAlreadyAssigned = errors.New("mission already assigned")

	// ErrTokenMismatch is returned when QR verification is attempted with
	// a token that does not match the mission's current token.
	ErrTokenMismatch = errors.New("qr token mismatch")

	// ErrConflict is returned when another transition committed first.
	// The caller should re-fetch the mission and retry.
	ErrConflict = errors.New("mission was updated concurrently")
)

// PreconditionError rejects a transition that is not valid from the
// mission's current state. It is never retried automatically.
type PreconditionError struct {
	Reason string
}

func (e PreconditionError) Error() string { return e.Reason }

func preconditionf(format string, args ...any) error {
	return PreconditionError{Reason: fmt.Sprintf(format, args...)}
}

// PaymentError wraps a gateway failure. The status transition that
// preceded the gateway call stays committed; only payment_status keeps
// its pre-call value. The payment-only operation can be retried.
type PaymentError struct {
	Op  string // "authorize" or "capture"
	Err error
}

func (e *PaymentError) Error() string {
	return fmt.Sprintf("payment %s failed: %v", e.Op, e.Err)
}

func (e *PaymentError) Unwrap() error { return e.Err }
