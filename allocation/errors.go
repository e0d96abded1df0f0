/*
errors.go - Error taxonomy for the allocation engine

PURPOSE:
  Every guard violation surfaces as one of seven kinds. Callers switch on
  the kind (errors.Is against the sentinels, or KindOf), never on message
  text.

ERROR CATEGORIES:
  NotFound              referenced record is absent
  InvalidState          transition not permitted from the current status
  InsufficientInventory debit exceeds the stock balance
  DonorUnavailable      donor not eligible or already busy
  Forbidden             actor does not own/control the target record
  Banned                active suspension blocks the action
  Validation            malformed input, capacity exceeded, unknown group

USAGE:
  if errors.Is(err, allocation.ErrBanned) {
      var b *allocation.BannedError
      errors.As(err, &b) // b.Until
  }

SEE ALSO:
  - api/handlers.go: maps kinds to HTTP status codes
*/
package allocation

import (
	"errors"
	"fmt"
	"time"

	"github.com/warp/bloodbank/blood"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrNotFound              = errors.New("not found")
	ErrInvalidState          = errors.New("invalid state")
	ErrInsufficientInventory = errors.New("insufficient inventory")
	ErrDonorUnavailable      = errors.New("donor unavailable")
	ErrForbidden             = errors.New("forbidden")
	ErrBanned                = errors.New("banned")
	ErrValidation            = errors.New("validation error")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError names the offending field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// CapacityError is returned when a child would push the outstanding units
// of its Main request past the requirement.
type CapacityError struct {
	ParentID  RequestID
	Remaining int
	Requested int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("request %s has %d units remaining, %d requested", e.ParentID, e.Remaining, e.Requested)
}

func (e *CapacityError) Unwrap() error { return ErrValidation }

// StateError is returned when a record is not in the status a transition
// requires. Optimistic guards that lose a race report it too.
type StateError struct {
	ID       RequestID
	Actual   Status
	Expected []Status
	Op       string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s: request %s is %s, want one of %v", e.Op, e.ID, e.Actual, e.Expected)
}

func (e *StateError) Unwrap() error { return ErrInvalidState }

// InsufficientInventoryError provides details about a stock shortage.
type InsufficientInventoryError struct {
	BloodGroup blood.Group
	Available  int
	Requested  int
}

func (e *InsufficientInventoryError) Error() string {
	return fmt.Sprintf("insufficient %s inventory: available %d, requested %d",
		e.BloodGroup, e.Available, e.Requested)
}

func (e *InsufficientInventoryError) Unwrap() error { return ErrInsufficientInventory }

// DonorUnavailableError explains why a donor cannot be assigned.
type DonorUnavailableError struct {
	DonorID    DonorID
	Reason     string
	EligibleAt *time.Time
}

func (e *DonorUnavailableError) Error() string {
	if e.EligibleAt != nil {
		return fmt.Sprintf("donor %s unavailable: %s until %s", e.DonorID, e.Reason, e.EligibleAt.Format(time.DateOnly))
	}
	return fmt.Sprintf("donor %s unavailable: %s", e.DonorID, e.Reason)
}

func (e *DonorUnavailableError) Unwrap() error { return ErrDonorUnavailable }

// BannedError carries the end of the suspension window.
type BannedError struct {
	RequesterID RequesterID
	Until       time.Time
}

func (e *BannedError) Error() string {
	return fmt.Sprintf("requester %s is banned until %s", e.RequesterID, e.Until.Format(time.RFC3339))
}

func (e *BannedError) Unwrap() error { return ErrBanned }

// NotFoundError names the missing record.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("%s %s not found", e.Entity, e.ID) }

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// NotFound builds a NotFoundError; stores use it for missing records.
func NotFound(entity string, id any) error {
	return &NotFoundError{Entity: entity, ID: fmt.Sprint(id)}
}

func forbidden(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrForbidden, fmt.Sprintf(format, args...))
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// ErrorKind is the taxonomy name of an error.
type ErrorKind string

const (
	KindNotFound              ErrorKind = "not_found"
	KindInvalidState          ErrorKind = "invalid_state"
	KindInsufficientInventory ErrorKind = "insufficient_inventory"
	KindDonorUnavailable      ErrorKind = "donor_unavailable"
	KindForbidden             ErrorKind = "forbidden"
	KindBanned                ErrorKind = "banned"
	KindValidation            ErrorKind = "validation"
	KindInternal              ErrorKind = "internal"
)

// KindOf classifies err. Unclassified errors are internal (storage, I/O).
func KindOf(err error) ErrorKind {
	switch {
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrInvalidState):
		return KindInvalidState
	case errors.Is(err, ErrInsufficientInventory):
		return KindInsufficientInventory
	case errors.Is(err, ErrDonorUnavailable):
		return KindDonorUnavailable
	case errors.Is(err, ErrForbidden):
		return KindForbidden
	case errors.Is(err, ErrBanned):
		return KindBanned
	case errors.Is(err, ErrValidation):
		return KindValidation
	}
	return KindInternal
}

// IsClientError returns true if the error is due to the caller's input or
// the current state of the records, not an infrastructure failure.
func IsClientError(err error) bool {
	return err != nil && KindOf(err) != KindInternal
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
