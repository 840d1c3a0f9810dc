/*
errors.go - Error taxonomy for the clinic engine

ERROR CATEGORIES:
  1. ValidationError            Bad input to RecordSale
  2. InvalidStateTransitionError Appointment lifecycle misuse
  3. ConsistencyError           Invariant violation (should be unreachable)
  4. PersistenceError           Port call failed or timed out
  5. DerivationError            Aggregate of per-item derivation failures

Every structured error unwraps to a sentinel so callers can use errors.Is
without caring about the concrete type.
*/
package clinic

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrValidation        = errors.New("validation failed")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrConsistency       = errors.New("consistency violation")
	ErrPersistence       = errors.New("persistence failure")

	// ErrNotFound is returned by ports when a record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateAppointment is returned by AppointmentPort.Insert when the
	// (client, package, session) triple is already taken.
	ErrDuplicateAppointment = errors.New("duplicate appointment")

	// ErrConcurrentModification is returned by Update when the stored status
	// no longer matches the patch's expected status.
	ErrConcurrentModification = errors.New("concurrent modification detected")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// ValidationError describes a rejected sale input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// InvalidStateTransitionError is returned when an appointment operation is
// not allowed from its current status.
type InvalidStateTransitionError struct {
	AppointmentID string
	From          AppointmentStatus
	Action        string
}

func (e *InvalidStateTransitionError) Error() string {
	return fmt.Sprintf("cannot %s appointment %s in status %s", e.Action, e.AppointmentID, e.From)
}

func (e *InvalidStateTransitionError) Unwrap() error { return ErrInvalidTransition }

// ConsistencyError reports a broken invariant. It is detected, never clamped.
type ConsistencyError struct {
	PackageRef string
	Detail     string
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("consistency violation on package %s: %s", e.PackageRef, e.Detail)
}

func (e *ConsistencyError) Unwrap() error { return ErrConsistency }

// PersistenceError wraps a failed or timed-out port call.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err)
}

// Is lets errors.Is match both ErrPersistence and the wrapped cause.
func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }

func (e *PersistenceError) Unwrap() error { return e.Err }

// ItemFailure is one sale item that could not be derived.
type ItemFailure struct {
	SaleID    string
	ItemIndex int
	Kind      ItemKind
	RefID     string
	Err       error
}

func (f ItemFailure) Error() string {
	return fmt.Sprintf("sale %s item %d (%s %s): %v", f.SaleID, f.ItemIndex, f.Kind, f.RefID, f.Err)
}

func (f ItemFailure) Unwrap() error { return f.Err }

// DerivationError aggregates per-item failures. The accompanying
// DerivationResult still lists everything that succeeded.
type DerivationError struct {
	SaleID   string
	Failures []ItemFailure
}

func (e *DerivationError) Error() string {
	parts := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		parts[i] = f.Error()
	}
	return fmt.Sprintf("derivation of sale %s failed for %d item(s): %s",
		e.SaleID, len(e.Failures), strings.Join(parts, "; "))
}

func (e *DerivationError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f
	}
	return errs
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to caller input or misuse.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) || errors.Is(err, ErrInvalidTransition)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification) || errors.Is(err, ErrPersistence)
}

// persistence wraps a raw port error. Domain sentinels pass through so the
// engine can still branch on them.
func persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrDuplicateAppointment) || errors.Is(err, ErrConcurrentModification) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}
