package domain

import (
	"errors"
	"fmt"
)

// Domain errors
var (
	// ErrValidation indicates the submitted booking violates an invariant
	ErrValidation = errors.New("validation failed")
	// ErrInvalidTransition indicates a transition was attempted from a state that does not permit it
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrBookingTerminal indicates the booking is in a terminal state
	ErrBookingTerminal = errors.New("booking is in a terminal state")
	// ErrPricingInvariant indicates the pricing totals do not add up
	ErrPricingInvariant = errors.New("pricing invariant violated")
	// ErrRefundExceedsCaptured indicates a refund larger than the captured amount
	ErrRefundExceedsCaptured = errors.New("refund amount exceeds captured amount")
	// ErrCancelNotAllowed indicates cancellation is not permitted in the current status
	ErrCancelNotAllowed = errors.New("cancellation not allowed in current status")
	// ErrModifyNotAllowed indicates modification is not permitted in the current status
	ErrModifyNotAllowed = errors.New("modification not allowed in current status")
)

// ValidationError carries the field that failed validation
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// NewValidationError creates a validation error for a field
func NewValidationError(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// IsValidation checks if the error is a validation error
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsInvalidTransition checks if the error is an invalid transition
func IsInvalidTransition(err error) bool {
	return errors.Is(err, ErrInvalidTransition)
}
