// Package store implements the PostgreSQL repositories for the domain
// entities. Every query is scoped by tenant: callers pass the tenant they
// act for, and cross-tenant reads are structurally impossible.
package store

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when an entity is not found.
	ErrNotFound = errors.New("entity not found")

	// ErrAlreadyExists is returned when attempting to create a duplicate entity.
	ErrAlreadyExists = errors.New("entity already exists")

	// ErrNoJobsAvailable is returned by claim queries when the queue is empty.
	ErrNoJobsAvailable = errors.New("no jobs available")

	// ErrInvalidTransition is returned on a forbidden status transition.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// ValidationError wraps field-specific validation errors.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// NewValidationError creates a new validation error.
func NewValidationError(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// IsValidationError checks if an error is a validation error.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
