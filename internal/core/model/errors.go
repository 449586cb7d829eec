// Package model holds the in-memory component graph of an assembly.
// This is part of the Functional Core - construction and validation are pure.
package model

import (
	"errors"
	"fmt"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	// Name errors
	ErrBadName = errors.New("bad name")

	// Uniqueness errors
	ErrDuplicateSection    = errors.New("section name collision")
	ErrDuplicateInstrument = errors.New("instrument name collision")
	ErrDuplicateWire       = errors.New("wiring name collision")
	ErrMultipleSections    = errors.New("instrument belongs to more than one section")
	ErrDuplicateLogicalID  = errors.New("logical id collision")

	// Wiring errors
	ErrUnknownSupplier  = errors.New("supplier is not placed in any section")
	ErrForeignConsumer  = errors.New("consumer is not part of the wiring section")
	ErrCannotConsume    = errors.New("instrument kind cannot consume wires")
	ErrEmptyWireName    = errors.New("wire name is empty")
	ErrMissingEndpoints = errors.New("wire needs a consumer and a supplier")

	// Instrument errors
	ErrUnknownKind   = errors.New("unknown instrument kind")
	ErrBadEntryPoint = errors.New("bad entry point")
	ErrFrozen        = errors.New("instrument is frozen")
	ErrReserved      = errors.New("package name is reserved")

	// Lookup errors
	ErrSectionNotFound    = errors.New("section not found")
	ErrInstrumentNotFound = errors.New("instrument not found")
	ErrAmbiguousLookup    = errors.New("multiple instruments match")

	// Registry errors
	ErrKindRegistered = errors.New("kind already registered")
)

// ValidationError wraps a model validation failure with the offending subject.
type ValidationError struct {
	Subject string // e.g., "section r1/s1", "instrument p1/f1"
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	if e.Subject != "" {
		return fmt.Sprintf("%s: %s", e.Subject, e.Message)
	}
	return e.Message
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// NewValidationError creates a new ValidationError.
func NewValidationError(subject, message string, err error) *ValidationError {
	return &ValidationError{
		Subject: subject,
		Message: message,
		Err:     err,
	}
}
