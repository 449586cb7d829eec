// Package spec parses the assembly file into a model.Spec.
// This is part of the Functional Core - all functions are pure with no I/O.
package spec

import (
	"errors"
	"fmt"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	// Input validation errors
	ErrEmptyInput = errors.New("assembly file is empty")

	// YAML parsing errors
	ErrInvalidYAML       = errors.New("invalid YAML syntax")
	ErrMultipleDocuments = errors.New("more than one assembly")

	// Structure errors
	ErrMissingField     = errors.New("required field is missing")
	ErrUnknownKind      = errors.New("unknown instrument kind")
	ErrUnknownReference = errors.New("unknown instrument reference")
	ErrUnknownSection   = errors.New("unknown section")
	ErrDuplicatePath    = errors.New("instrument path declared twice in a section")
	ErrInvalidValue     = errors.New("invalid value")
)

// ParseError wraps errors with context about where parsing failed.
type ParseError struct {
	Field   string // e.g., "sections[0].instruments[2].kind"
	Message string
	Err     error
}

func (e *ParseError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return e.Message
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// NewParseError creates a new ParseError.
func NewParseError(field, message string, err error) *ParseError {
	return &ParseError{
		Field:   field,
		Message: message,
		Err:     err,
	}
}
