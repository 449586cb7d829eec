// Package packages maps external package names to installed package
// directories, following their declared dependencies.
package packages

import (
	"errors"
	"fmt"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	ErrPackageNotFound = errors.New("package not found")
	ErrConflict        = errors.New("package resolved to conflicting installations")
	ErrBadManifest     = errors.New("invalid package.json")
	ErrUnknownPolicy   = errors.New("unknown conflict policy")
)

// ResolutionError wraps a package resolution failure.
type ResolutionError struct {
	Package    string
	RequiredBy string // Empty when requested directly
	Message    string
	Err        error
}

func (e *ResolutionError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.RequiredBy != "" {
		return fmt.Sprintf("%s (required by %s): %s", e.Package, e.RequiredBy, msg)
	}
	if e.Package != "" {
		return fmt.Sprintf("%s: %s", e.Package, msg)
	}
	return msg
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}
