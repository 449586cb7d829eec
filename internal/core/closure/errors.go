// Package closure computes the static dependency closure of an entry source
// file: the internal source files reachable through relative imports and the
// external packages they reference.
// This is part of the Functional Core - it only reads from an fs.FS.
package closure

import (
	"errors"
	"fmt"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	ErrUnresolved     = errors.New("unresolved import")
	ErrAbsoluteImport = errors.New("absolute-path import")
	ErrEscapesRoot    = errors.New("import escapes the source root")
	ErrRead           = errors.New("failed to read source file")
	ErrSyntax         = errors.New("failed to parse source file")
)

// ResolutionError reports an import that could not be followed.
type ResolutionError struct {
	Importer  string // File containing the import; empty for the entry point
	Specifier string
	Err       error
}

func (e *ResolutionError) Error() string {
	from := e.Importer
	if from == "" {
		from = "<entry>"
	}
	return fmt.Sprintf("%v: %q from %s", e.Err, e.Specifier, from)
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}
