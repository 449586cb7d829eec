package naming

import (
	"errors"
	"fmt"
)

// =============================================================================
// Name Validation
// =============================================================================

var (
	ErrEmptyName   = errors.New("name is empty")
	ErrInvalidName = errors.New("name may only contain lower-case letters, digits and dashes")
)

// ValidName reports whether s is a non-empty sequence of lower-case
// letters, digits and dashes.
func ValidName(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			continue
		}
		return false
	}
	return true
}

// ValidateName returns an error describing why s is not a valid name.
func ValidateName(s string) error {
	if s == "" {
		return ErrEmptyName
	}
	if !ValidName(s) {
		return fmt.Errorf("%w: %q", ErrInvalidName, s)
	}
	return nil
}

// ValidatePath checks every segment of a composite name.
func ValidatePath(p Path) error {
	for _, seg := range p.Segments() {
		if err := ValidateName(seg); err != nil {
			return fmt.Errorf("bad name %q: %w", p.String(), err)
		}
	}
	return nil
}
