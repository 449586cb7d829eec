package deployer

import (
	"errors"
	"fmt"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	// ErrControlPlane is an unexpected remote API failure.
	ErrControlPlane = errors.New("control plane error")

	// ErrTimeout is returned when a polling loop exceeds the timeout ceiling.
	ErrTimeout = errors.New("timed out")

	// ErrCanceled is returned when the caller's context ends mid-deployment.
	ErrCanceled = errors.New("deployment canceled")

	// ErrChangeFailed is returned when a change cannot be computed.
	ErrChangeFailed = errors.New("change failed")

	// ErrRolledBack is returned when executing a change rolled the target back.
	ErrRolledBack = errors.New("target rolled back")

	// ErrTargetFailed is returned for any other non-complete terminal status.
	ErrTargetFailed = errors.New("target failed")

	// ErrAlreadyApplied is returned when a deployment is applied twice.
	ErrAlreadyApplied = errors.New("deployment already applied")
)

// DeployError carries the operation and target of a failed deployment. It
// unwraps to both its Kind sentinel and the underlying cause.
type DeployError struct {
	Op      string // Step that failed (e.g., "create change")
	Target  string
	Kind    error
	Message string
	Err     error
}

func (e *DeployError) Error() string {
	msg := fmt.Sprintf("deploy %s: %s: %v", e.Target, e.Op, e.Kind)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DeployError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// NewDeployError creates a new DeployError.
func NewDeployError(op, target string, kind error, message string, err error) *DeployError {
	return &DeployError{
		Op:      op,
		Target:  target,
		Kind:    kind,
		Message: message,
		Err:     err,
	}
}
