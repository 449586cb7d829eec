// Package rollout holds the pure parts of the deployment protocol: the state
// machine, the deployment fingerprint, remote status classification and the
// polling backoff.
package rollout

import (
	"errors"
	"fmt"
)

// =============================================================================
// States
// =============================================================================

// State is a step of one target's deployment.
type State string

const (
	StateInitial               State = "INITIAL"
	StateNoPriorState          State = "NO_PRIOR_STATE"
	StateExistingHealthy       State = "EXISTING_HEALTHY"
	StateExistingNeedsDeletion State = "EXISTING_NEEDS_DELETION"
	StateChangePending         State = "CHANGE_PENDING"
	StateChangeReady           State = "CHANGE_READY"
	StateChangeEmpty           State = "CHANGE_EMPTY"
	StateChangeFailed          State = "CHANGE_FAILED"
	StateExecuting             State = "EXECUTING"
	StateSucceeded             State = "SUCCEEDED"
	StateFailed                State = "FAILED"
)

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

var ErrInvalidTransition = errors.New("invalid deployment state transition")

// validTransitions defines the allowed state transitions.
var validTransitions = map[State][]State{
	StateInitial:               {StateNoPriorState, StateExistingHealthy, StateExistingNeedsDeletion},
	StateExistingNeedsDeletion: {StateNoPriorState, StateFailed},
	StateNoPriorState:          {StateChangePending, StateFailed},
	StateExistingHealthy:       {StateSucceeded, StateChangePending, StateFailed},
	StateChangePending:         {StateChangeReady, StateChangeEmpty, StateChangeFailed, StateFailed},
	StateChangeEmpty:           {StateSucceeded},
	StateChangeFailed:          {StateFailed},
	StateChangeReady:           {StateExecuting, StateFailed},
	StateExecuting:             {StateSucceeded, StateFailed},
	StateSucceeded:             {}, // Terminal state
	StateFailed:                {}, // Terminal state
}

// ValidateTransition checks if a state transition is valid.
func ValidateTransition(from, to State) error {
	allowed, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("%w: unknown state %s", ErrInvalidTransition, from)
	}

	for _, s := range allowed {
		if s == to {
			return nil
		}
	}

	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// =============================================================================
// Outcome
// =============================================================================

// Outcome is how a successful deployment ended.
type Outcome string

const (
	// OutcomeUnchanged: the fingerprint matched, nothing was submitted.
	OutcomeUnchanged Outcome = "unchanged"
	// OutcomeNoChanges: a change was submitted but had an empty diff.
	OutcomeNoChanges Outcome = "no_changes"
	// OutcomeApplied: a change was executed.
	OutcomeApplied Outcome = "applied"
	// OutcomeFailed is recorded for deployments that returned an error.
	OutcomeFailed Outcome = "failed"
)
