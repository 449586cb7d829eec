package rollout

import (
	"strings"
	"time"
)

// =============================================================================
// Stack Status
// =============================================================================

// StackClass groups remote target statuses by what the poller does next.
type StackClass int

const (
	StackInProgress StackClass = iota
	StackComplete
	StackRolledBack
	StackFailed
)

func (c StackClass) String() string {
	switch c {
	case StackInProgress:
		return "in_progress"
	case StackComplete:
		return "complete"
	case StackRolledBack:
		return "rolled_back"
	default:
		return "failed"
	}
}

// needsDeletion are statuses of a target that cannot be updated and must be
// deleted before it is created again. REVIEW_IN_PROGRESS is left behind by a
// create change that was never executed.
var needsDeletion = map[string]bool{
	"ROLLBACK_COMPLETE":  true,
	"ROLLBACK_FAILED":    true,
	"CREATE_FAILED":      true,
	"REVIEW_IN_PROGRESS": true,
}

// NeedsDeletion reports whether a target in status must be deleted first.
func NeedsDeletion(status string) bool {
	return needsDeletion[status]
}

// ClassifyStack classifies a target status observed while executing a change.
func ClassifyStack(status string) StackClass {
	switch {
	case status == "CREATE_COMPLETE" || status == "UPDATE_COMPLETE" || status == "IMPORT_COMPLETE":
		return StackComplete
	case strings.HasSuffix(status, "_IN_PROGRESS"):
		return StackInProgress
	case strings.HasSuffix(status, "ROLLBACK_COMPLETE"):
		return StackRolledBack
	default:
		return StackFailed
	}
}

// =============================================================================
// Change Status
// =============================================================================

const (
	ChangeStatusComplete = "CREATE_COMPLETE"
	ChangeStatusFailed   = "FAILED"
)

// ChangePending reports whether a change is still being computed.
func ChangePending(status string) bool {
	return status == "CREATE_PENDING" || status == "CREATE_IN_PROGRESS"
}

// EmptyDiff reports whether a failed change failed only because it contains
// no changes.
func EmptyDiff(status, reason string) bool {
	if status != ChangeStatusFailed {
		return false
	}
	return strings.Contains(reason, "No updates are to be performed") ||
		strings.Contains(reason, "didn't contain changes")
}

// =============================================================================
// Backoff
// =============================================================================

// Backoff is an exponential polling delay.
type Backoff struct {
	Base time.Duration
	Max  time.Duration // Zero means uncapped
}

// Delay returns Base * 2^attempt, capped at Max.
func (b Backoff) Delay(attempt int) time.Duration {
	d := b.Base
	for i := 0; i < attempt; i++ {
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
		if d >= time.Duration(1<<62) {
			break
		}
		d *= 2
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}
