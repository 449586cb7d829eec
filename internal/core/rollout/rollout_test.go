package rollout

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// =============================================================================
// ValidateTransition Tests
// =============================================================================

func TestValidateTransition_AllValid(t *testing.T) {
	valid := []struct {
		from State
		to   State
	}{
		{StateInitial, StateNoPriorState},
		{StateInitial, StateExistingHealthy},
		{StateInitial, StateExistingNeedsDeletion},
		{StateExistingNeedsDeletion, StateNoPriorState},
		{StateExistingNeedsDeletion, StateFailed},
		{StateNoPriorState, StateChangePending},
		{StateExistingHealthy, StateSucceeded},
		{StateExistingHealthy, StateChangePending},
		{StateChangePending, StateChangeReady},
		{StateChangePending, StateChangeEmpty},
		{StateChangePending, StateChangeFailed},
		{StateChangePending, StateFailed},
		{StateChangeEmpty, StateSucceeded},
		{StateChangeFailed, StateFailed},
		{StateChangeReady, StateExecuting},
		{StateExecuting, StateSucceeded},
		{StateExecuting, StateFailed},
	}

	for _, tc := range valid {
		t.Run(string(tc.from)+"->"+string(tc.to), func(t *testing.T) {
			assert.NoError(t, ValidateTransition(tc.from, tc.to))
		})
	}
}

func TestValidateTransition_AllInvalid(t *testing.T) {
	invalid := []struct {
		from State
		to   State
	}{
		{StateInitial, StateSucceeded},
		{StateNoPriorState, StateSucceeded},
		{StateExistingNeedsDeletion, StateChangePending},
		{StateChangeFailed, StateSucceeded},
		{StateChangeEmpty, StateExecuting},
		{StateSucceeded, StateChangePending},
		{StateFailed, StateInitial},
		{State("BOGUS"), StateFailed},
	}

	for _, tc := range invalid {
		t.Run(string(tc.from)+"->"+string(tc.to), func(t *testing.T) {
			assert.ErrorIs(t, ValidateTransition(tc.from, tc.to), ErrInvalidTransition)
		})
	}
}

func TestState_Terminal(t *testing.T) {
	assert.True(t, StateSucceeded.Terminal())
	assert.True(t, StateFailed.Terminal())
	assert.False(t, StateExecuting.Terminal())
}

// =============================================================================
// Fingerprint Tests
// =============================================================================

func TestFingerprint_Stable(t *testing.T) {
	body := []byte(`{"Resources":{}}`)
	assert.Equal(t, Fingerprint(body, "b-s1"), Fingerprint(body, "b-s1"))
	assert.Len(t, Fingerprint(body, "b-s1"), 64)
}

func TestFingerprint_TargetMatters(t *testing.T) {
	body := []byte(`{"Resources":{}}`)
	assert.NotEqual(t, Fingerprint(body, "b-s1"), Fingerprint(body, "b-s2"))

	// Moving a byte between target and body changes the hash.
	assert.NotEqual(t, Fingerprint([]byte("1x"), "b-s"), Fingerprint([]byte("x"), "b-s1"))
}

// Any single-byte change of the template changes the fingerprint.
func TestFingerprint_ByteSensitivityProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 200; round++ {
		body := make([]byte, 1+rng.Intn(256))
		rng.Read(body)
		base := Fingerprint(body, "target")

		changed := append([]byte(nil), body...)
		i := rng.Intn(len(changed))
		changed[i] ^= byte(1 + rng.Intn(255))
		assert.NotEqual(t, base, Fingerprint(changed, "target"))

		assert.NotEqual(t, base, Fingerprint(append(append([]byte(nil), body...), ' '), "target"))
	}
}

// =============================================================================
// Status Tests
// =============================================================================

func TestNeedsDeletion(t *testing.T) {
	for _, s := range []string{"ROLLBACK_COMPLETE", "ROLLBACK_FAILED", "CREATE_FAILED", "REVIEW_IN_PROGRESS"} {
		assert.True(t, NeedsDeletion(s), s)
	}
	for _, s := range []string{"CREATE_COMPLETE", "UPDATE_COMPLETE", "UPDATE_ROLLBACK_COMPLETE", ""} {
		assert.False(t, NeedsDeletion(s), s)
	}
}

func TestClassifyStack(t *testing.T) {
	tests := []struct {
		status string
		want   StackClass
	}{
		{"CREATE_COMPLETE", StackComplete},
		{"UPDATE_COMPLETE", StackComplete},
		{"CREATE_IN_PROGRESS", StackInProgress},
		{"UPDATE_COMPLETE_CLEANUP_IN_PROGRESS", StackInProgress},
		{"UPDATE_ROLLBACK_IN_PROGRESS", StackInProgress},
		{"ROLLBACK_COMPLETE", StackRolledBack},
		{"UPDATE_ROLLBACK_COMPLETE", StackRolledBack},
		{"UPDATE_ROLLBACK_FAILED", StackFailed},
		{"CREATE_FAILED", StackFailed},
		{"DELETE_COMPLETE", StackFailed},
	}
	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyStack(tt.status))
		})
	}
}

func TestChangePending(t *testing.T) {
	assert.True(t, ChangePending("CREATE_PENDING"))
	assert.True(t, ChangePending("CREATE_IN_PROGRESS"))
	assert.False(t, ChangePending("CREATE_COMPLETE"))
	assert.False(t, ChangePending("FAILED"))
}

func TestEmptyDiff(t *testing.T) {
	assert.True(t, EmptyDiff("FAILED", "No updates are to be performed."))
	assert.True(t, EmptyDiff("FAILED", "The submitted information didn't contain changes. Submit different information to create a change set."))
	assert.False(t, EmptyDiff("FAILED", "Template format error"))
	assert.False(t, EmptyDiff("CREATE_COMPLETE", "No updates are to be performed."))
}

// =============================================================================
// Backoff Tests
// =============================================================================

func TestBackoff_Doubles(t *testing.T) {
	b := Backoff{Base: 5 * time.Second}
	assert.Equal(t, 5*time.Second, b.Delay(0))
	assert.Equal(t, 10*time.Second, b.Delay(1))
	assert.Equal(t, 40*time.Second, b.Delay(3))
}

func TestBackoff_Capped(t *testing.T) {
	b := Backoff{Base: 5 * time.Second, Max: 30 * time.Second}
	assert.Equal(t, 20*time.Second, b.Delay(2))
	assert.Equal(t, 30*time.Second, b.Delay(3))
	assert.Equal(t, 30*time.Second, b.Delay(100))
}

func TestBackoff_NoOverflow(t *testing.T) {
	b := Backoff{Base: time.Second}
	assert.Positive(t, b.Delay(200))
}
