package deployer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/artpar/ensemble/internal/core/rollout"
	"github.com/artpar/ensemble/internal/shell/controlplane"
)

// =============================================================================
// Types
// =============================================================================

// Submission is what gets deployed. Body is always fingerprinted; when
// TemplateURL is set it is submitted instead of Body.
type Submission struct {
	Body        []byte
	TemplateURL string
}

// Result describes a deployment. It is returned on failure too, so that the
// trace can be recorded.
type Result struct {
	TargetID    string
	Outcome     rollout.Outcome
	Fingerprint string
	ChangeID    string
	Trace       []rollout.State
}

// PendingState is an in-flight fetch of a target's remote state.
type PendingState struct {
	done   chan struct{}
	target *controlplane.Target
	err    error
}

// Await blocks until the fetch completes.
func (p *PendingState) Await() (*controlplane.Target, error) {
	<-p.done
	return p.target, p.err
}

// Deployment is the state machine of one target. Its steps run strictly in
// order; it must not be shared between goroutines.
type Deployment struct {
	engine   *Engine
	targetID string
	logger   *slog.Logger

	pending *PendingState
	applied bool

	state rollout.State
	trace []rollout.State
}

// TargetID returns the target this deployment drives.
func (d *Deployment) TargetID() string { return d.targetID }

// State returns the current state.
func (d *Deployment) State() rollout.State { return d.state }

// =============================================================================
// Fetch
// =============================================================================

// Prefetch begins fetching the remote state so that it overlaps with other
// work. Calling it again returns the same handle.
func (d *Deployment) Prefetch(ctx context.Context) *PendingState {
	if d.pending != nil {
		return d.pending
	}
	p := &PendingState{done: make(chan struct{})}
	d.pending = p
	go func() {
		defer close(p.done)
		p.target, p.err = d.engine.cp.DescribeTarget(ctx, d.targetID)
	}()
	return p
}

// =============================================================================
// Apply
// =============================================================================

// Apply drives the target to sub. A Deployment can be applied once.
func (d *Deployment) Apply(ctx context.Context, sub Submission) (*Result, error) {
	result := &Result{TargetID: d.targetID}
	if d.applied {
		return result, NewDeployError("apply", d.targetID, ErrAlreadyApplied, "", nil)
	}
	d.applied = true

	err := d.run(ctx, sub, result)
	if err != nil {
		failedIn := d.state
		if d.state != rollout.StateFailed {
			d.forceFailed()
		}
		result.Outcome = rollout.OutcomeFailed
		result.Trace = append([]rollout.State(nil), d.trace...)
		d.logger.Error("deployment failed", "state", failedIn, "error", err)
		return result, err
	}

	result.Trace = append([]rollout.State(nil), d.trace...)
	d.logger.Info("deployment succeeded", "outcome", result.Outcome, "change", result.ChangeID)
	return result, nil
}

func (d *Deployment) run(ctx context.Context, sub Submission, result *Result) error {
	cfg := d.engine.config
	fingerprint := rollout.Fingerprint(sub.Body, d.targetID)
	result.Fingerprint = fingerprint

	target, err := d.Prefetch(ctx).Await()
	switch {
	case err != nil:
		if !errors.Is(err, controlplane.ErrTargetNotFound) {
			d.logger.Warn("describe target failed, treating as absent", "error", err)
		}
		if err := d.transition(rollout.StateNoPriorState); err != nil {
			return err
		}

	case rollout.NeedsDeletion(target.Status):
		if err := d.transition(rollout.StateExistingNeedsDeletion); err != nil {
			return err
		}
		if err := d.deleteTarget(ctx, target); err != nil {
			return err
		}
		if err := d.transition(rollout.StateNoPriorState); err != nil {
			return err
		}

	default:
		if err := d.transition(rollout.StateExistingHealthy); err != nil {
			return err
		}
		if target.Tags[cfg.FingerprintTag] == fingerprint {
			d.logger.Info("fingerprint unchanged, skipping", "fingerprint", fingerprint)
			result.Outcome = rollout.OutcomeUnchanged
			return d.transition(rollout.StateSucceeded)
		}
	}

	if err := d.transition(rollout.StateChangePending); err != nil {
		return err
	}
	change, err := d.createChange(ctx, sub, fingerprint)
	if err != nil {
		return err
	}
	result.ChangeID = change.ID

	change, err = d.awaitChange(ctx, change.ID)
	if err != nil {
		return err
	}

	switch {
	case rollout.EmptyDiff(change.Status, change.Reason):
		if err := d.transition(rollout.StateChangeEmpty); err != nil {
			return err
		}
		d.logger.Info("change contains no updates", "change", change.ID)
		result.Outcome = rollout.OutcomeNoChanges
		return d.transition(rollout.StateSucceeded)

	case change.Status != rollout.ChangeStatusComplete:
		if err := d.transition(rollout.StateChangeFailed); err != nil {
			return err
		}
		return NewDeployError("create change", d.targetID, ErrChangeFailed,
			fmt.Sprintf("change %s is %s: %s", change.ID, change.Status, change.Reason), nil)
	}

	if err := d.transition(rollout.StateChangeReady); err != nil {
		return err
	}
	if err := d.engine.cp.ExecuteChange(ctx, d.targetID, change.ID); err != nil {
		return NewDeployError("execute change", d.targetID, ErrControlPlane, change.ID, err)
	}
	if err := d.transition(rollout.StateExecuting); err != nil {
		return err
	}

	if err := d.awaitTarget(ctx); err != nil {
		return err
	}
	result.Outcome = rollout.OutcomeApplied
	return d.transition(rollout.StateSucceeded)
}

// =============================================================================
// Steps
// =============================================================================

func (d *Deployment) deleteTarget(ctx context.Context, target *controlplane.Target) error {
	cfg := d.engine.config
	d.logger.Info("target cannot be updated, deleting", "status", target.Status, "reason", target.StatusReason)

	if err := d.engine.cp.DeleteTarget(ctx, d.targetID); err != nil {
		return NewDeployError("delete target", d.targetID, ErrControlPlane, target.Status, err)
	}
	if err := d.engine.cp.WaitForDeletion(ctx, d.targetID, cfg.Timeout); err != nil {
		if errors.Is(err, controlplane.ErrWaitTimeout) {
			return NewDeployError("delete target", d.targetID, ErrTimeout,
				fmt.Sprintf("not deleted after %s", cfg.Timeout), err)
		}
		return NewDeployError("delete target", d.targetID, ErrControlPlane, "", err)
	}
	return nil
}

// createChange submits an update, retrying once as a create when the target
// does not exist.
func (d *Deployment) createChange(ctx context.Context, sub Submission, fingerprint string) (*controlplane.Change, error) {
	cfg := d.engine.config
	req := controlplane.ChangeRequest{
		TargetID:     d.targetID,
		ChangeName:   "cs-" + uuid.NewString(),
		Kind:         controlplane.ChangeUpdate,
		Tags:         map[string]string{cfg.FingerprintTag: fingerprint},
		Capabilities: cfg.Capabilities,
	}
	if sub.TemplateURL != "" {
		req.TemplateURL = sub.TemplateURL
	} else {
		req.TemplateBody = string(sub.Body)
	}

	change, err := d.engine.cp.CreateChange(ctx, req)
	if errors.Is(err, controlplane.ErrTargetNotFound) {
		d.logger.Info("target does not exist, creating")
		req.Kind = controlplane.ChangeCreate
		change, err = d.engine.cp.CreateChange(ctx, req)
	}
	if err != nil {
		return nil, NewDeployError("create change", d.targetID, ErrControlPlane, string(req.Kind), err)
	}

	d.logger.Debug("change submitted", "change", change.ID, "kind", req.Kind)
	return change, nil
}

// awaitChange polls a change until it is no longer being computed.
func (d *Deployment) awaitChange(ctx context.Context, changeID string) (*controlplane.Change, error) {
	var change *controlplane.Change
	err := d.poll(ctx, "await change", func() (bool, error) {
		var err error
		change, err = d.engine.cp.DescribeChange(ctx, d.targetID, changeID)
		if err != nil {
			return false, NewDeployError("describe change", d.targetID, ErrControlPlane, changeID, err)
		}
		d.logger.Debug("change status", "change", changeID, "status", change.Status, "reason", change.Reason)
		return !rollout.ChangePending(change.Status), nil
	})
	return change, err
}

// awaitTarget polls the target until its status is terminal.
func (d *Deployment) awaitTarget(ctx context.Context) error {
	return d.poll(ctx, "await target", func() (bool, error) {
		target, err := d.engine.cp.DescribeTarget(ctx, d.targetID)
		if err != nil {
			return false, NewDeployError("describe target", d.targetID, ErrControlPlane, "", err)
		}
		d.logger.Debug("target status", "status", target.Status, "reason", target.StatusReason)

		switch rollout.ClassifyStack(target.Status) {
		case rollout.StackInProgress:
			return false, nil
		case rollout.StackComplete:
			return true, nil
		case rollout.StackRolledBack:
			return false, NewDeployError("execute change", d.targetID, ErrRolledBack,
				fmt.Sprintf("%s: %s", target.Status, target.StatusReason), nil)
		default:
			return false, NewDeployError("execute change", d.targetID, ErrTargetFailed,
				fmt.Sprintf("%s: %s", target.Status, target.StatusReason), nil)
		}
	})
}

// poll calls check with exponential backoff until it reports done, fails, or
// the timeout ceiling is reached.
func (d *Deployment) poll(ctx context.Context, op string, check func() (bool, error)) error {
	cfg := d.engine.config
	backoff := rollout.Backoff{Base: cfg.BaseDelay, Max: cfg.MaxDelay}
	deadline := d.engine.clock.Now().Add(cfg.Timeout)

	for attempt := 0; ; attempt++ {
		done, err := check()
		if err != nil || done {
			return err
		}

		delay := backoff.Delay(attempt)
		if remaining := deadline.Sub(d.engine.clock.Now()); remaining <= 0 {
			return NewDeployError(op, d.targetID, ErrTimeout, fmt.Sprintf("not settled after %s", cfg.Timeout), nil)
		} else if delay > remaining {
			delay = remaining
		}

		if err := d.engine.sleep(ctx, delay); err != nil {
			return NewDeployError(op, d.targetID, ErrCanceled, "", err)
		}
	}
}

// =============================================================================
// State
// =============================================================================

func (d *Deployment) transition(to rollout.State) error {
	if err := rollout.ValidateTransition(d.state, to); err != nil {
		return NewDeployError("transition", d.targetID, err, "", nil)
	}
	d.logger.Debug("state", "from", d.state, "to", to)
	d.state = to
	d.trace = append(d.trace, to)
	return nil
}

// forceFailed records a failure from any state.
func (d *Deployment) forceFailed() {
	d.state = rollout.StateFailed
	d.trace = append(d.trace, rollout.StateFailed)
}
