// Package controlplane implements the remote deployment service client.
// This is part of the Imperative Shell - handles I/O with the cloud API.
package controlplane

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrTargetNotFound is returned when the target does not exist remotely.
	ErrTargetNotFound = errors.New("target not found")

	// ErrWaitTimeout is returned when a wait exceeds its ceiling.
	ErrWaitTimeout = errors.New("wait timed out")
)

// ChangeKind selects whether a change creates a target or updates one.
type ChangeKind string

const (
	ChangeCreate ChangeKind = "CREATE"
	ChangeUpdate ChangeKind = "UPDATE"
)

// Target is the remote state of a deployment target.
type Target struct {
	ID           string
	Name         string
	Status       string
	StatusReason string
	Tags         map[string]string
}

// ChangeRequest describes a change to compute against a target. Exactly one
// of TemplateBody and TemplateURL is set.
type ChangeRequest struct {
	TargetID     string
	ChangeName   string
	Kind         ChangeKind
	TemplateBody string
	TemplateURL  string
	Tags         map[string]string
	Capabilities []string
}

// Change is a computed change.
type Change struct {
	ID       string
	TargetID string
	Status   string
	Reason   string
}

// ControlPlane defines the operations the deployment engine needs from the
// remote deployment service.
type ControlPlane interface {
	// DescribeTarget returns ErrTargetNotFound when the target does not exist.
	DescribeTarget(ctx context.Context, targetID string) (*Target, error)

	// CreateChange returns ErrTargetNotFound for an update of a missing target.
	CreateChange(ctx context.Context, req ChangeRequest) (*Change, error)

	DescribeChange(ctx context.Context, targetID, changeID string) (*Change, error)
	ExecuteChange(ctx context.Context, targetID, changeID string) error
	DeleteTarget(ctx context.Context, targetID string) error

	// WaitForDeletion returns ErrWaitTimeout when maxWait elapses first.
	WaitForDeletion(ctx context.Context, targetID string, maxWait time.Duration) error
}
