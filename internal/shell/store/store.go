package store

import (
	"context"
	"time"

	"github.com/artpar/ensemble/internal/core/rollout"
)

// =============================================================================
// Store Interface
// =============================================================================

// Store defines the interface for ledger persistence.
type Store interface {
	// Archive operations
	RecordArchive(ctx context.Context, archive *Archive) error
	LatestArchive(ctx context.Context, physicalName string) (*Archive, error)
	ListArchives(ctx context.Context, physicalName string, opts ListOptions) ([]Archive, error)

	// Deployment operations
	CreateDeployment(ctx context.Context, deployment *Deployment) error
	FinishDeployment(ctx context.Context, deployment *Deployment) error
	GetDeployment(ctx context.Context, id string) (*Deployment, error)
	ListDeployments(ctx context.Context, target string, opts ListOptions) ([]Deployment, error)

	// Transaction support
	WithTx(ctx context.Context, fn func(Store) error) error

	// Lifecycle
	Close() error
}

// =============================================================================
// Records
// =============================================================================

// Archive is a deployed code archive of one instrument. A physical name may
// have many archives; the latest one is reused when the instrument is not
// rebuilt.
type Archive struct {
	PhysicalName string    `json:"physical_name"`
	Digest       string    `json:"digest"`
	URI          string    `json:"uri"`
	Size         int64     `json:"size"`
	CreatedAt    time.Time `json:"created_at"`
}

// Deployment is one attempt to apply a section to its target.
type Deployment struct {
	ID          string          `json:"id"`
	Target      string          `json:"target"`
	Fingerprint string          `json:"fingerprint,omitempty"`
	Outcome     rollout.Outcome `json:"outcome,omitempty"` // Empty while running
	ChangeID    string          `json:"change_id,omitempty"`
	Error       string          `json:"error,omitempty"`
	Trace       []rollout.State `json:"trace,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
}

// Finished reports whether the deployment has an outcome.
func (d *Deployment) Finished() bool {
	return d.FinishedAt != nil
}

// =============================================================================
// Options
// =============================================================================

// ListOptions defines pagination options.
type ListOptions struct {
	Limit  int
	Offset int
}

// DefaultListOptions returns default list options.
func DefaultListOptions() ListOptions {
	return ListOptions{
		Limit:  100,
		Offset: 0,
	}
}

// Normalize ensures list options have valid values.
func (o ListOptions) Normalize() ListOptions {
	if o.Limit <= 0 {
		o.Limit = 100
	}
	if o.Limit > 1000 {
		o.Limit = 1000
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	return o
}
