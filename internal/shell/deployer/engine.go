// Package deployer drives remote targets to a rendered template: one
// sequential state machine per target, with fingerprint short-circuiting,
// change submission, bounded polling and execution.
// This is part of the Imperative Shell - orchestrates control plane I/O.
package deployer

import (
	"context"
	"log/slog"
	"time"

	"github.com/artpar/ensemble/internal/core/rollout"
	"github.com/artpar/ensemble/internal/shell/controlplane"
)

// =============================================================================
// Configuration
// =============================================================================

// Config bounds the engine's remote interaction.
type Config struct {
	// Timeout is the ceiling of every polling loop and of target deletion.
	Timeout time.Duration

	// BaseDelay is the first polling delay; each attempt doubles it.
	BaseDelay time.Duration

	// MaxDelay caps the polling delay. Zero means uncapped.
	MaxDelay time.Duration

	// FingerprintTag is the remote tag holding the last fingerprint.
	FingerprintTag string

	// Capabilities are acknowledged on every change.
	Capabilities []string
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Timeout:        300 * time.Second,
		BaseDelay:      5 * time.Second,
		MaxDelay:       60 * time.Second,
		FingerprintTag: rollout.DefaultFingerprintTag,
		Capabilities:   []string{"CAPABILITY_IAM", "CAPABILITY_NAMED_IAM", "CAPABILITY_AUTO_EXPAND"},
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.FingerprintTag == "" {
		c.FingerprintTag = d.FingerprintTag
	}
	if c.Capabilities == nil {
		c.Capabilities = d.Capabilities
	}
	return c
}

// =============================================================================
// Clock
// =============================================================================

// Clock is the engine's time source.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// RealClock returns the wall clock.
func RealClock() Clock { return realClock{} }

// =============================================================================
// Engine
// =============================================================================

// Engine creates deployments against one control plane. It holds no
// per-target state and is safe for concurrent use.
type Engine struct {
	cp     controlplane.ControlPlane
	config Config
	clock  Clock
	logger *slog.Logger
}

// NewEngine creates a new deployment engine. A nil clock means the wall clock.
func NewEngine(cp controlplane.ControlPlane, config Config, clock Clock, logger *slog.Logger) *Engine {
	if clock == nil {
		clock = RealClock()
	}
	return &Engine{
		cp:     cp,
		config: config.withDefaults(),
		clock:  clock,
		logger: logger.With("component", "deployer"),
	}
}

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.config }

// NewDeployment starts the state machine of one target.
func (e *Engine) NewDeployment(targetID string) *Deployment {
	return &Deployment{
		engine:   e,
		targetID: targetID,
		state:    rollout.StateInitial,
		trace:    []rollout.State{rollout.StateInitial},
		logger:   e.logger.With("target", targetID),
	}
}

// sleep waits d on the engine clock or until ctx ends.
func (e *Engine) sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-e.clock.After(d):
		return nil
	}
}
