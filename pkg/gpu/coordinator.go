// Package gpu implements the shared-accelerator coordinator (spec §4.5):
// a strictly FIFO lock plus single-resident-family discipline, since only
// one of {llm, imageGen, vision, vlm} can occupy the GPU at a time and
// in-process CUDA pools only release memory on process termination.
package gpu

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jflournoy/beamsearch/pkg/config"
)

// Supervisor is the subset of the local-service supervisor (C6) the
// coordinator depends on, injected at construction time rather than wired
// in later by mutable callback (spec's REDESIGN FLAGS call out the
// source's late-bound "setServiceRestarter" pattern as something to
// avoid).
type Supervisor interface {
	Start(ctx context.Context, name config.ServiceName) error
	Stop(ctx context.Context, name config.ServiceName) error
	Health(ctx context.Context, name config.ServiceName) (bool, error)
}

// healthPollInterval is how often the coordinator re-checks a newly
// started family's /health endpoint while waiting for it to become ready.
const healthPollInterval = 200 * time.Millisecond

// healthReadyTimeout bounds how long the coordinator waits for a family
// to report healthy after a start request before giving up.
const healthReadyTimeout = 60 * time.Second

// Coordinator owns GPU residency. The zero value is not usable; use New.
type Coordinator struct {
	lock        chan struct{} // buffered 1; FIFO via Go's channel wait queue
	supervisor  Supervisor
	settleDelay time.Duration
	logger      *slog.Logger

	resident config.ServiceName // "" means none
}

// New creates a Coordinator. settleDelay is the pause after evicting a
// family and before running fn (default 0; tune per deployment).
func New(supervisor Supervisor, settleDelay time.Duration, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		lock:        make(chan struct{}, 1),
		supervisor:  supervisor,
		settleDelay: settleDelay,
		logger:      logger,
	}
	c.lock <- struct{}{}
	return c
}

// WithGPULock is the low-level escape hatch: acquire the FIFO lock, run
// fn, release the lock. Callers must hold the lock across both prepare
// and inference — see WithLLMOperation et al. for the common case.
func (c *Coordinator) WithGPULock(ctx context.Context, fn func(ctx context.Context) error) error {
	select {
	case <-c.lock:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { c.lock <- struct{}{} }()
	return fn(ctx)
}

// WithLLMOperation acquires the lock, ensures the llm family is resident
// (evicting others if necessary), runs fn, then releases the lock.
func (c *Coordinator) WithLLMOperation(ctx context.Context, fn func(ctx context.Context) error) error {
	return c.withFamily(ctx, config.ServiceLLM, fn)
}

// WithImageGenOperation is WithLLMOperation for the image-generation
// family.
func (c *Coordinator) WithImageGenOperation(ctx context.Context, fn func(ctx context.Context) error) error {
	return c.withFamily(ctx, config.ServiceFlux, fn)
}

// WithVisionOperation is WithLLMOperation for the vision-analysis family.
func (c *Coordinator) WithVisionOperation(ctx context.Context, fn func(ctx context.Context) error) error {
	return c.withFamily(ctx, config.ServiceVision, fn)
}

// WithVLMOperation is WithLLMOperation for the VLM family.
func (c *Coordinator) WithVLMOperation(ctx context.Context, fn func(ctx context.Context) error) error {
	return c.withFamily(ctx, config.ServiceVLM, fn)
}

func (c *Coordinator) withFamily(ctx context.Context, family config.ServiceName, fn func(ctx context.Context) error) error {
	return c.WithGPULock(ctx, func(ctx context.Context) error {
		if err := c.ensureResident(ctx, family); err != nil {
			return fmt.Errorf("prepare %s family: %w", family, err)
		}
		return fn(ctx)
	})
}

// ensureResident evicts the currently resident family (if different) and
// starts/waits-ready the requested one. Must be called with the GPU lock
// already held.
func (c *Coordinator) ensureResident(ctx context.Context, family config.ServiceName) error {
	if c.resident == family {
		return nil
	}

	if c.resident != "" {
		c.logger.Info("evicting resident GPU family", "from", c.resident, "to", family)
		if err := c.supervisor.Stop(ctx, c.resident); err != nil {
			return fmt.Errorf("stop resident family %s: %w", c.resident, err)
		}
		c.resident = ""

		if c.settleDelay > 0 {
			select {
			case <-time.After(c.settleDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	ready, err := c.supervisor.Health(ctx, family)
	if err != nil || !ready {
		if err := c.supervisor.Start(ctx, family); err != nil {
			return fmt.Errorf("start family %s: %w", family, err)
		}
		if err := c.waitHealthy(ctx, family); err != nil {
			return err
		}
	}

	c.resident = family
	return nil
}

func (c *Coordinator) waitHealthy(ctx context.Context, family config.ServiceName) error {
	deadline := time.Now().Add(healthReadyTimeout)
	ticker := time.NewTicker(healthPollInterval)
	defer ticker.Stop()

	for {
		healthy, err := c.supervisor.Health(ctx, family)
		if err == nil && healthy {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("family %s did not become healthy within %s", family, healthReadyTimeout)
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// CleanupAll evicts whichever family is resident. Used on shutdown.
func (c *Coordinator) CleanupAll(ctx context.Context) error {
	return c.WithGPULock(ctx, func(ctx context.Context) error {
		if c.resident == "" {
			return nil
		}
		err := c.supervisor.Stop(ctx, c.resident)
		c.resident = ""
		return err
	})
}

// Resident reports the currently resident family, or "" if none. For
// diagnostics only; callers must not use it to decide whether to acquire
// the lock.
func (c *Coordinator) Resident() config.ServiceName {
	return c.resident
}
