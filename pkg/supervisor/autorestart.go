package supervisor

import (
	"context"
	"log/slog"
	"time"

	"github.com/jflournoy/beamsearch/pkg/config"
)

// AutoRestarter periodically polls each service that should be running
// and restarts it if its health check fails and no stop lock blocks it
// (spec §4.6). A service with shouldBeRunning=false, or with a stop
// lock, is left alone.
type AutoRestarter struct {
	supervisor *Supervisor
	interval   time.Duration
	logger     *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewAutoRestarter creates a detector polling every interval.
func NewAutoRestarter(s *Supervisor, interval time.Duration, logger *slog.Logger) *AutoRestarter {
	if logger == nil {
		logger = slog.Default()
	}
	return &AutoRestarter{supervisor: s, interval: interval, logger: logger}
}

// Start launches the background detection loop. Calling Start on an
// already-running detector is a no-op.
func (a *AutoRestarter) Start(ctx context.Context) {
	if a.cancel != nil {
		return
	}
	ctx, a.cancel = context.WithCancel(ctx)
	a.done = make(chan struct{})
	go a.run(ctx)
}

// Stop signals the loop to exit and waits for it to finish.
func (a *AutoRestarter) Stop() {
	if a.cancel == nil {
		return
	}
	a.cancel()
	<-a.done
}

func (a *AutoRestarter) run(ctx context.Context) {
	defer close(a.done)

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.checkAll(ctx)
		}
	}
}

func (a *AutoRestarter) checkAll(ctx context.Context) {
	for _, name := range config.AllServiceNames() {
		a.checkOne(ctx, name)
	}
}

func (a *AutoRestarter) checkOne(ctx context.Context, name config.ServiceName) {
	a.supervisor.mu.Lock()
	shouldRun := a.supervisor.shouldRun[name]
	opts := a.supervisor.lastOptions[name]
	a.supervisor.mu.Unlock()

	if !shouldRun || a.supervisor.HasStopLock(name) {
		return
	}

	healthy, err := a.supervisor.Health(ctx, name)
	if err == nil && healthy {
		return
	}

	a.logger.Warn("service unhealthy, attempting restart", "name", name)
	if err := a.supervisor.Start(ctx, name, opts); err != nil {
		a.logger.Error("auto-restart failed", "name", name, "error", err)
	}
}
