package gpu

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jflournoy/beamsearch/pkg/config"
)

type fakeSupervisor struct {
	mu      sync.Mutex
	started []config.ServiceName
	stopped []config.ServiceName
	healthy map[config.ServiceName]bool
}

func newFakeSupervisor() *fakeSupervisor {
	return &fakeSupervisor{healthy: make(map[config.ServiceName]bool)}
}

func (f *fakeSupervisor) Start(ctx context.Context, name config.ServiceName) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, name)
	f.healthy[name] = true
	return nil
}

func (f *fakeSupervisor) Stop(ctx context.Context, name config.ServiceName) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, name)
	f.healthy[name] = false
	return nil
}

func (f *fakeSupervisor) Health(ctx context.Context, name config.ServiceName) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthy[name], nil
}

func TestWithLLMOperation_StartsFamilyWhenNotResident(t *testing.T) {
	sup := newFakeSupervisor()
	c := New(sup, 0, nil)

	ran := false
	err := c.WithLLMOperation(context.Background(), func(ctx context.Context) error {
		ran = true
		return nil
	})
	if err != nil {
		t.Fatalf("WithLLMOperation() error = %v", err)
	}
	if !ran {
		t.Error("fn was not run")
	}
	if c.Resident() != config.ServiceLLM {
		t.Errorf("resident = %q, want llm", c.Resident())
	}
	if len(sup.started) != 1 || sup.started[0] != config.ServiceLLM {
		t.Errorf("started = %v", sup.started)
	}
}

func TestWithImageGenOperation_EvictsPreviousFamily(t *testing.T) {
	sup := newFakeSupervisor()
	c := New(sup, 0, nil)

	if err := c.WithLLMOperation(context.Background(), func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("WithLLMOperation() error = %v", err)
	}
	if err := c.WithImageGenOperation(context.Background(), func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("WithImageGenOperation() error = %v", err)
	}

	if len(sup.stopped) != 1 || sup.stopped[0] != config.ServiceLLM {
		t.Errorf("stopped = %v, want [llm]", sup.stopped)
	}
	if c.Resident() != config.ServiceFlux {
		t.Errorf("resident = %q, want flux", c.Resident())
	}
}

func TestWithLLMOperation_ReusesResidentFamilyWithoutRestart(t *testing.T) {
	sup := newFakeSupervisor()
	c := New(sup, 0, nil)

	if err := c.WithLLMOperation(context.Background(), func(ctx context.Context) error { return nil }); err != nil {
		t.Fatal(err)
	}
	if err := c.WithLLMOperation(context.Background(), func(ctx context.Context) error { return nil }); err != nil {
		t.Fatal(err)
	}

	if len(sup.started) != 1 {
		t.Errorf("started called %d times, want 1 (no restart when already resident)", len(sup.started))
	}
}

func TestGPULock_SerializesConcurrentOperations(t *testing.T) {
	sup := newFakeSupervisor()
	c := New(sup, 0, nil)

	var active int
	var maxActive int
	var mu sync.Mutex

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = c.WithGPULock(context.Background(), func(ctx context.Context) error {
				mu.Lock()
				active++
				if active > maxActive {
					maxActive = active
				}
				mu.Unlock()

				time.Sleep(5 * time.Millisecond)

				mu.Lock()
				active--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()

	if maxActive != 1 {
		t.Errorf("maxActive = %d, want 1 (no two GPU-touching phases run concurrently)", maxActive)
	}
}

func TestWithGPULock_RespectsContextCancellation(t *testing.T) {
	sup := newFakeSupervisor()
	c := New(sup, 0, nil)

	// Hold the lock in one goroutine.
	held := make(chan struct{})
	release := make(chan struct{})
	go c.WithGPULock(context.Background(), func(ctx context.Context) error {
		close(held)
		<-release
		return nil
	})
	<-held
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := c.WithGPULock(ctx, func(ctx context.Context) error { return nil })
	if err == nil {
		t.Fatal("expected context deadline error while lock is held")
	}
}

func TestCleanupAll_StopsResidentFamily(t *testing.T) {
	sup := newFakeSupervisor()
	c := New(sup, 0, nil)

	if err := c.WithVLMOperation(context.Background(), func(ctx context.Context) error { return nil }); err != nil {
		t.Fatal(err)
	}
	if err := c.CleanupAll(context.Background()); err != nil {
		t.Fatalf("CleanupAll() error = %v", err)
	}
	if c.Resident() != "" {
		t.Errorf("resident = %q after cleanup, want none", c.Resident())
	}
	if len(sup.stopped) != 1 || sup.stopped[0] != config.ServiceVLM {
		t.Errorf("stopped = %v, want [vlm]", sup.stopped)
	}
}

func TestEnsureResident_StartFailurePropagates(t *testing.T) {
	sup := newFakeSupervisor()
	failing := &failingStartSupervisor{fakeSupervisor: sup}
	c := New(failing, 0, nil)

	err := c.WithLLMOperation(context.Background(), func(ctx context.Context) error { return nil })
	if err == nil {
		t.Fatal("expected error from failing supervisor start")
	}
}

type failingStartSupervisor struct {
	*fakeSupervisor
}

func (f *failingStartSupervisor) Start(ctx context.Context, name config.ServiceName) error {
	return fmt.Errorf("boom")
}
