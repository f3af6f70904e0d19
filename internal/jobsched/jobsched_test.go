package jobsched

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestForegroundSubmitRunsSynchronouslyAndIntegratesPages(t *testing.T) {
	var integrated []uintptr
	p := NewForeground(func(pages []uintptr) { integrated = pages })

	err := p.Submit(Job{ID: 1, Run: func(ctx context.Context) ([]uintptr, error) {
		return []uintptr{0x1000, 0x2000}, nil
	}})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if len(integrated) != 2 {
		t.Fatalf("expected pages to be integrated synchronously, got %v", integrated)
	}
}

func TestForegroundSubmitPropagatesError(t *testing.T) {
	p := NewForeground(nil)
	wantErr := errors.New("boom")
	err := p.Submit(Job{ID: 1, Run: func(ctx context.Context) ([]uintptr, error) {
		return nil, wantErr
	}})
	if err != wantErr {
		t.Fatalf("expected propagated error, got %v", err)
	}
}

func TestForegroundWaitDrainedIsImmediate(t *testing.T) {
	p := NewForeground(nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	if err := p.WaitDrained(ctx); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestBackgroundSubmitAndWaitDrained(t *testing.T) {
	var completed atomic.Int32
	var integratedPages atomic.Int32
	p := NewBackground(Config{}, func(pages []uintptr) { integratedPages.Add(int32(len(pages))) })
	p.Start()
	defer p.Stop()

	for i := 0; i < 5; i++ {
		id := uint64(i)
		err := p.Submit(Job{ID: id, Run: func(ctx context.Context) ([]uintptr, error) {
			completed.Add(1)
			return []uintptr{0xAAAA}, nil
		}})
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := p.WaitDrained(ctx); err != nil {
		t.Fatalf("WaitDrained: %v", err)
	}
	if completed.Load() != 5 {
		t.Fatalf("expected all 5 jobs to run, got %d", completed.Load())
	}

	p.IntegratePendingPages()
	if integratedPages.Load() != 5 {
		t.Fatalf("expected 5 pages integrated after IntegratePendingPages, got %d", integratedPages.Load())
	}
}

func TestBackgroundCancelPreventsExecution(t *testing.T) {
	var ran atomic.Bool
	p := NewBackground(Config{}, nil)

	// Don't Start() the pool: the job stays pending until cancelled, so
	// there is no race between worker dequeue and Cancel.
	if err := p.Submit(Job{ID: 42, Run: func(ctx context.Context) ([]uintptr, error) {
		ran.Store(true)
		return nil, nil
	}}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if err := p.Cancel(42); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	p.Start()
	defer p.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	p.WaitDrained(ctx)

	if ran.Load() {
		t.Fatalf("expected the cancelled job to never run")
	}
}

func TestBackgroundCancelUnknownIDFails(t *testing.T) {
	p := NewBackground(Config{}, nil)
	if err := p.Cancel(999); err != ErrJobNotFound {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestSelectForegroundWhenBackgroundJITDisabled(t *testing.T) {
	proc := Select(false, false, Config{}, nil)
	if _, ok := proc.(*ForegroundProcessor); !ok {
		t.Fatalf("expected a ForegroundProcessor when background-JIT is disabled")
	}
}

func TestSelectBackgroundWhenNotManyInstances(t *testing.T) {
	proc := Select(true, false, Config{}, nil)
	bp, ok := proc.(*BackgroundProcessor)
	if !ok {
		t.Fatalf("expected a BackgroundProcessor")
	}
	defer bp.Stop()
	if bp == sharedProcUnsafePeek() {
		t.Fatalf("expected a private processor, not the shared many-instances one")
	}
}

// sharedProcUnsafePeek reads the package-level shared processor pointer for
// test assertions only.
func sharedProcUnsafePeek() *BackgroundProcessor {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	return sharedProc
}

func TestAdaptiveControllerScalesUpOnGrowingBacklog(t *testing.T) {
	ac := newAdaptiveController(AdaptiveConfig{
		Enabled:       true,
		ProbeInterval: time.Hour, // never fires on its own; probe() called directly
		MinWorkers:    2,
		MaxWorkers:    10,
		ScaleUpStep:   3,
	})
	ac.SetQueueDepth(5)
	ac.probe()
	ac.SetQueueDepth(10)
	ac.probe()

	if ac.Workers() <= 2 {
		t.Fatalf("expected worker count to increase under a growing backlog, got %d", ac.Workers())
	}
}

func TestAdaptiveControllerScalesDownWhenIdle(t *testing.T) {
	ac := newAdaptiveController(AdaptiveConfig{
		Enabled:                     true,
		ProbeInterval:               time.Hour,
		MinWorkers:                  2,
		MaxWorkers:                  10,
		StableRoundsBeforeScaleDown: 2,
	})
	ac.currentWorkers.Store(10)
	ac.SetQueueDepth(0)
	ac.probe()
	ac.probe()

	if ac.Workers() >= 10 {
		t.Fatalf("expected worker count to decrease after sustained idle probes, got %d", ac.Workers())
	}
}
