// Package jobsched dispatches code-generation jobs — background-JIT work
// units — to either a synchronous Foreground processor or a Background
// worker pool, behind one Processor interface. Selection happens once per
// CoreContext, when CreateCoreContext calls Select, based on the
// background-JIT and optimize-for-many-instances configuration flags.
//
// # Design rationale
//
// The Background processor's worker pool is the teacher's
// internal/asyncqueue AIMD adaptive controller, repurposed: queue depth
// becomes pending code-generation jobs, throughput becomes jobs completed
// per probe interval, and the controller's worker/poll-interval bounds
// become the background-JIT pool's configuration instead of the
// invocation worker pool's. The additive-increase/multiplicative-decrease
// algorithm itself is unchanged — see adaptive.go.
//
// A disabled-by-default robfig/cron maintenance ticker, grounded on
// internal/scheduler's cron wiring, drives an optional idle-GC sweep for
// long-lived, otherwise-quiescent CoreContexts — a host-configurable
// safety net layered on top of, not a replacement for, the GC-count-driven
// redeferral and expirable-object machinery.
package jobsched

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/oriys/corevm/internal/logging"
	"github.com/oriys/corevm/internal/metrics"
)

// ErrJobNotFound is returned by Cancel when no pending job has the given id.
var ErrJobNotFound = errors.New("jobsched: job not found")

// Job is one unit of background-JIT work. Run performs the work and
// returns the JIT-code pages it allocated, so the Background processor can
// hand them back to the recycler at the next pre-collect phase.
type Job struct {
	ID  uint64
	Run func(ctx context.Context) ([]uintptr, error)
}

// HeapIntegration integrates pages produced by jobs into the recycler. The
// Foreground processor calls it as each job completes; the Background
// processor calls it from IntegratePendingPages, under the owning
// CoreContext's goroutine, before the mark phase begins.
type HeapIntegration func(pages []uintptr)

// Processor is the interface both implementations satisfy.
type Processor interface {
	// Submit dispatches job. Foreground runs it synchronously and returns
	// once complete; Background enqueues it and returns immediately.
	Submit(job Job) error
	// Cancel removes a not-yet-started job from the queue. It has no
	// effect on a job already running.
	Cancel(id uint64) error
	// WaitDrained blocks until every submitted job has completed or been
	// cancelled.
	WaitDrained(ctx context.Context) error
}

// ForegroundProcessor runs every job synchronously at submission time, on
// the calling goroutine — the same thread that owns the CoreContext.
type ForegroundProcessor struct {
	integrate HeapIntegration
}

// NewForeground creates a Processor that never leaves the caller's
// goroutine.
func NewForeground(integrate HeapIntegration) *ForegroundProcessor {
	return &ForegroundProcessor{integrate: integrate}
}

func (p *ForegroundProcessor) Submit(job Job) error {
	pages, err := job.Run(context.Background())
	if err != nil {
		logging.Op().Warn("foreground job failed", "job", job.ID, "error", err)
		return err
	}
	if p.integrate != nil && len(pages) > 0 {
		p.integrate(pages)
	}
	metrics.RecordJobCompleted("foreground")
	return nil
}

// Cancel is always a no-op: a Foreground job has already completed by the
// time Submit returns.
func (p *ForegroundProcessor) Cancel(id uint64) error { return ErrJobNotFound }

// WaitDrained always returns immediately: there is never a backlog.
func (p *ForegroundProcessor) WaitDrained(ctx context.Context) error { return nil }

// Config tunes a BackgroundProcessor's worker pool.
type Config struct {
	Adaptive AdaptiveConfig

	// MaintenanceCron, when non-empty, schedules a low-frequency idle-GC
	// sweep at the given cron expression. Empty disables the ticker.
	MaintenanceCron string
	// MaintenanceFunc is invoked on each maintenance tick. Required when
	// MaintenanceCron is set.
	MaintenanceFunc func()
}

// BackgroundProcessor is a worker pool for background-JIT code-generation
// jobs, with its own heap-integration callback and an AIMD-adaptive
// worker/poll-interval controller.
type BackgroundProcessor struct {
	cfg       Config
	integrate HeapIntegration
	adaptive  *AdaptiveController

	mu      sync.Mutex
	pending map[uint64]bool
	jobCh   chan Job
	pageMu  sync.Mutex
	pages   []uintptr
	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool
	cronSvc *cron.Cron
}

// NewBackground creates a Background processor. integrate is called from
// IntegratePendingPages, which the owning CoreContext must invoke at
// pre-collect.
func NewBackground(cfg Config, integrate HeapIntegration) *BackgroundProcessor {
	bp := &BackgroundProcessor{
		cfg:       cfg,
		integrate: integrate,
		pending:   make(map[uint64]bool),
		jobCh:     make(chan Job, 256),
		stopCh:    make(chan struct{}),
	}
	if cfg.Adaptive.Enabled {
		bp.adaptive = newAdaptiveController(cfg.Adaptive)
	}
	return bp
}

// Start launches the worker pool (and the maintenance cron, if configured).
func (p *BackgroundProcessor) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true

	workers := p.workerCount()
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	if p.adaptive != nil {
		p.adaptive.Start()
		p.wg.Add(1)
		go p.elasticWorkerManager()
	}
	if p.cfg.MaintenanceCron != "" && p.cfg.MaintenanceFunc != nil {
		p.cronSvc = cron.New()
		if _, err := p.cronSvc.AddFunc(p.cfg.MaintenanceCron, p.cfg.MaintenanceFunc); err != nil {
			logging.Op().Warn("jobsched: invalid maintenance cron expression", "expr", p.cfg.MaintenanceCron, "error", err)
		} else {
			p.cronSvc.Start()
		}
	}
	logging.Op().Info("background job processor started", "workers", workers)
}

// Stop shuts down the worker pool and the maintenance cron.
func (p *BackgroundProcessor) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	close(p.stopCh)
	p.mu.Unlock()

	if p.cronSvc != nil {
		p.cronSvc.Stop()
	}
	if p.adaptive != nil {
		p.adaptive.Stop()
	}
	p.wg.Wait()
}

func (p *BackgroundProcessor) workerCount() int {
	if p.adaptive != nil {
		return p.adaptive.Workers()
	}
	if p.cfg.Adaptive.MinWorkers > 0 {
		return p.cfg.Adaptive.MinWorkers
	}
	return 4
}

// Submit enqueues job for background processing.
func (p *BackgroundProcessor) Submit(job Job) error {
	p.mu.Lock()
	p.pending[job.ID] = true
	depth := int64(len(p.pending))
	p.mu.Unlock()

	metrics.SetJobQueueDepth("background", int(depth))
	if p.adaptive != nil {
		p.adaptive.SetQueueDepth(depth)
	}

	select {
	case p.jobCh <- job:
		return nil
	case <-p.stopCh:
		return errors.New("jobsched: processor stopped")
	}
}

// Cancel removes a not-yet-started job. Jobs already dequeued by a worker
// cannot be cancelled.
func (p *BackgroundProcessor) Cancel(id uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.pending[id] {
		return ErrJobNotFound
	}
	delete(p.pending, id)
	return nil
}

// WaitDrained blocks until the pending set is empty or ctx is done.
func (p *BackgroundProcessor) WaitDrained(ctx context.Context) error {
	for {
		p.mu.Lock()
		n := len(p.pending)
		p.mu.Unlock()
		if n == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// IntegratePendingPages hands every page accumulated by background workers
// since the last call back to the recycler. Must be called from the owning
// CoreContext's goroutine, at pre-collect, before the mark phase begins.
func (p *BackgroundProcessor) IntegratePendingPages() {
	p.pageMu.Lock()
	pages := p.pages
	p.pages = nil
	p.pageMu.Unlock()

	if p.integrate != nil && len(pages) > 0 {
		p.integrate(pages)
	}
}

func (p *BackgroundProcessor) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			return
		case job := <-p.jobCh:
			p.runJob(job)
		}
	}
}

func (p *BackgroundProcessor) runJob(job Job) {
	// A running job keeps its pending key, set to false, until it finishes:
	// WaitDrained still waits for it, and Cancel no longer finds it.
	p.mu.Lock()
	queued := p.pending[job.ID]
	if queued {
		p.pending[job.ID] = false
	}
	p.mu.Unlock()
	if !queued {
		return
	}
	defer func() {
		p.mu.Lock()
		delete(p.pending, job.ID)
		p.mu.Unlock()
	}()

	pages, err := job.Run(context.Background())
	if p.adaptive != nil {
		p.adaptive.RecordCompleted(1)
	}
	if err != nil {
		logging.Op().Warn("background job failed", "job", job.ID, "error", err)
		return
	}
	if len(pages) > 0 {
		p.pageMu.Lock()
		p.pages = append(p.pages, pages...)
		p.pageMu.Unlock()
	}
	metrics.RecordJobCompleted("background")
}

// elasticWorkerManager reconciles the live worker goroutine count against
// the adaptive controller's target, mirroring the teacher's scale-up/down
// loop but over a single shared jobCh rather than per-poller channels.
func (p *BackgroundProcessor) elasticWorkerManager() {
	defer p.wg.Done()

	current := p.workerCount()
	ticker := time.NewTicker(p.adaptiveProbeInterval())
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			target := p.adaptive.Workers()
			for ; current < target; current++ {
				p.wg.Add(1)
				go p.worker()
			}
			// Scale-down happens passively: excess workers simply find
			// jobCh empty and stopCh closed eventually; there is no
			// per-worker cancellation handle to revoke early because all
			// workers share one channel.
			current = target
			metrics.SetBackgroundWorkers(current)
		}
	}
}

func (p *BackgroundProcessor) adaptiveProbeInterval() time.Duration {
	if p.adaptive != nil {
		return p.adaptive.cfg.ProbeInterval
	}
	return 2 * time.Second
}

var (
	sharedMu   sync.Mutex
	sharedProc *BackgroundProcessor
)

// Shared returns the single Background processor used by every CoreContext
// in the process when optimize-for-many-instances is set, creating it on
// first call. Subsequent calls ignore cfg/integrate and return the
// existing instance.
func Shared(cfg Config, integrate HeapIntegration) *BackgroundProcessor {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	if sharedProc == nil {
		sharedProc = NewBackground(cfg, integrate)
		sharedProc.Start()
	}
	return sharedProc
}

// Select picks the Processor for one CoreContext based on configuration.
// CreateCoreContext calls it once, at construction, not at the
// CoreContext's first job.
func Select(backgroundJIT, manyInstances bool, cfg Config, integrate HeapIntegration) Processor {
	if !backgroundJIT {
		return NewForeground(integrate)
	}
	if manyInstances {
		return Shared(cfg, integrate)
	}
	bp := NewBackground(cfg, integrate)
	bp.Start()
	return bp
}
