// Package recycler implements corevm's mark-sweep collector: allocation,
// rooting, weak references, and the ordered collection-phase machine that
// the owning CoreContext drives.
//
// # Design rationale
//
// Allocation and reclaim bookkeeping follows the teacher's warm/idle VM
// pool: a sync.RWMutex protects the live-object table and the live count is
// sync/atomic. The dispose queue has its own mutex, which NeedDispose takes;
// sweep broadcasts on a sync.Cond when it queues entries, though nothing in
// this package waits on it. Weak references use a two-tier lookup shaped
// after the teacher's L1/L2 tiered cache: a new handle goes to the L1 map
// while it is below capacity and to the L2 map otherwise, and it stays in
// the tier it was created in. Both tiers are in-process; there is no
// remote store.
//
// # Concurrency model
//
// A single CoreContext drives one Recycler from its own script thread.
// Allocate, Root, Unroot, and CreateWeakReference are only ever called from
// that thread. The object table, the dispose queue and the weak-reference
// tiers are each mutex-protected; the package starts no goroutine of its
// own.
package recycler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/oriys/corevm/internal/logging"
	"github.com/oriys/corevm/internal/metrics"
)

// ErrOutOfMemory is raised when allocation cannot be satisfied.
var ErrOutOfMemory = errors.New("recycler: out of memory")

// Kind classifies an allocation for collection purposes.
type Kind int

const (
	KindFinalizable Kind = iota
	KindLeaf                 // no interior pointers
	KindWeakReferenceHandle
	KindRootedScalar
)

// CollectFlags is a bitset controlling a single ExecuteCollection call.
type CollectFlags uint8

const (
	FlagConcurrent CollectFlags = 1 << iota
	FlagPartial
	FlagCacheCleanup
	FlagExhaustive
	FlagDisableIdleFinish
)

// DisposeMode selects how long FinishDisposeNow is allowed to run.
type DisposeMode int

const (
	DisposeBounded DisposeMode = iota
	DisposeUntilEmpty
)

// Phase identifies one of the six ordered collection phases.
type Phase int

const (
	PhasePreCollect Phase = iota
	PhaseMark
	PhasePreSweep
	PhaseSweep
	PhaseDispose
	PhasePostCollect
)

func (p Phase) String() string {
	switch p {
	case PhasePreCollect:
		return "pre-collect"
	case PhaseMark:
		return "mark"
	case PhasePreSweep:
		return "pre-sweep"
	case PhaseSweep:
		return "sweep"
	case PhaseDispose:
		return "dispose"
	case PhasePostCollect:
		return "post-collect"
	default:
		return "unknown"
	}
}

// PhaseHooks lets the owning CoreContext register callbacks at each phase
// boundary, in the order spec'd by §4.2.
type PhaseHooks struct {
	PreCollect  func()
	Mark        func(walkRoots func(ptr uintptr))
	PreSweep    func()
	Sweep       func()
	Dispose     func()
	PostCollect func()
}

// object is one live allocation tracked by the recycler.
type object struct {
	ptr      uintptr
	size     int
	kind     Kind
	rooted   bool
	marked   bool
	gcEpoch  int64 // GC count at which this object was allocated
	dispose  func()
}

// Recycler is a single-threaded mark-sweep heap.
type Recycler struct {
	hooks PhaseHooks

	mu      sync.RWMutex
	objects map[uintptr]*object
	nextPtr uintptr

	liveCount  int64 // atomic
	gcCount    int64 // atomic, incremented once per ExecuteCollection

	disposeMu    sync.Mutex
	disposeCond  *sync.Cond
	disposeQueue []*object

	weakMu      sync.RWMutex
	weakL1      map[uintptr]*WeakRef
	weakL2      map[uintptr]*WeakRef
	weakL1Cap   int

	timeTravelPinning bool

	isInScript atomic.Bool
}

// WeakRef dereferences to the zero pointer once its target has been
// collected.
type WeakRef struct {
	mu      sync.RWMutex
	target  uintptr
	cleared bool
	pinned  bool // CoreConfig.TimeTravelPinning: a strong handle masquerading as a weak one
}

// Get returns the referenced pointer, or (0, false) if the target has been
// collected.
func (w *WeakRef) Get() (uintptr, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.cleared {
		return 0, false
	}
	return w.target, true
}

// Pinned reports whether this handle was created under
// CoreConfig.TimeTravelPinning — a strong, always-live reference rather
// than a real weak one.
func (w *WeakRef) Pinned() bool { return w.pinned }

func (w *WeakRef) clear() {
	w.mu.Lock()
	w.cleared = true
	w.target = 0
	w.mu.Unlock()
}

// Config tunes the recycler, mirroring config.RecyclerConfig.
type Config struct {
	WeakRefL1Capacity int

	// TimeTravelPinning mirrors CoreConfig.TimeTravelPinning: when true,
	// CreateWeakReference returns a strong, always-live handle instead of
	// a real weak one, so a time-travel trace's recorded object graph
	// can't have a reference vanish out from under replay.
	TimeTravelPinning bool
}

// New creates a Recycler with the given phase hooks.
func New(cfg Config, hooks PhaseHooks) *Recycler {
	if cfg.WeakRefL1Capacity <= 0 {
		cfg.WeakRefL1Capacity = 4096
	}
	r := &Recycler{
		hooks:             hooks,
		objects:           make(map[uintptr]*object),
		nextPtr:           1, // 0 is reserved as the null/cleared sentinel
		weakL1:            make(map[uintptr]*WeakRef),
		weakL2:            make(map[uintptr]*WeakRef),
		weakL1Cap:         cfg.WeakRefL1Capacity,
		timeTravelPinning: cfg.TimeTravelPinning,
	}
	r.disposeCond = sync.NewCond(&r.disposeMu)
	return r
}

// Allocate reserves size bytes for an object of the given kind, returning a
// pointer valid until the next collection that does not find it reachable.
func (r *Recycler) Allocate(size int, kind Kind) (uintptr, error) {
	if size < 0 {
		return 0, fmt.Errorf("%w: negative size %d", ErrOutOfMemory, size)
	}
	r.mu.Lock()
	ptr := r.nextPtr
	r.nextPtr++
	obj := &object{ptr: ptr, size: size, kind: kind, gcEpoch: atomic.LoadInt64(&r.gcCount)}
	r.objects[ptr] = obj
	r.mu.Unlock()

	atomic.AddInt64(&r.liveCount, 1)
	metrics.SetHeapObjects(int(atomic.LoadInt64(&r.liveCount)))
	return ptr, nil
}

// Root pins ptr so it survives collections regardless of reachability.
func (r *Recycler) Root(ptr uintptr) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	obj, ok := r.objects[ptr]
	if !ok {
		return fmt.Errorf("recycler: root of unknown pointer %d", ptr)
	}
	obj.rooted = true
	return nil
}

// Unroot unpins ptr, making it collectible again if unreachable.
func (r *Recycler) Unroot(ptr uintptr) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	obj, ok := r.objects[ptr]
	if !ok {
		return fmt.Errorf("recycler: unroot of unknown pointer %d", ptr)
	}
	obj.rooted = false
	return nil
}

// CreateWeakReference returns a handle that clears to the null pointer once
// ptr is collected. New weak references go to the L1 tier while it is below
// capacity, otherwise to L2. Under
// TimeTravelPinning, ptr is rooted instead and the returned handle never
// clears — a strong reference wearing a weak one's shape.
func (r *Recycler) CreateWeakReference(ptr uintptr) (*WeakRef, error) {
	r.mu.RLock()
	_, ok := r.objects[ptr]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("recycler: weak reference to unknown pointer %d", ptr)
	}

	w := &WeakRef{target: ptr, pinned: r.timeTravelPinning}
	if r.timeTravelPinning {
		if err := r.Root(ptr); err != nil {
			return nil, err
		}
		return w, nil
	}

	r.weakMu.Lock()
	defer r.weakMu.Unlock()
	if len(r.weakL1) < r.weakL1Cap {
		r.weakL1[ptr] = w
	} else {
		r.weakL2[ptr] = w
	}
	return w, nil
}

// promoteOverflowLocked moves the oldest L1 entries into L2 when L1 is at
// capacity, mirroring the teacher's tiered-cache promotion-on-pressure
// behaviour. Caller holds weakMu.
func (r *Recycler) promoteOverflowLocked() {
	if len(r.weakL1) <= r.weakL1Cap {
		return
	}
	over := len(r.weakL1) - r.weakL1Cap
	for k, v := range r.weakL1 {
		if over <= 0 {
			break
		}
		delete(r.weakL1, k)
		r.weakL2[k] = v
		over--
	}
}

// ExecuteCollection runs one full collection cycle through the six ordered
// phases, invoking the core's registered hooks at each boundary.
func (r *Recycler) ExecuteCollection(ctx context.Context, flags CollectFlags) error {
	runPhase := func(p Phase, fn func()) {
		metrics.RecordGCPhase(p.String())
		if fn != nil {
			fn()
		}
	}

	runPhase(PhasePreCollect, r.hooks.PreCollect)

	runPhase(PhaseMark, func() {
		r.mark(flags)
		if r.hooks.Mark != nil {
			r.hooks.Mark(func(ptr uintptr) { r.markPtr(ptr) })
		}
	})

	runPhase(PhasePreSweep, r.hooks.PreSweep)

	runPhase(PhaseSweep, func() {
		r.sweep()
		if r.hooks.Sweep != nil {
			r.hooks.Sweep()
		}
	})

	runPhase(PhaseDispose, func() {
		r.drainDisposeQueue(DisposeBounded)
		if r.hooks.Dispose != nil {
			r.hooks.Dispose()
		}
	})

	runPhase(PhasePostCollect, func() {
		r.weakMu.Lock()
		r.promoteOverflowLocked()
		r.weakMu.Unlock()
		if r.hooks.PostCollect != nil {
			r.hooks.PostCollect()
		}
	})

	atomic.AddInt64(&r.gcCount, 1)
	logging.Op().Debug("recycler.collection_complete", "gc_count", atomic.LoadInt64(&r.gcCount))
	return nil
}

func (r *Recycler) mark(flags CollectFlags) {
	r.mu.Lock()
	defer r.mu.Unlock()
	resetMarks := flags&FlagPartial == 0
	for _, obj := range r.objects {
		if resetMarks {
			obj.marked = false
		}
		if obj.rooted {
			obj.marked = true
		}
	}
}

func (r *Recycler) markPtr(ptr uintptr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if obj, ok := r.objects[ptr]; ok {
		obj.marked = true
	}
}

func (r *Recycler) sweep() {
	r.mu.Lock()
	var toDispose []*object
	for ptr, obj := range r.objects {
		if obj.marked {
			continue
		}
		delete(r.objects, ptr)
		atomic.AddInt64(&r.liveCount, -1)
		r.clearWeakRefsLocked(ptr)
		if obj.kind == KindFinalizable && obj.dispose != nil {
			toDispose = append(toDispose, obj)
		}
	}
	r.mu.Unlock()

	metrics.SetHeapObjects(int(atomic.LoadInt64(&r.liveCount)))

	if len(toDispose) == 0 {
		return
	}
	r.disposeMu.Lock()
	r.disposeQueue = append(r.disposeQueue, toDispose...)
	metrics.SetDisposeQueueSize(len(r.disposeQueue))
	r.disposeCond.Broadcast()
	r.disposeMu.Unlock()
}

func (r *Recycler) clearWeakRefsLocked(ptr uintptr) {
	r.weakMu.Lock()
	if w, ok := r.weakL1[ptr]; ok {
		w.clear()
		delete(r.weakL1, ptr)
	}
	if w, ok := r.weakL2[ptr]; ok {
		w.clear()
		delete(r.weakL2, ptr)
	}
	r.weakMu.Unlock()
}

// NeedDispose reports whether any finalizable object is waiting in the
// after-sweep dispose queue.
func (r *Recycler) NeedDispose() bool {
	r.disposeMu.Lock()
	defer r.disposeMu.Unlock()
	return len(r.disposeQueue) > 0
}

// FinishDisposeNow drains the dispose queue. Both modes run every queued
// dispose and return once the queue is empty: DisposeBounded sets no time
// bound, and DisposeUntilEmpty does not wait for further entries (see
// drainDisposeQueue).
func (r *Recycler) FinishDisposeNow(mode DisposeMode) {
	r.drainDisposeQueue(mode)
}

// drainDisposeQueue processes every object queued for finalization. Both
// modes drain to empty here: the queue is only ever populated by sweep,
// which always runs before dispose, so there are no late arrivals for
// DisposeUntilEmpty to wait on within a single collection cycle. The mode
// is kept in the public API so a future concurrent-sweep implementation
// (FlagConcurrent) can make the two genuinely differ without a signature
// change.
func (r *Recycler) drainDisposeQueue(mode DisposeMode) {
	_ = mode
	r.disposeMu.Lock()
	defer r.disposeMu.Unlock()

	for len(r.disposeQueue) > 0 {
		obj := r.disposeQueue[0]
		r.disposeQueue = r.disposeQueue[1:]
		r.disposeMu.Unlock()
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					logging.Op().Error("recycler.dispose_panic", "ptr", obj.ptr, "panic", rec)
				}
			}()
			obj.dispose()
		}()
		r.disposeMu.Lock()
	}
	metrics.SetDisposeQueueSize(len(r.disposeQueue))
}

// IsInScript reports whether the owning CoreContext is currently executing
// script code, a heuristic the GC uses to decide whether idle collection
// is safe.
func (r *Recycler) IsInScript() bool { return r.isInScript.Load() }

// SetIsScriptActive records whether script execution is currently active.
func (r *Recycler) SetIsScriptActive(active bool) {
	r.isInScript.Store(active)
}

// GCCount returns the number of completed collection cycles, used by the
// expirable-object subsystem's per-object registration window (spec.md §4.9).
func (r *Recycler) GCCount() int64 { return atomic.LoadInt64(&r.gcCount) }

// LiveCount returns the number of currently-tracked live objects.
func (r *Recycler) LiveCount() int64 { return atomic.LoadInt64(&r.liveCount) }

// SetDispose attaches a finalizer to an already-allocated object. Called
// separately from Allocate because most allocations are leaf/scalar and
// never need one.
func (r *Recycler) SetDispose(ptr uintptr, dispose func()) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	obj, ok := r.objects[ptr]
	if !ok {
		return fmt.Errorf("recycler: SetDispose on unknown pointer %d", ptr)
	}
	obj.dispose = dispose
	return nil
}
