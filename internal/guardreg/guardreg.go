// Package guardreg implements the property-guard registry: per-PropertyId
// guard cells that JITed code consults to decide whether a cached
// assumption about a property (its slot, its presence, its type shape) is
// still valid.
//
// # Design rationale
//
// A guard cell only ever moves from valid to invalid; spec.md's guards
// never recover, unlike the teacher's three-state circuit breaker
// (Closed/Open/HalfOpen). guardreg.Guard is the two-state simplification
// of that breaker's Registry: the same per-key sync.RWMutex map shape,
// the same threshold-driven maintenance pass (here, stale-weak-reference
// compaction instead of error-rate evaluation), the same doc-comment
// register describing the (here, one-way) transition.
//
// # Concurrency model
//
// Registration and invalidation are called from the owning CoreContext's
// own thread; Invalidate additionally walks the script stack to perform
// lazy bailout, so it accepts a StackWalker from its caller rather than
// importing internal/scriptstack, avoiding a dependency cycle (C6 does not
// need to know about guards). internal/scriptstack itself provides no
// StackWalker.
package guardreg

import (
	"sync"

	"github.com/oriys/corevm/internal/interner"
	"github.com/oriys/corevm/internal/metrics"
)

// UniqueGuardRef is a weak reference to a unique guard's target, following
// the same "reads as cleared once collected" contract as recycler.WeakRef.
type UniqueGuardRef interface {
	Get() (target uintptr, ok bool)
	Invalidate()
}

// EntryPoint identifies one compiled entry point recorded for lazy
// bailout: a [codeStart, codeEnd) range and the return-site patch to apply.
type EntryPoint struct {
	CodeStart uintptr
	CodeEnd   uintptr
	Patch     func()
}

// StackWalker lets Invalidate perform the lazy-bailout walk without
// guardreg depending on internal/scriptstack. It reports, for each live
// frame from innermost to outermost, the current instruction address and
// whether that frame is already mid-bailout.
type StackWalker func(visit func(pc uintptr, alreadyBailingOut bool))

type entry struct {
	mu            sync.Mutex
	valid         bool
	uniqueGuards  []UniqueGuardRef
	entryPoints   []EntryPoint
	invalidations int
}

// Registry is the per-CoreContext PropertyId → guard-entry table.
type Registry struct {
	mu      sync.RWMutex
	entries map[interner.PropertyId]*entry

	compactionThreshold int // invalidations-since-compaction before stale-ref sweep
}

// Config tunes the registry's stale-reference compaction heuristic.
type Config struct {
	CompactionThreshold int
}

// New creates an empty Registry.
func New(cfg Config) *Registry {
	if cfg.CompactionThreshold <= 0 {
		cfg.CompactionThreshold = 64
	}
	return &Registry{
		entries:             make(map[interner.PropertyId]*entry),
		compactionThreshold: cfg.CompactionThreshold,
	}
}

// RegisterSharedGuard idempotently creates the guard entry for id (valid)
// if absent. It returns no guard cell; the guard's state is read through
// IsValid.
func (r *Registry) RegisterSharedGuard(id interner.PropertyId) {
	r.getOrCreate(id)
}

// IsValid reports whether id's shared guard is currently valid. A
// never-registered id is treated as valid (nothing has invalidated it).
func (r *Registry) IsValid(id interner.PropertyId) bool {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return true
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.valid
}

// RegisterUniqueGuard adds ref to id's unique-guard set.
func (r *Registry) RegisterUniqueGuard(id interner.PropertyId, ref UniqueGuardRef) {
	e := r.getOrCreate(id)
	e.mu.Lock()
	e.uniqueGuards = append(e.uniqueGuards, ref)
	e.mu.Unlock()
}

// RegisterLazyBailout records that ep must be patched when id is
// invalidated.
func (r *Registry) RegisterLazyBailout(id interner.PropertyId, ep EntryPoint) {
	e := r.getOrCreate(id)
	e.mu.Lock()
	e.entryPoints = append(e.entryPoints, ep)
	e.mu.Unlock()
}

func (r *Registry) getOrCreate(id interner.PropertyId) *entry {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if ok {
		return e
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		return e
	}
	e = &entry{valid: true}
	r.entries[id] = e
	return e
}

// Invalidate writes the invalid sentinel into id's shared guard,
// invalidates every live unique guard, and performs lazy bailout over
// walk for each recorded entry point whose code range contains the
// current frame's instruction address. Frames already mid-bailout are
// skipped. After invalidation the entry's recorded entry-point set is
// cleared.
func (r *Registry) Invalidate(id interner.PropertyId, walk StackWalker) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return
	}
	r.invalidateEntry(e, walk)
}

// InvalidateAll invalidates every registered entry.
func (r *Registry) InvalidateAll(walk StackWalker) {
	r.mu.RLock()
	all := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		all = append(all, e)
	}
	r.mu.RUnlock()

	for _, e := range all {
		r.invalidateEntry(e, walk)
	}
}

func (r *Registry) invalidateEntry(e *entry, walk StackWalker) {
	e.mu.Lock()
	e.valid = false

	for _, ug := range e.uniqueGuards {
		ug.Invalidate()
	}

	eps := e.entryPoints
	e.entryPoints = nil
	e.invalidations++
	needsCompaction := e.invalidations >= r.compactionThreshold
	if needsCompaction {
		e.invalidations = 0
	}
	e.mu.Unlock()

	metrics.RecordGuardInvalidation()

	if len(eps) == 0 || walk == nil {
		if needsCompaction {
			e.compactStaleRefs()
		}
		return
	}

	walk(func(pc uintptr, alreadyBailingOut bool) {
		if alreadyBailingOut {
			return
		}
		for _, ep := range eps {
			if pc >= ep.CodeStart && pc < ep.CodeEnd {
				if ep.Patch != nil {
					ep.Patch()
				}
				metrics.RecordGuardBailout()
			}
		}
	})

	if needsCompaction {
		e.compactStaleRefs()
	}
}

// compactStaleRefs removes unique-guard weak references whose target has
// already been collected.
func (e *entry) compactStaleRefs() {
	e.mu.Lock()
	defer e.mu.Unlock()
	live := e.uniqueGuards[:0]
	for _, ug := range e.uniqueGuards {
		if _, ok := ug.Get(); ok {
			live = append(live, ug)
		}
	}
	e.uniqueGuards = live
}
