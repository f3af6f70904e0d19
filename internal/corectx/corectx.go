// Package corectx implements CoreContext (C8): the process-wide root that
// owns the page allocator, recycler, property interner, inline-cache and
// guard registries, script stack, and job scheduler, and drives the GC
// phase callbacks that invalidate the inline caches they hold. No GC phase
// invalidates the guard registry.
//
// # Design rationale
//
// CoreContext's construction mirrors the teacher's daemon composition in
// cmd/nova/daemon.go: build each leaf component from one CoreConfig, wire
// them together in dependency order, and own the resulting graph as one
// struct with Start/Stop-shaped lifecycle methods — generalized here from
// "backend + pool + scheduler + store" to "memregion + recycler + interner
// + icache + guardreg + scriptstack + jobsched".
//
// # Concurrency model
//
// Exactly one goroutine mutates a CoreContext's fields after construction
// — the goroutine that calls EnterScript/ExitScript — matching spec.md's
// single-owner-thread invariant. The process-wide CoreContext list is
// protected by one package-level sync.Mutex, walked only while held. The
// collection-callback list is a separate per-core sync.RWMutex-protected
// slice: addable/removable from any goroutine, fired only on the core
// thread during ExecuteRecyclerCollection.
package corectx

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oriys/corevm/internal/config"
	"github.com/oriys/corevm/internal/debugmgr"
	"github.com/oriys/corevm/internal/guardreg"
	"github.com/oriys/corevm/internal/icache"
	"github.com/oriys/corevm/internal/interner"
	"github.com/oriys/corevm/internal/jobsched"
	"github.com/oriys/corevm/internal/logging"
	"github.com/oriys/corevm/internal/memregion"
	"github.com/oriys/corevm/internal/metrics"
	"github.com/oriys/corevm/internal/observability"
	"github.com/oriys/corevm/internal/recycler"
	"github.com/oriys/corevm/internal/scriptstack"
)

// ErrKind names one of the three pre-allocated, allocation-free exception
// kinds every CoreContext carries.
type ErrKind int

const (
	ErrOutOfMemory ErrKind = iota
	ErrStackOverflowKind
	ErrScriptAbortKind
)

// CoreException is one of a CoreContext's three pre-allocated exception
// objects (spec.md §4.6/§7): Kind never changes after construction, but
// RealmID is overwritten in place on each throw so raising an exception
// never allocates. Probe's "in realm" requirement is this: the realm that
// was active when the stack check failed.
type CoreException struct {
	Kind    ErrKind
	RealmID string
}

// CollectFlag is one bit of the flag set a collect-callback observes.
type CollectFlag uint8

const (
	CollectBegin CollectFlag = 1 << iota
	CollectBeginConcurrent
	CollectBeginPartial
	CollectWait
	CollectEnd
)

// CollectCallback is invoked on the core thread with a flag set drawn from
// {Begin, Begin-Concurrent, Begin-Partial, Wait, End}.
type CollectCallback func(flags CollectFlag)

type collectCallbackHandle struct {
	id int64
	fn CollectCallback
}

// CoreContext is the process-wide root described by spec.md §3.
type CoreContext struct {
	// Immutable after construction.
	id            int64
	cfg           *config.CoreConfig
	allocPolicy   string
	experimental  bool
	manyInstances bool

	MemRegion  *memregion.Allocator
	Recycler   *recycler.Recycler
	Interner   *interner.Interner
	ICache     *icache.Registry
	GuardReg   *guardreg.Registry
	Stack      *scriptstack.Stack
	JobSched   jobsched.Processor

	// Mutable, touched only by the owning goroutine.
	realmsMu   sync.Mutex // guards the realm list against AddCollectCallback-style cross-goroutine registration only; realm attach/detach itself is core-thread-only
	realmHead  *Realm
	realmCount int

	implicitCallFlags atomic.Uint32
	exceptions        [3]CoreException          // pre-allocated, indexed by ErrKind
	pendingException  atomic.Pointer[CoreException] // nil means none pending

	// debugMgr is optional and reference-counted per spec.md §3: a core
	// attaches to a shared Manager (e.g. one per process) rather than
	// owning it, so detach never tears down a manager other cores still
	// use.
	debugMu  sync.Mutex
	debugMgr *debugmgr.Manager

	redeferral *redeferralController
	expirables *expirableRoster

	collectMu   sync.RWMutex
	collectCbs  []collectCallbackHandle
	nextCbID    int64

	destroyed atomic.Bool
}

// process-wide CoreContext list, protected by one critical section per
// spec.md §5's shared-resource policy.
var (
	listMu   sync.Mutex
	listHead *CoreContext
	listNext map[*CoreContext]*CoreContext
	listPrev map[*CoreContext]*CoreContext
	nextID   int64
)

func init() {
	listNext = make(map[*CoreContext]*CoreContext)
	listPrev = make(map[*CoreContext]*CoreContext)
}

// CreateCoreContext constructs a CoreContext from cfg and links it into the
// process-wide list. allocPolicy is an opaque embedding detail that is only
// recorded on the CoreContext; threadServiceCallback is accepted but not
// used, and may be nil.
func CreateCoreContext(cfg *config.CoreConfig, allocPolicy string, threadServiceCallback func(func())) (*CoreContext, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	mr, err := memregion.NewAllocator(memregion.Config{
		ThreadGeneralBytes: cfg.MemRegion.ThreadGeneralBytes,
		JITThunksBytes:     cfg.MemRegion.JITThunksBytes,
		JITCodeBytes:       cfg.MemRegion.JITCodeBytes,
		DecommitIdleAfter:  cfg.MemRegion.DecommitIdleAfter,
	})
	if err != nil {
		return nil, err
	}

	c := &CoreContext{
		cfg:           cfg,
		allocPolicy:   allocPolicy,
		experimental:  cfg.ExperimentalFeatures,
		manyInstances: cfg.OptimizeForManyInstances,
		MemRegion:     mr,
		Interner:      interner.New(),
		ICache:        icache.New(icache.Config{CompactionThreshold: cfg.InlineCacheCompactionThreshold}),
		GuardReg:      guardreg.New(guardreg.Config{}),
	}

	c.Recycler = recycler.New(recycler.Config{
		WeakRefL1Capacity: cfg.Recycler.WeakRefL1Capacity,
		TimeTravelPinning: cfg.TimeTravelPinning,
	}, recycler.PhaseHooks{
		PreCollect:  c.onPreCollect,
		PreSweep:    c.onPreSweep,
		PostCollect: c.onPostCollect,
	})

	c.Stack = scriptstack.New(scriptstack.Config{Tracer: observability.Tracer()})
	c.Stack.SetHooks(c.onFirstEntry, c.onLastExit)

	c.JobSched = jobsched.Select(cfg.BackgroundJIT, cfg.OptimizeForManyInstances,
		jobsched.Config{Adaptive: jobsched.AdaptiveConfig{
			Enabled:    true,
			MinWorkers: cfg.JobSched.MinWorkers,
			MaxWorkers: cfg.JobSched.MaxWorkers,
		}}, c.integrateBackgroundPages)

	c.redeferral = newRedeferralController(cfg.Redeferral, cfg.TimeTravelPinning)
	c.expirables = newExpirableRoster(cfg.ExpirableCollectionTriggerRatio, cfg.ExpirableCollectionGCCount)

	c.exceptions = [3]CoreException{
		{Kind: ErrOutOfMemory},
		{Kind: ErrStackOverflowKind},
		{Kind: ErrScriptAbortKind},
	}

	listMu.Lock()
	nextID++
	c.id = nextID
	if listHead != nil {
		listNext[c] = listHead
		listPrev[listHead] = c
	}
	listHead = c
	listMu.Unlock()

	logging.Op().Info("core context created", "id", c.id, "background_jit", cfg.BackgroundJIT, "many_instances", cfg.OptimizeForManyInstances)
	return c, nil
}

// DestroyCoreContext unlinks ctx from the process-wide list and releases
// its resources. It is the host's responsibility to ensure no script is
// active and no goroutine still holds a pointer derived from ctx.
func DestroyCoreContext(ctx *CoreContext) {
	if ctx == nil || !ctx.destroyed.CompareAndSwap(false, true) {
		return
	}

	listMu.Lock()
	prev, hasPrev := listPrev[ctx]
	next, hasNext := listNext[ctx]
	if hasPrev {
		listNext[prev] = next
	} else if listHead == ctx {
		listHead = next
	}
	if hasNext {
		listPrev[next] = prev
	}
	delete(listNext, ctx)
	delete(listPrev, ctx)
	listMu.Unlock()

	ctx.MemRegion.Release()
	if bp, ok := ctx.JobSched.(*jobsched.BackgroundProcessor); ok {
		bp.Stop()
	}
	ctx.DetachDebugManager()
	logging.Op().Info("core context destroyed", "id", ctx.id)
}

// ID returns the monotonic id assigned at creation, for logging/metrics.
func (c *CoreContext) ID() int64 { return c.id }

// AttachDebugManager attaches mgr to the core, incrementing its reference
// count. Replacing an existing attachment detaches the old one first.
func (c *CoreContext) AttachDebugManager(mgr *debugmgr.Manager) {
	c.debugMu.Lock()
	defer c.debugMu.Unlock()
	if c.debugMgr != nil {
		c.debugMgr.Detach()
	}
	c.debugMgr = mgr
	if mgr != nil {
		mgr.Attach()
	}
}

// DetachDebugManager releases the core's reference to its debug manager, if
// any.
func (c *CoreContext) DetachDebugManager() {
	c.debugMu.Lock()
	defer c.debugMu.Unlock()
	if c.debugMgr != nil {
		c.debugMgr.Detach()
		c.debugMgr = nil
	}
}

func (c *CoreContext) notifyDebug(kind, detail string) {
	c.debugMu.Lock()
	mgr := c.debugMgr
	c.debugMu.Unlock()
	if mgr == nil {
		return
	}
	mgr.Notify(debugmgr.Event{CoreID: c.id, Kind: kind, Detail: detail, Timestamp: nowFunc()})
}

// nowFunc is a seam for tests; production code always wall-clocks events.
var nowFunc = time.Now

// EnterScript pushes an entry/exit record for realmID and marks the
// recycler script-active on the 0→1 transition.
func (c *CoreContext) EnterScript(realmID string) *scriptstack.Record {
	return c.Stack.EnterScript(realmID)
}

// ExitScript pops rec. When doCleanup is true (or the call-root depth just
// returned to zero), queued disposes and pending-close realms are flushed.
// The defensive pending-exception clear happens only once the depth is
// zero, whatever doCleanup says.
func (c *CoreContext) ExitScript(rec *scriptstack.Record, doCleanup bool) {
	c.Stack.ExitScript(rec)
	if doCleanup || c.Stack.Depth() == 0 {
		c.flushPendingWork()
	}
	if c.Stack.Depth() == 0 {
		c.pendingException.Store(nil) // clear any pending OOM/stack-overflow exception, see spec.md §7
	}
}

// LeaveScriptStart/LeaveScriptEnd bracket a host callout, delegating to the
// script stack.
func (c *CoreContext) LeaveScriptStart(marker scriptstack.FrameMarker) {
	c.Stack.LeaveScriptStart(marker)
}

func (c *CoreContext) LeaveScriptEnd(marker scriptstack.FrameMarker, mode scriptstack.LeaveMode) {
	c.Stack.LeaveScriptEnd(marker, mode)
}

func (c *CoreContext) onFirstEntry() {
	c.Recycler.SetIsScriptActive(true)
}

func (c *CoreContext) onLastExit() {
	c.Recycler.SetIsScriptActive(false)
}

func (c *CoreContext) flushPendingWork() {
	if c.Recycler.NeedDispose() {
		c.Recycler.FinishDisposeNow(recycler.DisposeBounded)
	}
	c.flushPendingCloseRealms()
}

// DisableExecution writes the interrupt sentinel into the stack limit; the
// next probe raises a script-abort exception.
func (c *CoreContext) DisableExecution() {
	c.Stack.SetInterruptSentinel()
}

// EnableExecution restores the real stack limit.
func (c *CoreContext) EnableExecution(realLimit uint64) {
	c.Stack.ClearInterruptSentinel(realLimit)
}

// ProbeStack is probe(size, realm): it checks the emulated stack via
// c.Stack.Probe and, on failure, raises the matching pre-allocated
// exception object in realmID before returning the error.
func (c *CoreContext) ProbeStack(realmID string, sp, size uint64) error {
	err := c.Stack.Probe(sp, size)
	switch {
	case errors.Is(err, scriptstack.ErrStackOverflow):
		c.raiseException(ErrStackOverflowKind, realmID)
	case errors.Is(err, scriptstack.ErrScriptAbort):
		c.raiseException(ErrScriptAbortKind, realmID)
	}
	return err
}

func (c *CoreContext) raiseException(kind ErrKind, realmID string) {
	e := &c.exceptions[kind]
	e.RealmID = realmID
	c.pendingException.Store(e)
}

// PendingException returns the core's currently pending exception object,
// or nil if none is pending. ExitScript clears it once call-root depth
// returns to zero.
func (c *CoreContext) PendingException() *CoreException {
	return c.pendingException.Load()
}

// SetStackProber installs fn as the interrupt poller the stack prober
// polls periodically (set-stack-prober).
func (c *CoreContext) SetStackProber(fn func()) {
	c.Stack.SetProber(fn)
}

// StackLimitAddr reports the stack prober's current limit value
// (get-stack-limit-addr's Go-native analog — see Stack.StackLimitAddr).
func (c *CoreContext) StackLimitAddr() uint64 {
	return c.Stack.StackLimitAddr()
}

// AddCollectCallback registers fn to fire during ExecuteRecyclerCollection.
// Safe to call from any goroutine; fn itself only ever runs on the core
// thread.
func (c *CoreContext) AddCollectCallback(fn CollectCallback) int64 {
	c.collectMu.Lock()
	defer c.collectMu.Unlock()
	c.nextCbID++
	id := c.nextCbID
	c.collectCbs = append(c.collectCbs, collectCallbackHandle{id: id, fn: fn})
	return id
}

// RemoveCollectCallback unregisters the callback returned by
// AddCollectCallback.
func (c *CoreContext) RemoveCollectCallback(handle int64) {
	c.collectMu.Lock()
	defer c.collectMu.Unlock()
	for i, h := range c.collectCbs {
		if h.id == handle {
			c.collectCbs = append(c.collectCbs[:i], c.collectCbs[i+1:]...)
			return
		}
	}
}

func (c *CoreContext) fireCollectCallbacks(flags CollectFlag) {
	c.collectMu.RLock()
	cbs := make([]collectCallbackHandle, len(c.collectCbs))
	copy(cbs, c.collectCbs)
	c.collectMu.RUnlock()
	for _, h := range cbs {
		h.fn(flags)
	}
}

// ExecuteRecyclerCollection runs one collection cycle, firing Begin/End
// collect-callbacks around it and the ordered pre-collect/mark/pre-sweep/
// sweep/dispose/post-collect phases registered with the recycler.
func (c *CoreContext) ExecuteRecyclerCollection(ctx context.Context, flags recycler.CollectFlags) error {
	ctx, span := observability.StartSpan(ctx, "corevm.gc.collect", observability.AttrGCPhase.String("collect"))
	defer span.End()

	beginFlags := CollectBegin
	if flags&recycler.FlagConcurrent != 0 {
		beginFlags |= CollectBeginConcurrent
	}
	if flags&recycler.FlagPartial != 0 {
		beginFlags |= CollectBeginPartial
	}
	c.fireCollectCallbacks(beginFlags)
	c.notifyDebug("collect", "begin")

	err := c.Recycler.ExecuteCollection(ctx, flags)
	if err != nil {
		observability.SetSpanError(span, err)
	} else {
		observability.SetSpanOK(span)
	}

	c.fireCollectCallbacks(CollectEnd)
	c.notifyDebug("collect", "end")
	return err
}

func (c *CoreContext) onPreCollect() {
	for r := c.realmHead; r != nil; r = r.next {
		r.clearPerRealmCaches()
	}
	if bp, ok := c.JobSched.(*jobsched.BackgroundProcessor); ok {
		bp.IntegratePendingPages()
	}
	if c.expirables.shouldEnterExpirableMode(c.jitCodeSizeRatio()) {
		c.expirables.enterWindow(c.Recycler.GCCount())
	}
}

func (c *CoreContext) onPreSweep() {
	c.ICache.InvalidateAll(icache.KindPrototype)
	c.ICache.InvalidateAll(icache.KindStoreField)
}

func (c *CoreContext) onPostCollect() {
	gcCount := c.Recycler.GCCount()
	c.redeferral.step(gcCount, c)
	c.expirables.endWindowIfDue(gcCount, c.walkStackForUsedEntryPoints)
	c.notifyDebug("redeferral", c.redeferral.Phase())
}

// jitCodeSizeRatio reports the JIT-code pool's committed-to-reserved ratio,
// the trigger metric for the expirable-object subsystem (spec.md §4.9).
func (c *CoreContext) jitCodeSizeRatio() float64 {
	if c.cfg.MemRegion.JITCodeBytes <= 0 {
		return 0
	}
	committed, _ := c.MemRegion.Committed(memregion.PoolJITCode)
	return float64(committed) / float64(c.cfg.MemRegion.JITCodeBytes)
}

// walkStackForUsedEntryPoints is the stack walk endWindowIfDue runs before
// expiring entries. It never calls mark, whether or not a script is
// active, so this walk keeps no entry alive: only entries already marked
// through the roster's markUsed survive the window.
func (c *CoreContext) walkStackForUsedEntryPoints(mark func(id uintptr)) {
	if c.Stack.Depth() == 0 {
		return
	}
}

// jitPageSize is the number of bytes integrateBackgroundPages commits in
// the JIT-code pool per page a completed job reports. The reported page
// values are opaque and only counted, so "one page" is a fixed accounting
// unit rather than the host's actual page size.
const jitPageSize = 4096

// integrateBackgroundPages is jobsched's HeapIntegration callback. The
// Foreground processor calls it as each job completes; the Background
// processor calls it from IntegratePendingPages, which onPreCollect runs,
// with the pages its workers produced since the previous collection.
// Committing them here is what drives
// jitCodeSizeRatio, the expirable-object subsystem's trigger metric
// (spec.md §4.9) — without this call the JIT-code pool never grows and
// expirable mode could never engage.
func (c *CoreContext) integrateBackgroundPages(pages []uintptr) {
	if len(pages) > 0 {
		if err := c.MemRegion.Commit(memregion.PoolJITCode, int64(len(pages))*jitPageSize); err != nil {
			logging.Op().Warn("failed to commit completed JIT-code pages", "count", len(pages), "error", err)
		}
	}
	metrics.RecordGCPhase("integrate-background-pages")
	logging.Op().Debug("integrated background-JIT pages into recycler", "count", len(pages))
}

// implicitCallsDisabledBit marks that a disable-implicit-calls scope (e.g.
// a fixed-field guard's lazy-bailout window) is currently active.
const implicitCallsDisabledBit uint32 = 1 << 31

var errInvalidCallsDisabled = errors.New("corectx: implicit call attempted while implicit calls are disabled")

// EnsureImplicitCallsAllowed returns errInvalidCallsDisabled if the core is
// currently inside a disable-implicit-calls scope, letting a property
// getter/setter refuse to run a user callout it cannot safely reenter on.
func (c *CoreContext) EnsureImplicitCallsAllowed() error {
	if c.implicitCallFlags.Load()&implicitCallsDisabledBit != 0 {
		return errInvalidCallsDisabled
	}
	return nil
}

// RedeferralPhase reports the redeferral controller's current phase, for
// operator-facing stats surfaces.
func (c *CoreContext) RedeferralPhase() string { return c.redeferral.Phase() }

// ImplicitCallFlags returns the current bitset observed during a
// disabled-implicit-call window.
func (c *CoreContext) ImplicitCallFlags() uint32 { return c.implicitCallFlags.Load() }

// SetImplicitCallFlags ORs bits into the bitset.
func (c *CoreContext) SetImplicitCallFlags(bits uint32) {
	c.implicitCallFlags.Or(bits)
}

// ClearImplicitCallFlags resets the bitset, typically on script re-entry.
func (c *CoreContext) ClearImplicitCallFlags() {
	c.implicitCallFlags.Store(0)
}
