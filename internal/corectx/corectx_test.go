package corectx

import (
	"context"
	"testing"

	"github.com/oriys/corevm/internal/config"
	"github.com/oriys/corevm/internal/icache"
	"github.com/oriys/corevm/internal/interner"
	"github.com/oriys/corevm/internal/recycler"
)

func TestCreateCoreContextWiresAllComponents(t *testing.T) {
	c := newTestCoreContext(t)
	if c.MemRegion == nil || c.Recycler == nil || c.Interner == nil || c.ICache == nil || c.GuardReg == nil || c.Stack == nil || c.JobSched == nil {
		t.Fatalf("expected every leaf component to be constructed")
	}
	if c.ID() == 0 {
		t.Fatalf("expected a nonzero id")
	}
}

func TestEnterExitScriptDelegatesToStack(t *testing.T) {
	c := newTestCoreContext(t)
	rec := c.EnterScript("realm-1")
	if rec.RealmID() != "realm-1" {
		t.Fatalf("expected realm id to round-trip, got %q", rec.RealmID())
	}
	if c.Stack.Depth() != 1 {
		t.Fatalf("expected depth 1 after EnterScript, got %d", c.Stack.Depth())
	}
	c.ExitScript(rec, false)
	if c.Stack.Depth() != 0 {
		t.Fatalf("expected depth 0 after ExitScript, got %d", c.Stack.Depth())
	}
}

func TestExitScriptFlushesPendingCloseRealmsAtZeroDepth(t *testing.T) {
	c := newTestCoreContext(t)
	r := c.CreateRealm("closing")
	r.MarkForClose()

	rec := c.EnterScript("closing")
	c.ExitScript(rec, false)

	if c.RealmCount() != 0 {
		t.Fatalf("expected the closing realm to be flushed once depth returned to 0, count=%d", c.RealmCount())
	}
}

func TestExitScriptDoCleanupFlushesEvenAtNonZeroDepth(t *testing.T) {
	c := newTestCoreContext(t)
	outer := c.EnterScript("outer")
	inner := c.EnterScript("outer")

	r := c.CreateRealm("closing")
	r.MarkForClose()

	c.ExitScript(inner, true)
	if c.RealmCount() != 0 {
		t.Fatalf("expected doCleanup=true to flush pending closes even with depth still 1, count=%d", c.RealmCount())
	}

	c.ExitScript(outer, false)
}

func TestCollectCallbacksFireInOrderWithBeginAndEndFlags(t *testing.T) {
	c := newTestCoreContext(t)

	var seen []CollectFlag
	id := c.AddCollectCallback(func(flags CollectFlag) {
		seen = append(seen, flags)
	})
	defer c.RemoveCollectCallback(id)

	if err := c.ExecuteRecyclerCollection(context.Background(), 0); err != nil {
		t.Fatalf("ExecuteRecyclerCollection: %v", err)
	}

	if len(seen) != 2 {
		t.Fatalf("expected exactly a Begin and an End callback, got %d", len(seen))
	}
	if seen[0]&CollectBegin == 0 {
		t.Fatalf("expected first callback to carry CollectBegin")
	}
	if seen[1] != CollectEnd {
		t.Fatalf("expected second callback to be exactly CollectEnd, got %v", seen[1])
	}
}

func TestCollectCallbacksCarryConcurrentAndPartialFlags(t *testing.T) {
	c := newTestCoreContext(t)

	var begin CollectFlag
	id := c.AddCollectCallback(func(flags CollectFlag) {
		if flags&CollectEnd == 0 {
			begin = flags
		}
	})
	defer c.RemoveCollectCallback(id)

	if err := c.ExecuteRecyclerCollection(context.Background(), recycler.FlagConcurrent|recycler.FlagPartial); err != nil {
		t.Fatalf("ExecuteRecyclerCollection: %v", err)
	}

	if begin&CollectBeginConcurrent == 0 {
		t.Fatalf("expected CollectBeginConcurrent to be set")
	}
	if begin&CollectBeginPartial == 0 {
		t.Fatalf("expected CollectBeginPartial to be set")
	}
}

func TestRemoveCollectCallbackStopsFutureDelivery(t *testing.T) {
	c := newTestCoreContext(t)

	calls := 0
	id := c.AddCollectCallback(func(flags CollectFlag) { calls++ })
	c.RemoveCollectCallback(id)

	if err := c.ExecuteRecyclerCollection(context.Background(), 0); err != nil {
		t.Fatalf("ExecuteRecyclerCollection: %v", err)
	}
	if calls != 0 {
		t.Fatalf("expected no callback delivery after removal, got %d", calls)
	}
}

func TestOnPreSweepInvalidatesBothInlineCacheKinds(t *testing.T) {
	c := newTestCoreContext(t)
	// onPreSweep is exercised indirectly through a full collection cycle.
	proto := c.ICache.Register(interner.PropertyId(1), icache.KindPrototype, "proto")
	store := c.ICache.Register(interner.PropertyId(1), icache.KindStoreField, "store")
	if err := c.ExecuteRecyclerCollection(context.Background(), 0); err != nil {
		t.Fatalf("ExecuteRecyclerCollection: %v", err)
	}
	if proto.Payload != nil || store.Payload != nil {
		t.Fatalf("expected both cache kinds zeroed by pre-sweep, got %v and %v", proto.Payload, store.Payload)
	}
}

func TestImplicitCallFlagsRoundTrip(t *testing.T) {
	c := newTestCoreContext(t)
	if c.ImplicitCallFlags() != 0 {
		t.Fatalf("expected zero flags initially")
	}
	c.SetImplicitCallFlags(0x01)
	c.SetImplicitCallFlags(0x02)
	if c.ImplicitCallFlags() != 0x03 {
		t.Fatalf("expected ORed flags 0x03, got %#x", c.ImplicitCallFlags())
	}
	c.ClearImplicitCallFlags()
	if c.ImplicitCallFlags() != 0 {
		t.Fatalf("expected flags cleared")
	}
}

func TestEnsureImplicitCallsAllowedReflectsDisabledBit(t *testing.T) {
	c := newTestCoreContext(t)
	if err := c.EnsureImplicitCallsAllowed(); err != nil {
		t.Fatalf("expected implicit calls allowed by default, got %v", err)
	}
	c.SetImplicitCallFlags(implicitCallsDisabledBit)
	if err := c.EnsureImplicitCallsAllowed(); err != errInvalidCallsDisabled {
		t.Fatalf("expected errInvalidCallsDisabled, got %v", err)
	}
	c.ClearImplicitCallFlags()
	if err := c.EnsureImplicitCallsAllowed(); err != nil {
		t.Fatalf("expected implicit calls allowed again after clear, got %v", err)
	}
}

func TestDisableEnableExecutionRoundTrip(t *testing.T) {
	c := newTestCoreContext(t)
	c.DisableExecution()
	if err := c.Stack.Probe(1<<20, 8); err == nil {
		t.Fatalf("expected probe to fail while execution is disabled")
	}
	c.EnableExecution(1 << 10)
	if err := c.Stack.Probe(1<<20, 8); err != nil {
		t.Fatalf("expected probe to succeed once execution is re-enabled with headroom, got %v", err)
	}
}

func TestProbeStackRaisesScopedExceptionOnStackOverflow(t *testing.T) {
	c := newTestCoreContext(t)
	if c.PendingException() != nil {
		t.Fatalf("expected no pending exception before any failing probe")
	}
	if err := c.ProbeStack("realm-a", 4, 64); err == nil {
		t.Fatalf("expected a stack-overflow error for a sp below size")
	}
	ex := c.PendingException()
	if ex == nil {
		t.Fatalf("expected a pending exception to be raised")
	}
	if ex.Kind != ErrStackOverflowKind {
		t.Fatalf("expected ErrStackOverflowKind, got %v", ex.Kind)
	}
	if ex.RealmID != "realm-a" {
		t.Fatalf("expected the exception to carry the probing realm id, got %q", ex.RealmID)
	}
}

func TestProbeStackRaisesScriptAbortWhileInterrupted(t *testing.T) {
	c := newTestCoreContext(t)
	c.DisableExecution()
	if err := c.ProbeStack("realm-b", 1<<20, 8); err == nil {
		t.Fatalf("expected a script-abort error while execution is disabled")
	}
	ex := c.PendingException()
	if ex == nil || ex.Kind != ErrScriptAbortKind {
		t.Fatalf("expected ErrScriptAbortKind pending, got %#v", ex)
	}
	if ex.RealmID != "realm-b" {
		t.Fatalf("expected the exception to carry the probing realm id, got %q", ex.RealmID)
	}
}

func TestProbeStackLeavesNoPendingExceptionOnSuccess(t *testing.T) {
	c := newTestCoreContext(t)
	c.EnableExecution(10)
	if err := c.ProbeStack("realm-c", 10000, 20); err != nil {
		t.Fatalf("expected no error with ample stack headroom, got %v", err)
	}
	if c.PendingException() != nil {
		t.Fatalf("expected no pending exception after a successful probe")
	}
}

func TestExitScriptClearsPendingExceptionAtZeroDepth(t *testing.T) {
	c := newTestCoreContext(t)
	_ = c.ProbeStack("realm-a", 1, 8)
	if c.PendingException() == nil {
		t.Fatalf("expected a pending exception before ExitScript clears it")
	}
	rec := c.EnterScript("realm-a")
	c.ExitScript(rec, false)
	if c.PendingException() != nil {
		t.Fatalf("expected ExitScript at depth 0 to clear the pending exception")
	}
}

func TestSetStackProberAndStackLimitAddr(t *testing.T) {
	c := newTestCoreContext(t)
	if c.StackLimitAddr() != 0 {
		t.Fatalf("expected the default stack limit to be 0, got %d", c.StackLimitAddr())
	}

	polled := 0
	c.SetStackProber(func() { polled++ })
	// ProbeEveryN defaults to 16; drive enough probes to trigger one poll.
	for i := 0; i < 16; i++ {
		c.Stack.Probe(1<<20, 8)
	}
	if polled == 0 {
		t.Fatalf("expected the installed prober to be polled at least once")
	}

	c.DisableExecution()
	if c.StackLimitAddr() == 0 {
		t.Fatalf("expected StackLimitAddr to reflect the interrupt sentinel once execution is disabled")
	}
}

func TestRedeferralPhaseReportsInitialByDefault(t *testing.T) {
	c := newTestCoreContext(t)
	if got := c.RedeferralPhase(); got == "" {
		t.Fatalf("expected a non-empty phase name, got %q", got)
	}
}

func TestDestroyCoreContextIsIdempotent(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.BackgroundJIT = false
	c, err := CreateCoreContext(cfg, "", nil)
	if err != nil {
		t.Fatalf("CreateCoreContext: %v", err)
	}
	DestroyCoreContext(c)
	DestroyCoreContext(c) // must not panic or double-unlink
}
