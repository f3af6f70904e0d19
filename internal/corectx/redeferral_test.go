package corectx

import (
	"testing"

	"github.com/oriys/corevm/internal/config"
)

type fakeRedeferrable struct {
	lastActive  int64
	onStack     bool
	redeferred  bool
}

func (f *fakeRedeferrable) LastActiveGC() int64 { return f.lastActive }

func (f *fakeRedeferrable) Redefer() bool {
	if f.onStack {
		return false
	}
	f.redeferred = true
	return true
}

func testRedeferralConfig() config.RedeferralConfig {
	return config.RedeferralConfig{
		Initial: config.RedeferralStateConfig{CheckIntervalGCs: 1, InactivityThresholdGCs: 1},
		Startup: config.RedeferralStateConfig{CheckIntervalGCs: 2, InactivityThresholdGCs: 2},
		Main:    config.RedeferralStateConfig{CheckIntervalGCs: 4, InactivityThresholdGCs: 8},
	}
}

func TestRedeferralPinnedNeverSweeps(t *testing.T) {
	rc := newRedeferralController(testRedeferralConfig(), true)
	fn := &fakeRedeferrable{lastActive: 0}
	rc.Register(fn)

	rc.step(100, nil)
	if fn.redeferred {
		t.Fatalf("expected no redeferral while time-travel pinning is active")
	}
}

func TestRedeferralSkipsActiveFunctions(t *testing.T) {
	rc := newRedeferralController(testRedeferralConfig(), false)
	fn := &fakeRedeferrable{lastActive: 1}
	rc.Register(fn)

	// Initial phase: inactivity threshold is 1 GC; function active at GC 1,
	// checked at GC 1 means inactiveFor == 0 < 1, so it should survive.
	rc.step(1, nil)
	if fn.redeferred {
		t.Fatalf("expected a recently-active function to survive the sweep")
	}
}

func TestRedeferralDropsInactiveFunctions(t *testing.T) {
	rc := newRedeferralController(testRedeferralConfig(), false)
	fn := &fakeRedeferrable{lastActive: 0}
	rc.Register(fn)

	rc.step(5, nil)
	if !fn.redeferred {
		t.Fatalf("expected an inactive function to be redeferred")
	}
}

func TestRedeferralKeepsFunctionsStillOnStack(t *testing.T) {
	rc := newRedeferralController(testRedeferralConfig(), false)
	fn := &fakeRedeferrable{lastActive: 0, onStack: true}
	rc.Register(fn)

	rc.step(5, nil)
	if fn.redeferred {
		t.Fatalf("expected a function still on the stack to never be redeferred")
	}

	rc.mu.Lock()
	remaining := len(rc.candidates)
	rc.mu.Unlock()
	if remaining != 1 {
		t.Fatalf("expected the on-stack function to remain a candidate, got %d", remaining)
	}
}

func TestRedeferralFirstSweepRedefersInactiveFunction(t *testing.T) {
	rc := newRedeferralController(testRedeferralConfig(), false)
	fn := &fakeRedeferrable{lastActive: 0}
	rc.Register(fn)

	rc.step(1, nil) // Initial phase sweeps, advances to Startup, lastRun=1
	if !fn.redeferred {
		t.Fatalf("expected first sweep at GC 1 to redefer the inactive function")
	}
}

func TestRedeferralPhaseAdvancesOnEachSweep(t *testing.T) {
	rc := newRedeferralController(testRedeferralConfig(), false)
	if rc.Phase() != "initial" {
		t.Fatalf("expected initial phase, got %s", rc.Phase())
	}

	rc.step(1, nil)
	if rc.Phase() != "startup" {
		t.Fatalf("expected startup phase after first sweep, got %s", rc.Phase())
	}

	rc.step(3, nil)
	if rc.Phase() != "main" {
		t.Fatalf("expected main phase after second sweep, got %s", rc.Phase())
	}
}

func TestRedeferralSweepHonorsCheckIntervalBetweenSweeps(t *testing.T) {
	rc := newRedeferralController(testRedeferralConfig(), false)
	rc.step(1, nil) // moves to startup, lastRun=1, interval now 2

	fn := &fakeRedeferrable{lastActive: 0}
	rc.Register(fn)

	// Only 1 GC elapsed since lastRun, startup requires 2: should not sweep.
	rc.step(2, nil)
	if fn.redeferred {
		t.Fatalf("expected sweep to be skipped before check interval elapses")
	}

	rc.step(3, nil)
	if !fn.redeferred {
		t.Fatalf("expected sweep to run once check interval has elapsed")
	}
}
