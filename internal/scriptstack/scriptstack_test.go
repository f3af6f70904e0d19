package scriptstack

import "testing"

func TestEnterExitTracksDepth(t *testing.T) {
	s := New(Config{StackLimit: 0})
	rec := s.EnterScript("realm-1")
	if s.Depth() != 1 {
		t.Fatalf("expected depth 1 after first entry, got %d", s.Depth())
	}
	s.ExitScript(rec)
	if s.Depth() != 0 {
		t.Fatalf("expected depth 0 after matching exit, got %d", s.Depth())
	}
}

func TestFirstEntryAndLastExitHooksFireOnce(t *testing.T) {
	s := New(Config{})
	var entries, exits int
	s.SetHooks(func() { entries++ }, func() { exits++ })

	r1 := s.EnterScript("realm-1")
	r2 := s.EnterScript("realm-1")
	if entries != 1 {
		t.Fatalf("expected onFirstEntry to fire exactly once across nested activations, got %d", entries)
	}
	s.ExitScript(r2)
	if exits != 0 {
		t.Fatalf("expected onLastExit to not fire until depth returns to 0, got %d calls", exits)
	}
	s.ExitScript(r1)
	if exits != 1 {
		t.Fatalf("expected onLastExit to fire exactly once, got %d", exits)
	}
}

func TestReentrantPushSetsHasReenteredOnPreviousTop(t *testing.T) {
	s := New(Config{})
	r1 := s.EnterScript("realm-1")
	if r1.HasReentered() {
		t.Fatalf("expected a fresh record to not be marked as reentered")
	}
	r2 := s.EnterScript("realm-1")
	if !r1.HasReentered() {
		t.Fatalf("expected the previous top to be marked has-reentered after a nested push")
	}
	s.ExitScript(r2)
	s.ExitScript(r1)
}

func TestPopOfNonTopRecordPanics(t *testing.T) {
	s := New(Config{})
	r1 := s.EnterScript("realm-1")
	_ = s.EnterScript("realm-1")

	defer func() {
		if recover() == nil {
			t.Fatalf("expected popping a non-top record to panic (stack corruption check)")
		}
	}()
	s.ExitScript(r1)
}

func TestLeaveToHostMismatchedFrameIsFatal(t *testing.T) {
	s := New(Config{})
	_ = s.EnterScript("realm-1")
	s.LeaveScriptStart(FrameMarker(1))

	defer func() {
		if recover() == nil {
			t.Fatalf("expected mismatched leave-script-end frame marker to panic")
		}
	}()
	s.LeaveScriptEnd(FrameMarker(2), LeaveModeExternal)
}

func TestLeaveToHostRestoresFlagsOnMatchingEnd(t *testing.T) {
	s := New(Config{})
	rec := s.EnterScript("realm-1")
	s.LeaveScriptStart(FrameMarker(7))
	if !rec.leftForHost {
		t.Fatalf("expected leftForHost to be set during the host callout")
	}
	s.LeaveScriptEnd(FrameMarker(7), LeaveModeExternal)
	if rec.leftForHost {
		t.Fatalf("expected leftForHost to clear after the matching leave-script-end")
	}
	if rec.implicitCalls&uint32(LeaveModeExternal) == 0 {
		t.Fatalf("expected the external bit to be OR'd into implicit-call flags")
	}
}

func TestProbeFailsWhenWithinStackLimit(t *testing.T) {
	s := New(Config{StackLimit: 1000})
	if err := s.Probe(1010, 20); err != ErrStackOverflow {
		t.Fatalf("expected ErrStackOverflow when sp-size crosses the limit, got %v", err)
	}
}

func TestProbeSucceedsWithHeadroom(t *testing.T) {
	s := New(Config{StackLimit: 1000})
	if err := s.Probe(10000, 20); err != nil {
		t.Fatalf("expected no error with ample stack headroom, got %v", err)
	}
}

func TestProbeReturnsScriptAbortWhenInterruptSentinelSet(t *testing.T) {
	s := New(Config{StackLimit: 1000})
	s.SetInterruptSentinel()
	if err := s.Probe(10000, 20); err != ErrScriptAbort {
		t.Fatalf("expected ErrScriptAbort once the interrupt sentinel is set, got %v", err)
	}
}

func TestProbeNoThrowReturnsBoolInstead(t *testing.T) {
	s := New(Config{StackLimit: 1000})
	if s.ProbeNoThrow(1010, 20) {
		t.Fatalf("expected ProbeNoThrow to report false when the limit is crossed")
	}
	if !s.ProbeNoThrow(10000, 20) {
		t.Fatalf("expected ProbeNoThrow to report true with ample headroom")
	}
}

func TestProbeEveryNPollsInterruptPoller(t *testing.T) {
	polls := 0
	s := New(Config{StackLimit: 0, ProbeEveryN: 2, InterruptPoller: func() { polls++ }})
	s.Probe(10000, 20)
	if polls != 0 {
		t.Fatalf("expected no poll on the first probe, got %d", polls)
	}
	s.Probe(10000, 20)
	if polls != 1 {
		t.Fatalf("expected exactly one poll on the second probe, got %d", polls)
	}
}
