// Package scriptstack tracks nested script activations on one CoreContext
// and probes the (emulated) stack depth before deep recursion can corrupt
// memory.
//
// # Design rationale
//
// Go gives no portable way to read a goroutine's actual stack pointer, so
// this package substitutes a monotonically increasing pushSeq counter
// issued by the owning CoreContext for the "address" a native engine would
// compare. Strict stack discipline becomes "each push's pushSeq is greater
// than the previous top's" instead of "grows toward lower addresses" — the
// same corruption check, reshaped for a runtime that cannot see its own
// call stack. See SPEC_FULL.md's Design Notes for the rationale in full.
//
// Entry/exit bracketing follows the shape of internal/observability's
// StartSpan/End push-pop pairing (one record per activation, parent
// linkage, status set on the way out); the host-callout bracket follows
// internal/executor's Invoker contract — a matched before/after pair that
// is fatal to mismatch.
//
// # Concurrency model
//
// A script stack belongs to exactly one CoreContext and is only ever
// touched from that CoreContext's own goroutine. No internal locking: the
// single-owner-thread invariant is enforced by the caller (corectx).
package scriptstack

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/trace"

	"github.com/oriys/corevm/internal/metrics"
)

var noopCtx = context.Background()

// ErrStackOverflow is thrown by Probe when the emulated stack limit is
// reached under normal execution.
var ErrStackOverflow = errors.New("scriptstack: stack overflow")

// ErrScriptAbort is thrown by Probe when the emulated stack limit is
// reached while execution is being cooperatively interrupted.
var ErrScriptAbort = errors.New("scriptstack: script abort")

// ErrMismatchedHostFrame is a fatal error: leave-script-end was called with
// a frame marker that does not match the most recent leave-script-start.
var ErrMismatchedHostFrame = errors.New("scriptstack: mismatched host-callout frame")

// LeaveMode flags how control returned from a host callout.
type LeaveMode uint8

const (
	LeaveModeNone LeaveMode = 0
	LeaveModeExternal LeaveMode = 1 << iota
	LeaveModeAsyncHostOperation
)

// FrameMarker identifies one leave-to-host bracket. Opaque to callers;
// compared only for equality.
type FrameMarker uint64

// Record is one ScriptEntryExitRecord: one activation of script code.
type Record struct {
	pushSeq       uint64
	realmID       string
	reentered     bool
	leftForHost   bool
	implicitCalls uint32 // LeaveMode bits ORed in by LeaveScriptEnd; the core's implicit-call flags are not saved here
	leaveMarker   FrameMarker
	span          trace.Span

	prev *Record
}

// RealmID returns the realm this activation belongs to.
func (r *Record) RealmID() string { return r.realmID }

// HasReentered reports whether a nested activation occurred while this
// record was the top of stack.
func (r *Record) HasReentered() bool { return r.reentered }

// Stack is one CoreContext's entry/exit activation stack plus its stack
// prober state.
type Stack struct {
	top   *Record
	depth int32

	nextPushSeq uint64

	stackLimit      uint64 // sentinel or real limit, in probe units
	interruptSentinel uint64
	probeCount      uint64
	probeEveryN     uint64
	interruptPoller func()

	tracer trace.Tracer

	onFirstEntry func()
	onLastExit   func()
}

// Config tunes the stack prober.
type Config struct {
	StackLimit      uint64
	ProbeEveryN     uint64 // poll interrupt-poller every Nth probe; 0 disables polling
	InterruptPoller func()
	Tracer          trace.Tracer
}

// New creates an empty Stack.
func New(cfg Config) *Stack {
	if cfg.ProbeEveryN == 0 {
		cfg.ProbeEveryN = 16
	}
	return &Stack{
		stackLimit:        cfg.StackLimit,
		interruptSentinel: ^uint64(0), // StackLimitForScriptInterrupt
		probeEveryN:       cfg.ProbeEveryN,
		interruptPoller:   cfg.InterruptPoller,
		tracer:            cfg.Tracer,
	}
}

// SetHooks registers the callbacks fired on the 0→1 and 1→0 call-root-depth
// transitions (recycler is-in-script notification, dispose drain, etc).
func (s *Stack) SetHooks(onFirstEntry, onLastExit func()) {
	s.onFirstEntry = onFirstEntry
	s.onLastExit = onLastExit
}

// Depth returns the current call-root depth.
func (s *Stack) Depth() int32 { return s.depth }

// EnterScript pushes a new Record for a script activation in realmID.
func (s *Stack) EnterScript(realmID string) *Record {
	s.depth++
	if s.depth == 1 && s.onFirstEntry != nil {
		s.onFirstEntry()
	}

	s.nextPushSeq++
	rec := &Record{
		pushSeq: s.nextPushSeq,
		realmID: realmID,
		prev:    s.top,
	}

	if s.top != nil {
		s.top.reentered = true
		if rec.pushSeq <= s.top.pushSeq {
			panic(fmt.Sprintf("scriptstack: corruption — non-monotonic push (new=%d, prev=%d)", rec.pushSeq, s.top.pushSeq))
		}
	}

	if s.tracer != nil {
		_, span := s.tracer.Start(noopCtx, "script.activation")
		rec.span = span
	}

	s.top = rec
	metrics.RecordActivation()
	return rec
}

// ExitScript pops rec, which must be the current top of stack.
func (s *Stack) ExitScript(rec *Record) {
	if s.top != rec {
		panic("scriptstack: corruption — pop of non-top record")
	}
	if rec.span != nil {
		rec.span.End()
	}
	s.top = rec.prev
	s.depth--
	if s.depth == 0 && s.onLastExit != nil {
		s.onLastExit()
	}
}

// LeaveScriptStart opens a host-callout bracket by marking the top record
// as left for the host and recording marker. It does not change the
// recycler's script-active flag and does not save implicit-call flags.
func (s *Stack) LeaveScriptStart(marker FrameMarker) {
	if s.top == nil {
		panic("scriptstack: leave-script-start with no active record")
	}
	s.top.leftForHost = true
	s.top.leaveMarker = marker
}

// LeaveScriptEnd closes a host-callout bracket opened by LeaveScriptStart.
// mode records whether the callout invoked external code and/or the script
// re-entered asynchronously during the callout.
func (s *Stack) LeaveScriptEnd(marker FrameMarker, mode LeaveMode) {
	if s.top == nil || s.top.leaveMarker != marker {
		panic(ErrMismatchedHostFrame)
	}
	s.top.leftForHost = false
	s.top.implicitCalls |= uint32(mode)
}

// SetProber installs fn as the interrupt poller Probe calls every
// ProbeEveryN calls, replacing whatever poller (if any) was set at
// construction — the runtime equivalent of set-stack-prober, since this
// runtime has no native thread to attach a SetThreadContext prober to.
func (s *Stack) SetProber(fn func()) {
	s.interruptPoller = fn
}

// StackLimitAddr reports the stack-limit value Probe currently compares
// against. A native engine's get-stack-limit-addr returns the address of
// the stack-limit word so JIT code can read it directly; this runtime has
// no such address, so the value itself is returned instead.
func (s *Stack) StackLimitAddr() uint64 {
	return s.stackLimit
}

// SetInterruptSentinel forces the next probe to fail, used by
// disable-execution to request cooperative interruption.
func (s *Stack) SetInterruptSentinel() {
	s.stackLimit = s.interruptSentinel
}

// ClearInterruptSentinel restores the real stack limit after
// enable-execution.
func (s *Stack) ClearInterruptSentinel(realLimit uint64) {
	s.stackLimit = realLimit
}

// Probe checks whether size more probe-units of stack are available,
// polling the interrupt-poller every ProbeEveryN calls. If the limit is
// exceeded it returns ErrScriptAbort when interruption is pending
// (sentinel set) or ErrStackOverflow otherwise.
func (s *Stack) Probe(sp, size uint64) error {
	s.probeCount++
	if s.probeEveryN > 0 && s.probeCount%s.probeEveryN == 0 && s.interruptPoller != nil {
		s.interruptPoller()
	}

	if sp < size || sp-size <= s.stackLimit {
		if s.stackLimit == s.interruptSentinel {
			metrics.RecordScriptAbort()
			return ErrScriptAbort
		}
		metrics.RecordStackOverflow()
		return ErrStackOverflow
	}
	return nil
}

// ProbeNoThrow behaves like Probe but reports false instead of returning
// an error, for allocation paths that must cope with low stack gracefully.
func (s *Stack) ProbeNoThrow(sp, size uint64) bool {
	return s.Probe(sp, size) == nil
}
