package corectx

import (
	"sync"

	"github.com/oriys/corevm/internal/config"
	"github.com/oriys/corevm/internal/logging"
)

// redeferralPhase is the Initial → Startup → Main progression a core moves
// through as it accumulates GCs, each with its own, looser check-interval
// and inactivity-threshold pair.
type redeferralPhase int

const (
	redeferralInitial redeferralPhase = iota
	redeferralStartup
	redeferralMain
)

func (p redeferralPhase) String() string {
	switch p {
	case redeferralInitial:
		return "initial"
	case redeferralStartup:
		return "startup"
	case redeferralMain:
		return "main"
	default:
		return "unknown"
	}
}

// redeferrable is anything a Realm can offer up for redeferral: a parsed
// function body whose byte-code can be dropped and re-parsed from source
// the next time it's called, provided it hasn't run recently.
type redeferrable interface {
	// LastActiveGC is the GCCount at which this function last executed.
	LastActiveGC() int64
	// Redefer drops the function's compiled body. Returns false if the
	// function is currently on the stack and cannot be redeferred.
	Redefer() bool
}

// redeferralController walks the Initial/Startup/Main state machine
// described by spec.md's background-compaction section: as a core racks up
// GC cycles, the interval between redeferral sweeps and the inactivity
// threshold required to qualify both grow, so a long-lived process spends
// decreasing effort re-checking functions that are unlikely to have gone
// idle yet.
type redeferralController struct {
	mu sync.Mutex

	cfg     config.RedeferralConfig
	pinned  bool // true when time-travel pinning disables redeferral entirely
	phase   redeferralPhase
	lastRun int64 // GCCount at which step() last performed a sweep

	// candidates is populated by Realms registering functions eligible for
	// redeferral consideration; step() filters by inactivity threshold.
	candidates []redeferrable
}

func newRedeferralController(cfg config.RedeferralConfig, timeTravelPinning bool) *redeferralController {
	return &redeferralController{
		cfg:    cfg,
		pinned: timeTravelPinning,
		phase:  redeferralInitial,
	}
}

// Register adds a function as a redeferral candidate. Realms call this when
// a function finishes its initial parse/compile.
func (rc *redeferralController) Register(fn redeferrable) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.candidates = append(rc.candidates, fn)
}

func (rc *redeferralController) currentThresholds() config.RedeferralStateConfig {
	switch rc.phase {
	case redeferralInitial:
		return rc.cfg.Initial
	case redeferralStartup:
		return rc.cfg.Startup
	default:
		return rc.cfg.Main
	}
}

// advancePhase promotes Initial → Startup after the first sweep, and
// Startup → Main after the second, matching the two-step warmup ChakraCore
// uses before settling into its steady-state cadence.
func (rc *redeferralController) advancePhase() {
	switch rc.phase {
	case redeferralInitial:
		rc.phase = redeferralStartup
	case redeferralStartup:
		rc.phase = redeferralMain
	}
}

// step is called from the core's post-collect phase with the GC count just
// completed. It is a no-op when time-travel pinning is enabled, or when
// fewer than CheckIntervalGCs cycles have elapsed since the last sweep.
func (rc *redeferralController) step(gcCount int64, ctx *CoreContext) {
	if rc.pinned {
		return
	}

	rc.mu.Lock()
	defer rc.mu.Unlock()

	thresholds := rc.currentThresholds()
	if gcCount-rc.lastRun < int64(thresholds.CheckIntervalGCs) {
		return
	}

	var live []redeferrable
	redeferred := 0
	for _, fn := range rc.candidates {
		inactiveFor := gcCount - fn.LastActiveGC()
		if inactiveFor < int64(thresholds.InactivityThresholdGCs) {
			live = append(live, fn)
			continue
		}
		if fn.Redefer() {
			redeferred++
			continue
		}
		// still on the stack; keep it as a candidate for next sweep
		live = append(live, fn)
	}
	rc.candidates = live
	rc.lastRun = gcCount
	rc.advancePhase()

	if redeferred > 0 {
		logging.Op().Info("redeferral.swept", "phase", rc.phase.String(), "count", redeferred, "gc_count", gcCount)
	}
}

// Phase reports the controller's current warmup phase, for diagnostics.
func (rc *redeferralController) Phase() string {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.phase.String()
}
