package jobsched

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oriys/corevm/internal/logging"
)

// AdaptiveController dynamically adjusts the background-JIT worker count
// and poll interval based on observed pending-job depth and completion
// throughput. Ported from the teacher's asyncqueue AIMD controller:
// additive increase while the backlog grows, multiplicative decrease once
// it has drained for several consecutive probes, everything clamped to
// configured bounds.
type AdaptiveController struct {
	cfg AdaptiveConfig

	currentWorkers atomic.Int32
	currentPollNs  atomic.Int64

	completedCount atomic.Int64
	queueDepth     atomic.Int64

	prevDepth    int64
	stableRounds int

	mu     sync.Mutex
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// AdaptiveConfig configures the background-JIT adaptive controller.
type AdaptiveConfig struct {
	Enabled bool

	ProbeInterval time.Duration // default 2s

	MinWorkers int // default 2
	MaxWorkers int // default 32

	MinPollInterval time.Duration // default 20ms
	MaxPollInterval time.Duration // default 500ms

	ScaleUpStep   int     // default 2
	ScaleDownRate float64 // default 0.75

	StableRoundsBeforeScaleDown int // default 3
}

func defaultAdaptiveConfig() AdaptiveConfig {
	return AdaptiveConfig{
		ProbeInterval:               2 * time.Second,
		MinWorkers:                  2,
		MaxWorkers:                  32,
		MinPollInterval:             20 * time.Millisecond,
		MaxPollInterval:             500 * time.Millisecond,
		ScaleUpStep:                 2,
		ScaleDownRate:               0.75,
		StableRoundsBeforeScaleDown: 3,
	}
}

func mergeAdaptiveConfig(cfg AdaptiveConfig) AdaptiveConfig {
	d := defaultAdaptiveConfig()
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = d.ProbeInterval
	}
	if cfg.MinWorkers <= 0 {
		cfg.MinWorkers = d.MinWorkers
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = d.MaxWorkers
	}
	if cfg.MaxWorkers < cfg.MinWorkers {
		cfg.MaxWorkers = cfg.MinWorkers
	}
	if cfg.MinPollInterval <= 0 {
		cfg.MinPollInterval = d.MinPollInterval
	}
	if cfg.MaxPollInterval <= 0 {
		cfg.MaxPollInterval = d.MaxPollInterval
	}
	if cfg.MaxPollInterval < cfg.MinPollInterval {
		cfg.MaxPollInterval = cfg.MinPollInterval
	}
	if cfg.ScaleUpStep <= 0 {
		cfg.ScaleUpStep = d.ScaleUpStep
	}
	if cfg.ScaleDownRate <= 0 || cfg.ScaleDownRate >= 1 {
		cfg.ScaleDownRate = d.ScaleDownRate
	}
	if cfg.StableRoundsBeforeScaleDown <= 0 {
		cfg.StableRoundsBeforeScaleDown = d.StableRoundsBeforeScaleDown
	}
	return cfg
}

func newAdaptiveController(cfg AdaptiveConfig) *AdaptiveController {
	cfg = mergeAdaptiveConfig(cfg)
	ac := &AdaptiveController{cfg: cfg, stopCh: make(chan struct{})}
	ac.currentWorkers.Store(int32(cfg.MinWorkers))
	ac.currentPollNs.Store(int64(cfg.MinPollInterval))
	return ac
}

// Start begins the background probe loop.
func (ac *AdaptiveController) Start() {
	ac.wg.Add(1)
	go ac.loop()
}

// Stop signals the probe loop to exit and waits for it.
func (ac *AdaptiveController) Stop() {
	close(ac.stopCh)
	ac.wg.Wait()
}

// RecordCompleted increments the completed-job counter.
func (ac *AdaptiveController) RecordCompleted(n int64) { ac.completedCount.Add(n) }

// SetQueueDepth updates the latest known pending-job depth.
func (ac *AdaptiveController) SetQueueDepth(depth int64) { ac.queueDepth.Store(depth) }

// Workers returns the current target worker count.
func (ac *AdaptiveController) Workers() int { return int(ac.currentWorkers.Load()) }

// PollInterval returns the current target poll interval.
func (ac *AdaptiveController) PollInterval() time.Duration {
	return time.Duration(ac.currentPollNs.Load())
}

func (ac *AdaptiveController) loop() {
	defer ac.wg.Done()
	ticker := time.NewTicker(ac.cfg.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ac.stopCh:
			return
		case <-ticker.C:
			ac.probe()
		}
	}
}

func (ac *AdaptiveController) probe() {
	ac.mu.Lock()
	defer ac.mu.Unlock()

	completed := ac.completedCount.Swap(0)
	depth := ac.queueDepth.Load()

	workers := int(ac.currentWorkers.Load())
	pollNs := ac.currentPollNs.Load()

	growing := depth > 0 && depth > ac.prevDepth
	idle := depth == 0 && completed == 0
	draining := depth == 0 && completed > 0

	switch {
	case growing:
		ac.stableRounds = 0
		workers = minInt(workers+ac.cfg.ScaleUpStep, ac.cfg.MaxWorkers)
		pollNs = int64(clampDuration(time.Duration(float64(pollNs)*0.75), ac.cfg.MinPollInterval, ac.cfg.MaxPollInterval))

	case idle:
		ac.stableRounds++
		if ac.stableRounds >= ac.cfg.StableRoundsBeforeScaleDown {
			workers = maxInt(int(math.Ceil(float64(workers)*ac.cfg.ScaleDownRate)), ac.cfg.MinWorkers)
			pollNs = int64(clampDuration(time.Duration(float64(pollNs)*1.5), ac.cfg.MinPollInterval, ac.cfg.MaxPollInterval))
		}

	case draining:
		ac.stableRounds++
		if ac.stableRounds >= ac.cfg.StableRoundsBeforeScaleDown {
			workers = maxInt(int(math.Ceil(float64(workers)*ac.cfg.ScaleDownRate)), ac.cfg.MinWorkers)
			pollNs = int64(clampDuration(time.Duration(float64(pollNs)*1.25), ac.cfg.MinPollInterval, ac.cfg.MaxPollInterval))
		}

	default:
		ac.stableRounds = 0
		if depth > int64(workers) {
			workers = minInt(workers+1, ac.cfg.MaxWorkers)
		}
	}

	ac.currentWorkers.Store(int32(workers))
	ac.currentPollNs.Store(pollNs)
	ac.prevDepth = depth

	logging.Op().Debug("background-jit adaptive probe",
		"depth", depth,
		"completed", completed,
		"workers", workers,
		"poll_interval", time.Duration(pollNs),
	)
}

func clampDuration(v, lo, hi time.Duration) time.Duration {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
