// Package metrics exposes corevm runtime observability data to Prometheus.
//
// # Design rationale
//
// A single Prometheus registry is created at InitPrometheus time and wraps
// collectors for each core component: GC phases (internal/recycler),
// interner size (internal/interner), inline-cache activity
// (internal/icache), guard invalidations (internal/guardreg), and
// background-job queue depth (internal/jobsched). A nil-safe global
// instance lets every component call the package-level Record*/Set*
// functions without threading a *Metrics through every constructor.
//
// # Concurrency
//
// All recording functions delegate to prometheus collectors, which are
// safe for concurrent use. No additional locking is needed in this package.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics wraps the Prometheus collectors for one corevm process.
type Metrics struct {
	registry *prometheus.Registry

	// Recycler (C2)
	gcCyclesTotal    *prometheus.CounterVec // label: phase
	gcPauseMs        *prometheus.HistogramVec
	heapObjects      prometheus.Gauge
	disposeQueueSize prometheus.Gauge

	// Interner (C3)
	internerSize       prometheus.Gauge
	internerLookupsTot *prometheus.CounterVec // label: result (hit, miss, direct)

	// Inline-cache registry (C4)
	icacheRegisteredTotal   *prometheus.CounterVec // label: kind
	icacheInvalidatedTotal  *prometheus.CounterVec // label: kind
	icacheCompactionsTotal  prometheus.Counter

	// Guard registry (C5)
	guardInvalidationsTotal prometheus.Counter
	guardBailoutsTotal      prometheus.Counter

	// Script stack / prober (C6)
	activationsTotal    prometheus.Counter
	stackOverflowsTotal prometheus.Counter
	scriptAbortsTotal   prometheus.Counter

	// Scheduler (C7)
	jobQueueDepth    *prometheus.GaugeVec // label: processor
	jobsCompleted    *prometheus.CounterVec
	backgroundWorker prometheus.Gauge

	// Redeferral / expirable (C8/§4.8-4.9)
	redeferredFunctionsTotal prometheus.Counter
	expiredObjectsTotal      prometheus.Counter
}

var defaultBuckets = []float64{0.05, 0.1, 0.5, 1, 5, 10, 25, 50, 100, 250, 500}

var global *Metrics

// InitPrometheus initializes the global metrics registry under the given
// namespace (e.g. "corevm"). Safe to call once at process start.
func InitPrometheus(namespace string) *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: registry,

		gcCyclesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "gc_phase_total", Help: "GC phase transitions observed",
		}, []string{"phase"}),

		gcPauseMs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "gc_pause_milliseconds", Help: "Duration of a full collection cycle",
			Buckets: defaultBuckets,
		}, []string{"kind"}),

		heapObjects: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "heap_live_objects", Help: "Objects reachable after the last mark phase",
		}),

		disposeQueueSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "dispose_queue_size", Help: "Finalizable objects awaiting dispose",
		}),

		internerSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "interner_property_count", Help: "Distinct PropertyIds assigned",
		}),

		internerLookupsTot: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "interner_lookups_total", Help: "Property-name lookups by result",
		}, []string{"result"}),

		icacheRegisteredTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "icache_registered_total", Help: "Inline caches registered",
		}, []string{"kind"}),

		icacheInvalidatedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "icache_invalidated_total", Help: "Inline caches invalidated",
		}, []string{"kind"}),

		icacheCompactionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "icache_compactions_total", Help: "Registry compaction passes run",
		}),

		guardInvalidationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "guard_invalidations_total", Help: "Property guards invalidated",
		}),

		guardBailoutsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "guard_lazy_bailouts_total", Help: "Lazy bailouts performed on invalidate",
		}),

		activationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "script_activations_total", Help: "Script entry/exit pushes",
		}),

		stackOverflowsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "stack_overflows_total", Help: "StackOverflow exceptions raised",
		}),

		scriptAbortsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "script_aborts_total", Help: "ScriptAbort exceptions raised",
		}),

		jobQueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "job_queue_depth", Help: "Pending background-job queue depth",
		}, []string{"processor"}),

		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "jobs_completed_total", Help: "Background jobs completed",
		}, []string{"processor"}),

		backgroundWorker: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "background_workers", Help: "Current background-job worker count",
		}),

		redeferredFunctionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "redeferred_functions_total", Help: "Functions redeferred for inactivity",
		}),

		expiredObjectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "expired_objects_total", Help: "Expirable objects expired",
		}),
	}

	registry.MustRegister(
		m.gcCyclesTotal, m.gcPauseMs, m.heapObjects, m.disposeQueueSize,
		m.internerSize, m.internerLookupsTot,
		m.icacheRegisteredTotal, m.icacheInvalidatedTotal, m.icacheCompactionsTotal,
		m.guardInvalidationsTotal, m.guardBailoutsTotal,
		m.activationsTotal, m.stackOverflowsTotal, m.scriptAbortsTotal,
		m.jobQueueDepth, m.jobsCompleted, m.backgroundWorker,
		m.redeferredFunctionsTotal, m.expiredObjectsTotal,
	)

	global = m
	return m
}

// Global returns the process-wide metrics instance, or nil if InitPrometheus
// was never called. All Record*/Set* helpers are nil-safe.
func Global() *Metrics { return global }

// Handler returns an HTTP handler for Prometheus scraping.
func Handler() http.Handler {
	if global == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("metrics not initialized"))
		})
	}
	return promhttp.HandlerFor(global.registry, promhttp.HandlerOpts{})
}

func RecordGCPhase(phase string) {
	if global == nil {
		return
	}
	global.gcCyclesTotal.WithLabelValues(phase).Inc()
}

func ObserveGCPause(kind string, ms float64) {
	if global == nil {
		return
	}
	global.gcPauseMs.WithLabelValues(kind).Observe(ms)
}

func SetHeapObjects(n int) {
	if global == nil {
		return
	}
	global.heapObjects.Set(float64(n))
}

func SetDisposeQueueSize(n int) {
	if global == nil {
		return
	}
	global.disposeQueueSize.Set(float64(n))
}

func SetInternerSize(n int) {
	if global == nil {
		return
	}
	global.internerSize.Set(float64(n))
}

func RecordInternerLookup(result string) {
	if global == nil {
		return
	}
	global.internerLookupsTot.WithLabelValues(result).Inc()
}

func RecordICacheRegistered(kind string) {
	if global == nil {
		return
	}
	global.icacheRegisteredTotal.WithLabelValues(kind).Inc()
}

func RecordICacheInvalidated(kind string, count int) {
	if global == nil {
		return
	}
	global.icacheInvalidatedTotal.WithLabelValues(kind).Add(float64(count))
}

func RecordICacheCompaction() {
	if global == nil {
		return
	}
	global.icacheCompactionsTotal.Inc()
}

func RecordGuardInvalidation() {
	if global == nil {
		return
	}
	global.guardInvalidationsTotal.Inc()
}

func RecordGuardBailout() {
	if global == nil {
		return
	}
	global.guardBailoutsTotal.Inc()
}

func RecordActivation() {
	if global == nil {
		return
	}
	global.activationsTotal.Inc()
}

func RecordStackOverflow() {
	if global == nil {
		return
	}
	global.stackOverflowsTotal.Inc()
}

func RecordScriptAbort() {
	if global == nil {
		return
	}
	global.scriptAbortsTotal.Inc()
}

func SetJobQueueDepth(processor string, depth int) {
	if global == nil {
		return
	}
	global.jobQueueDepth.WithLabelValues(processor).Set(float64(depth))
}

func RecordJobCompleted(processor string) {
	if global == nil {
		return
	}
	global.jobsCompleted.WithLabelValues(processor).Inc()
}

func SetBackgroundWorkers(n int) {
	if global == nil {
		return
	}
	global.backgroundWorker.Set(float64(n))
}

func RecordRedeferred(n int) {
	if global == nil {
		return
	}
	global.redeferredFunctionsTotal.Add(float64(n))
}

func RecordExpired(n int) {
	if global == nil {
		return
	}
	global.expiredObjectsTotal.Add(float64(n))
}
