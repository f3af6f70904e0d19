// Package config loads and validates corevm's runtime configuration: the
// enumerated options table of spec.md §6 plus the ambient logging, metrics,
// and tracing settings every corevm process carries regardless of which
// core features are enabled.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// CoreConfig holds the tuning knobs a CoreContext reads at creation time.
// Field names mirror spec.md §6's enumerated option table.
type CoreConfig struct {
	// BackgroundJIT selects the worker-pool job processor for code
	// generation instead of running jobs synchronously on the script
	// thread (internal/jobsched).
	BackgroundJIT bool `json:"background_jit" yaml:"background_jit"`

	// OptimizeForManyInstances makes every background-JIT CoreContext in the
	// process share a single background processor (internal/jobsched).
	// CreateCoreContext configures no icache cross-instance Broadcaster, so
	// the flag has no effect on inline-cache invalidation.
	OptimizeForManyInstances bool `json:"optimize_for_many_instances" yaml:"optimize_for_many_instances"`

	// ExperimentalFeatures enables tentative language features. corevm
	// itself does not interpret this flag; it is surfaced to Realms for
	// their own feature gating.
	ExperimentalFeatures bool `json:"experimental_features" yaml:"experimental_features"`

	// Redeferral tunes the redeferral controller's Initial/Startup/Main
	// state machine (spec.md §4.8). Both thresholds are counted in GC
	// cycles, per spec.md's "how many GCs" phrasing, not wall-clock time.
	Redeferral RedeferralConfig `json:"redeferral" yaml:"redeferral"`

	// ExpirableCollectionTriggerRatio is the JIT-code-size ratio past
	// which the expirable-object subsystem enters expirable mode.
	ExpirableCollectionTriggerRatio float64 `json:"expirable_collection_trigger_ratio" yaml:"expirable_collection_trigger_ratio"`

	// ExpirableCollectionGCCount is the window width, in GC cycles, over
	// which an expirable object remains eligible after its own
	// registration (spec.md §4.9).
	ExpirableCollectionGCCount int `json:"expirable_collection_gc_count" yaml:"expirable_collection_gc_count"`

	// InlineCacheCompactionThreshold is the registry-wide
	// unregistered:registered ratio, counted across all inline-cache
	// invalidation lists, that triggers compaction (spec.md §4.4).
	InlineCacheCompactionThreshold float64 `json:"inline_cache_compaction_threshold" yaml:"inline_cache_compaction_threshold"`

	// TimeTravelPinning, when true, makes every weak reference a pinned
	// strong handle (its target is rooted and the handle never clears) and
	// disables redeferral; when false, neither happens. See DESIGN.md's
	// Open Question resolution.
	TimeTravelPinning bool `json:"time_travel_pinning" yaml:"time_travel_pinning"`

	MemRegion     MemRegionConfig     `json:"mem_region" yaml:"mem_region"`
	Recycler      RecyclerConfig      `json:"recycler" yaml:"recycler"`
	JobSched      JobSchedConfig      `json:"job_sched" yaml:"job_sched"`
	DebugManager  DebugManagerConfig  `json:"debug_manager" yaml:"debug_manager"`
	Observability ObservabilityConfig `json:"observability" yaml:"observability"`
	Logging       LoggingConfig       `json:"logging" yaml:"logging"`
	Metrics       MetricsConfig       `json:"metrics" yaml:"metrics"`
}

// MemRegionConfig tunes the page allocator (internal/memregion). Field
// names mirror memregion.Config's three reserved pools.
type MemRegionConfig struct {
	ThreadGeneralBytes int64         `json:"thread_general_bytes" yaml:"thread_general_bytes"`
	JITThunksBytes     int64         `json:"jit_thunks_bytes" yaml:"jit_thunks_bytes"`
	JITCodeBytes       int64         `json:"jit_code_bytes" yaml:"jit_code_bytes"`
	DecommitIdleAfter  time.Duration `json:"decommit_idle_after" yaml:"decommit_idle_after"`
}

// RecyclerConfig tunes the GC/recycler (internal/recycler).
type RecyclerConfig struct {
	IdleGCIntervalCron string `json:"idle_gc_interval_cron" yaml:"idle_gc_interval_cron"` // robfig/cron expression; not read by CreateCoreContext, which starts no idle-GC ticker
	WeakRefL1Capacity  int    `json:"weak_ref_l1_capacity" yaml:"weak_ref_l1_capacity"`
}

// RedeferralStateConfig is one state's pair of thresholds.
type RedeferralStateConfig struct {
	CheckIntervalGCs      int `json:"check_interval_gcs" yaml:"check_interval_gcs"`
	InactivityThresholdGCs int `json:"inactivity_threshold_gcs" yaml:"inactivity_threshold_gcs"`
}

// RedeferralConfig carries the Initial/Startup/Main state machine's
// per-state thresholds (spec.md §4.8).
type RedeferralConfig struct {
	Initial RedeferralStateConfig `json:"initial" yaml:"initial"`
	Startup RedeferralStateConfig `json:"startup" yaml:"startup"`
	Main    RedeferralStateConfig `json:"main" yaml:"main"`
}

// JobSchedConfig tunes the background-job processor (internal/jobsched).
type JobSchedConfig struct {
	MinWorkers      int     `json:"min_workers" yaml:"min_workers"`
	MaxWorkers      int     `json:"max_workers" yaml:"max_workers"`
	GrowThreshold   float64 `json:"grow_threshold" yaml:"grow_threshold"`
	ShrinkThreshold float64 `json:"shrink_threshold" yaml:"shrink_threshold"`
}

// DebugManagerConfig controls the optional, detachable debug collaborator
// (internal/debugmgr). None of these fields affect the core itself, which
// remains in-memory-only per spec.md §3.
type DebugManagerConfig struct {
	Enabled         bool          `json:"enabled" yaml:"enabled"`
	GRPCAddr        string        `json:"grpc_addr" yaml:"grpc_addr"`
	RedisAddr       string        `json:"redis_addr" yaml:"redis_addr"` // empty disables pub/sub fan-out
	RedisChannel    string        `json:"redis_channel" yaml:"redis_channel"`
	PostgresDSN     string        `json:"postgres_dsn" yaml:"postgres_dsn"` // empty disables the audit sink
	AuditFlushEvery time.Duration `json:"audit_flush_every" yaml:"audit_flush_every"`
}

// ObservabilityConfig holds OpenTelemetry tracing settings.
type ObservabilityConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Exporter    string  `json:"exporter" yaml:"exporter"` // otlp-http, stdout
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`
	ServiceName string  `json:"service_name" yaml:"service_name"`
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`
}

// LoggingConfig holds structured-logging settings.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`   // debug, info, warn, error
	Format string `json:"format" yaml:"format"` // text, json
}

// MetricsConfig holds Prometheus settings.
type MetricsConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	Namespace string `json:"namespace" yaml:"namespace"`
	Addr      string `json:"addr" yaml:"addr"` // loaded from file/env; no command starts an HTTP listener on it
}

// DefaultConfig returns a CoreConfig with sensible defaults, matching the
// values spec.md §6 calls out where it names one.
func DefaultConfig() *CoreConfig {
	return &CoreConfig{
		BackgroundJIT:                   true,
		OptimizeForManyInstances:        false,
		ExperimentalFeatures:            false,
		Redeferral: RedeferralConfig{
			Initial: RedeferralStateConfig{CheckIntervalGCs: 2, InactivityThresholdGCs: 2},
			Startup: RedeferralStateConfig{CheckIntervalGCs: 4, InactivityThresholdGCs: 4},
			Main:    RedeferralStateConfig{CheckIntervalGCs: 8, InactivityThresholdGCs: 16},
		},
		ExpirableCollectionTriggerRatio: 0.5,
		ExpirableCollectionGCCount:      4,
		InlineCacheCompactionThreshold:  0.5,
		TimeTravelPinning:               false,

		MemRegion: MemRegionConfig{
			ThreadGeneralBytes: 64 << 20,
			JITThunksBytes:     16 << 20,
			JITCodeBytes:       176 << 20,
			DecommitIdleAfter:  60 * time.Second,
		},
		Recycler: RecyclerConfig{
			IdleGCIntervalCron: "",
			WeakRefL1Capacity:  4096,
		},
		JobSched: JobSchedConfig{
			MinWorkers:      1,
			MaxWorkers:      8,
			GrowThreshold:   0.75,
			ShrinkThreshold: 0.25,
		},
		DebugManager: DebugManagerConfig{
			Enabled:         false,
			GRPCAddr:        ":9090",
			RedisAddr:       "",
			RedisChannel:    "corevm:debug:events",
			PostgresDSN:     "",
			AuditFlushEvery: 5 * time.Second,
		},
		Observability: ObservabilityConfig{
			Enabled:     false,
			Exporter:    "otlp-http",
			Endpoint:    "localhost:4318",
			ServiceName: "corevm",
			SampleRate:  1.0,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "corevm",
			Addr:      ":2112",
		},
	}
}

// LoadFromFile loads configuration from a JSON or YAML file, selecting the
// decoder by file extension (.yaml/.yml vs everything else treated as JSON).
func LoadFromFile(path string) (*CoreConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := DefaultConfig()
	lower := strings.ToLower(path)
	if strings.HasSuffix(lower, ".yaml") || strings.HasSuffix(lower, ".yml") {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse yaml config: %w", err)
		}
		return cfg, nil
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse json config: %w", err)
	}
	return cfg, nil
}

// LoadFromEnv applies environment variable overrides to cfg.
func LoadFromEnv(cfg *CoreConfig) {
	if v := os.Getenv("COREVM_BACKGROUND_JIT"); v != "" {
		cfg.BackgroundJIT = parseBool(v)
	}
	if v := os.Getenv("COREVM_OPTIMIZE_FOR_MANY_INSTANCES"); v != "" {
		cfg.OptimizeForManyInstances = parseBool(v)
	}
	if v := os.Getenv("COREVM_EXPERIMENTAL_FEATURES"); v != "" {
		cfg.ExperimentalFeatures = parseBool(v)
	}
	if v := os.Getenv("COREVM_REDEFERRAL_MAIN_CHECK_INTERVAL_GCS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Redeferral.Main.CheckIntervalGCs = n
		}
	}
	if v := os.Getenv("COREVM_REDEFERRAL_MAIN_INACTIVITY_THRESHOLD_GCS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Redeferral.Main.InactivityThresholdGCs = n
		}
	}
	if v := os.Getenv("COREVM_EXPIRABLE_TRIGGER_RATIO"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.ExpirableCollectionTriggerRatio = f
		}
	}
	if v := os.Getenv("COREVM_EXPIRABLE_GC_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ExpirableCollectionGCCount = n
		}
	}
	if v := os.Getenv("COREVM_ICACHE_COMPACTION_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.InlineCacheCompactionThreshold = f
		}
	}
	if v := os.Getenv("COREVM_TIME_TRAVEL_PINNING"); v != "" {
		cfg.TimeTravelPinning = parseBool(v)
	}

	// Memregion overrides
	if v := os.Getenv("COREVM_MEMREGION_JIT_CODE_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.MemRegion.JITCodeBytes = n
		}
	}
	if v := os.Getenv("COREVM_MEMREGION_DECOMMIT_IDLE_AFTER"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.MemRegion.DecommitIdleAfter = d
		}
	}

	// Recycler overrides
	if v := os.Getenv("COREVM_RECYCLER_IDLE_GC_CRON"); v != "" {
		cfg.Recycler.IdleGCIntervalCron = v
	}
	if v := os.Getenv("COREVM_RECYCLER_WEAKREF_L1_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Recycler.WeakRefL1Capacity = n
		}
	}

	// Job scheduler overrides
	if v := os.Getenv("COREVM_JOBSCHED_MIN_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.JobSched.MinWorkers = n
		}
	}
	if v := os.Getenv("COREVM_JOBSCHED_MAX_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.JobSched.MaxWorkers = n
		}
	}

	// Debug manager overrides
	if v := os.Getenv("COREVM_DEBUG_ENABLED"); v != "" {
		cfg.DebugManager.Enabled = parseBool(v)
	}
	if v := os.Getenv("COREVM_DEBUG_GRPC_ADDR"); v != "" {
		cfg.DebugManager.GRPCAddr = v
	}
	if v := os.Getenv("COREVM_DEBUG_REDIS_ADDR"); v != "" {
		cfg.DebugManager.RedisAddr = v
	}
	if v := os.Getenv("COREVM_DEBUG_REDIS_CHANNEL"); v != "" {
		cfg.DebugManager.RedisChannel = v
	}
	if v := os.Getenv("COREVM_DEBUG_POSTGRES_DSN"); v != "" {
		cfg.DebugManager.PostgresDSN = v
	}

	// Observability overrides
	if v := os.Getenv("COREVM_TRACING_ENABLED"); v != "" {
		cfg.Observability.Enabled = parseBool(v)
	}
	if v := os.Getenv("COREVM_TRACING_ENDPOINT"); v != "" {
		cfg.Observability.Endpoint = v
	}
	if v := os.Getenv("COREVM_TRACING_EXPORTER"); v != "" {
		cfg.Observability.Exporter = v
	}
	if v := os.Getenv("COREVM_TRACING_SERVICE_NAME"); v != "" {
		cfg.Observability.ServiceName = v
	}
	if v := os.Getenv("COREVM_TRACING_SAMPLE_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Observability.SampleRate = f
		}
	}

	// Logging overrides
	if v := os.Getenv("COREVM_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("COREVM_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}

	// Metrics overrides
	if v := os.Getenv("COREVM_METRICS_ENABLED"); v != "" {
		cfg.Metrics.Enabled = parseBool(v)
	}
	if v := os.Getenv("COREVM_METRICS_NAMESPACE"); v != "" {
		cfg.Metrics.Namespace = v
	}
	if v := os.Getenv("COREVM_METRICS_ADDR"); v != "" {
		cfg.Metrics.Addr = v
	}
}

// Validate checks the configuration for internally inconsistent settings
// that would otherwise surface as confusing failures deep inside a
// component constructor.
func (c *CoreConfig) Validate() error {
	if c.JobSched.MinWorkers < 0 || c.JobSched.MaxWorkers < c.JobSched.MinWorkers {
		return fmt.Errorf("job_sched: max_workers (%d) must be >= min_workers (%d)", c.JobSched.MaxWorkers, c.JobSched.MinWorkers)
	}
	if c.ExpirableCollectionGCCount <= 0 {
		return fmt.Errorf("expirable_collection_gc_count must be positive, got %d", c.ExpirableCollectionGCCount)
	}
	if c.InlineCacheCompactionThreshold <= 0 || c.InlineCacheCompactionThreshold > 1 {
		return fmt.Errorf("inline_cache_compaction_threshold must be in (0, 1], got %f", c.InlineCacheCompactionThreshold)
	}
	if c.DebugManager.Enabled && c.DebugManager.GRPCAddr == "" {
		return fmt.Errorf("debug_manager: grpc_addr required when enabled")
	}
	return nil
}

func parseBool(s string) bool {
	s = strings.ToLower(s)
	return s == "true" || s == "1" || s == "yes"
}
