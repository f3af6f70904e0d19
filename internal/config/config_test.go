package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("DefaultConfig should validate cleanly: %v", err)
	}
}

func TestLoadFromFileJSON(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BackgroundJIT = false
	cfg.JobSched.MaxWorkers = 16

	data, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	path := filepath.Join(t.TempDir(), "corevm.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	loaded, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if loaded.BackgroundJIT {
		t.Fatalf("expected background_jit=false to round-trip")
	}
	if loaded.JobSched.MaxWorkers != 16 {
		t.Fatalf("expected max_workers=16 to round-trip, got %d", loaded.JobSched.MaxWorkers)
	}
}

func TestLoadFromFileYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corevm.yaml")
	body := "background_jit: false\njob_sched:\n  min_workers: 2\n  max_workers: 4\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	loaded, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if loaded.BackgroundJIT {
		t.Fatalf("expected background_jit=false to round-trip from yaml")
	}
	if loaded.JobSched.MaxWorkers != 4 {
		t.Fatalf("expected max_workers=4 to round-trip from yaml, got %d", loaded.JobSched.MaxWorkers)
	}
	// Fields absent from the yaml document must keep DefaultConfig's values.
	if loaded.Metrics.Namespace != "corevm" {
		t.Fatalf("expected untouched fields to retain their default, got %q", loaded.Metrics.Namespace)
	}
}

func TestLoadFromEnvOverrides(t *testing.T) {
	t.Setenv("COREVM_BACKGROUND_JIT", "false")
	t.Setenv("COREVM_JOBSCHED_MAX_WORKERS", "32")
	t.Setenv("COREVM_LOG_LEVEL", "debug")

	cfg := DefaultConfig()
	LoadFromEnv(cfg)

	if cfg.BackgroundJIT {
		t.Fatalf("expected COREVM_BACKGROUND_JIT=false to override")
	}
	if cfg.JobSched.MaxWorkers != 32 {
		t.Fatalf("expected max_workers override, got %d", cfg.JobSched.MaxWorkers)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("expected log level override, got %q", cfg.Logging.Level)
	}
}

func TestValidateRejectsInvertedWorkerBounds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.JobSched.MinWorkers = 8
	cfg.JobSched.MaxWorkers = 2
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error for max_workers < min_workers")
	}
}

func TestValidateRejectsZeroExpirableGCCount(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ExpirableCollectionGCCount = 0
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error for non-positive expirable_collection_gc_count")
	}
}

func TestValidateRejectsOutOfRangeCompactionThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.InlineCacheCompactionThreshold = 1.5
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error for inline_cache_compaction_threshold > 1")
	}
}

func TestValidateRequiresGRPCAddrWhenDebugManagerEnabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DebugManager.Enabled = true
	cfg.DebugManager.GRPCAddr = ""
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error for empty grpc_addr with debug manager enabled")
	}
}
