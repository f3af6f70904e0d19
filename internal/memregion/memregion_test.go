package memregion

import (
	"testing"
	"time"
)

func TestAllocator_CommitDecommit(t *testing.T) {
	a, err := NewAllocator(Config{
		ThreadGeneralBytes: 1 << 20,
		JITThunksBytes:     1 << 20,
		JITCodeBytes:       1 << 20,
	})
	if err != nil {
		t.Fatalf("NewAllocator: %v", err)
	}
	defer a.Release()

	if err := a.Commit(PoolThreadGeneral, 4096); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := a.Decommit(PoolThreadGeneral, 4096); err != nil {
		t.Fatalf("Decommit: %v", err)
	}
}

func TestAllocator_CommitExhaustion(t *testing.T) {
	a, err := NewAllocator(Config{
		ThreadGeneralBytes: 4096,
		JITThunksBytes:     4096,
		JITCodeBytes:       4096,
	})
	if err != nil {
		t.Fatalf("NewAllocator: %v", err)
	}
	defer a.Release()

	if err := a.Commit(PoolThreadGeneral, 4096); err != nil {
		t.Fatalf("first commit should fit: %v", err)
	}
	if err := a.Commit(PoolThreadGeneral, 4096); err == nil {
		t.Fatalf("expected out-of-memory error when exceeding reservation")
	}
}

func TestAllocator_IsInRange(t *testing.T) {
	a, err := NewAllocator(Config{
		ThreadGeneralBytes: 4096,
		JITThunksBytes:     4096,
		JITCodeBytes:       8192,
	})
	if err != nil {
		t.Fatalf("NewAllocator: %v", err)
	}
	defer a.Release()

	base := a.pools[PoolJITCode].base
	if !a.IsInRange(base) {
		t.Fatalf("expected base address to be in JIT-code range")
	}
	if !a.IsInRange(base + 100) {
		t.Fatalf("expected mid-range address to be in JIT-code range")
	}
	if a.IsInRange(base + 1<<30) {
		t.Fatalf("expected far address to be out of JIT-code range")
	}
	if a.IsInRange(0) {
		t.Fatalf("expected nil address to be out of range")
	}
}

func TestAllocator_AvailableCommitDecreasesAfterCommit(t *testing.T) {
	a, err := NewAllocator(Config{
		ThreadGeneralBytes: 1 << 20,
		JITThunksBytes:     1 << 20,
		JITCodeBytes:       1 << 20,
	})
	if err != nil {
		t.Fatalf("NewAllocator: %v", err)
	}
	defer a.Release()

	before := a.AvailableCommit()
	if err := a.Commit(PoolThreadGeneral, 4096); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	after := a.AvailableCommit()
	if after != before-4096 {
		t.Fatalf("expected available commit to drop by 4096, before=%d after=%d", before, after)
	}
}

func TestAllocator_ShutdownIdleDecommitStopsBackgroundGoroutine(t *testing.T) {
	a, err := NewAllocator(Config{
		ThreadGeneralBytes: 1 << 20,
		JITThunksBytes:     4096,
		JITCodeBytes:       4096,
		DecommitIdleAfter:  5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewAllocator: %v", err)
	}

	last := time.Now().Add(-time.Hour)
	a.StartIdleDecommit(func() time.Time { return last })
	a.ShutdownIdleDecommit()
	a.Release()
}
