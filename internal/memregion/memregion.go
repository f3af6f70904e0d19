// Package memregion reserves, commits, decommits, and releases page-aligned
// virtual memory regions on behalf of the recycler's heap and the
// background JIT's thunk and code pools.
//
// # Design rationale
//
// The three pools (thread-general, JIT-thunks, JIT-code) are reserved as
// separate mmap ranges up front. JIT-code is the only pool whose base
// address and size are fixed for the lifetime of the allocator, which lets
// IsInRange answer a "is this address JIT-generated code" query with a
// single arithmetic comparison instead of a map lookup. Nothing in this
// module calls IsInRange outside its tests.
//
// Available-commit is queried from the OS once per Allocator and then
// cached; every subsequent AvailableCommit call returns the cached value
// adjusted by this allocator's own commit/decommit bookkeeping. This mirrors the
// teacher's pattern of reading an atomic counter on the hot path and only
// falling back to a syscall-backed refresh on the cold path.
//
// # Concurrency model
//
// One Allocator-wide sync.RWMutex guards the pool map and each region's
// committed count; the allocator's total committed bytes are sync/atomic
// so AvailableCommit never blocks on that lock.
package memregion

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/oriys/corevm/internal/logging"
)

// ErrOutOfMemory is returned when a reserve or commit call cannot be
// satisfied by the OS.
var ErrOutOfMemory = errors.New("memregion: out of memory")

// PoolKind identifies one of the three memory pools a CoreContext owns.
type PoolKind int

const (
	PoolThreadGeneral PoolKind = iota
	PoolJITThunks
	PoolJITCode
)

func (k PoolKind) String() string {
	switch k {
	case PoolThreadGeneral:
		return "thread-general"
	case PoolJITThunks:
		return "jit-thunks"
	case PoolJITCode:
		return "jit-code"
	default:
		return "unknown"
	}
}

const pageSize = 4096

// region is one reserved, possibly-committed mmap range.
type region struct {
	base      uintptr
	data      []byte
	committed int64 // bytes currently committed within this region
}

// Allocator owns the three per-core memory pools and the cached
// available-commit figure.
type Allocator struct {
	mu    sync.RWMutex
	pools map[PoolKind]*region

	availableCommit  int64 // cached, refreshed lazily
	commitInitOnce   sync.Once
	totalCommitted   int64 // atomic
	idleDecommitStop chan struct{}
	idleDecommitDone chan struct{}
	decommitAfter    time.Duration
	shuttingDown     atomic.Bool
}

// Config tunes the allocator's reserved sizes, mirroring
// config.MemRegionConfig.
type Config struct {
	ThreadGeneralBytes int64
	JITThunksBytes     int64
	JITCodeBytes       int64
	DecommitIdleAfter  time.Duration
}

// DefaultConfig returns reasonable reserved sizes for a single CoreContext.
func DefaultConfig() Config {
	return Config{
		ThreadGeneralBytes: 64 << 20,
		JITThunksBytes:     16 << 20,
		JITCodeBytes:       176 << 20,
		DecommitIdleAfter:  60 * time.Second,
	}
}

// NewAllocator reserves (but does not commit) the three pools.
func NewAllocator(cfg Config) (*Allocator, error) {
	a := &Allocator{
		pools:         make(map[PoolKind]*region),
		decommitAfter: cfg.DecommitIdleAfter,
	}

	sizes := map[PoolKind]int64{
		PoolThreadGeneral: cfg.ThreadGeneralBytes,
		PoolJITThunks:     cfg.JITThunksBytes,
		PoolJITCode:       cfg.JITCodeBytes,
	}

	for kind, size := range sizes {
		r, err := reserve(size)
		if err != nil {
			a.releaseAll()
			return nil, fmt.Errorf("%w: reserve %s pool (%d bytes): %v", ErrOutOfMemory, kind, size, err)
		}
		a.pools[kind] = r
	}

	logging.Op().Info("memregion.reserved",
		"thread_general_bytes", cfg.ThreadGeneralBytes,
		"jit_thunks_bytes", cfg.JITThunksBytes,
		"jit_code_bytes", cfg.JITCodeBytes,
	)

	return a, nil
}

func reserve(size int64) (*region, error) {
	if size <= 0 {
		return &region{}, nil
	}
	aligned := alignUp(size, pageSize)
	data, err := unix.Mmap(-1, 0, int(aligned), unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, err
	}
	return &region{base: uintptr(unsafe.Pointer(&data[0])), data: data}, nil
}

// Commit marks n bytes of the given pool as committed (readable/writable),
// returning the out-of-memory error kind on failure.
func (a *Allocator) Commit(kind PoolKind, n int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	r, ok := a.pools[kind]
	if !ok || r.data == nil {
		return fmt.Errorf("%w: unknown or empty pool %s", ErrOutOfMemory, kind)
	}
	aligned := alignUp(n, pageSize)
	if r.committed+aligned > int64(len(r.data)) {
		return fmt.Errorf("%w: pool %s exhausted (committed %d, requested %d, capacity %d)",
			ErrOutOfMemory, kind, r.committed, aligned, len(r.data))
	}
	start := r.committed
	if err := unix.Mprotect(r.data[start:start+aligned], unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return fmt.Errorf("%w: mprotect commit pool %s: %v", ErrOutOfMemory, kind, err)
	}
	r.committed += aligned
	atomic.AddInt64(&a.totalCommitted, aligned)
	return nil
}

// Decommit returns n bytes at the tail of the pool to PROT_NONE, making
// them available for future commits without releasing the reservation.
func (a *Allocator) Decommit(kind PoolKind, n int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	r, ok := a.pools[kind]
	if !ok || r.data == nil {
		return nil
	}
	aligned := alignUp(n, pageSize)
	if aligned > r.committed {
		aligned = r.committed
	}
	if aligned == 0 {
		return nil
	}
	start := r.committed - aligned
	if err := unix.Mprotect(r.data[start:start+aligned], unix.PROT_NONE); err != nil {
		return fmt.Errorf("mprotect decommit pool %s: %w", kind, err)
	}
	r.committed -= aligned
	atomic.AddInt64(&a.totalCommitted, -aligned)
	return nil
}

// IsInRange reports whether addr falls within the JIT-code pool's
// reservation, an O(1) arithmetic test for recognizing JIT-generated
// addresses. Nothing in this module calls it outside its tests.
func (a *Allocator) IsInRange(addr uintptr) bool {
	a.mu.RLock()
	r, ok := a.pools[PoolJITCode]
	a.mu.RUnlock()
	if !ok || r.data == nil {
		return false
	}
	return addr >= r.base && addr < r.base+uintptr(len(r.data))
}

// Committed reports bytes currently committed within one pool, and whether
// that pool exists. Used by the expirable-object subsystem to compute the
// JIT-code-size ratio that triggers expirable-collection mode.
func (a *Allocator) Committed(kind PoolKind) (int64, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	r, ok := a.pools[kind]
	if !ok {
		return 0, false
	}
	return r.committed, true
}

// AvailableCommit reports bytes of commit headroom remaining across all
// pools. The OS-reported system total is read once per Allocator and cached;
// subsequent calls only account for this allocator's own commit activity.
func (a *Allocator) AvailableCommit() int64 {
	a.commitInitOnce.Do(func() {
		atomic.StoreInt64(&a.availableCommit, systemAvailableCommit())
	})
	used := atomic.LoadInt64(&a.totalCommitted)
	avail := atomic.LoadInt64(&a.availableCommit) - used
	if avail < 0 {
		return 0
	}
	return avail
}

// ShutdownIdleDecommit stops any background idle-decommit goroutine. The
// core calls this on tear-down so no decommit runs after the recycler that
// owns these pools has been destroyed.
func (a *Allocator) ShutdownIdleDecommit() {
	if !a.shuttingDown.CompareAndSwap(false, true) {
		return
	}
	if a.idleDecommitStop != nil {
		close(a.idleDecommitStop)
		<-a.idleDecommitDone
	}
}

// StartIdleDecommit launches a background goroutine that decommits unused
// tail pages of the thread-general pool after DecommitIdleAfter of
// inactivity, reported via touch().
func (a *Allocator) StartIdleDecommit(touch func() time.Time) {
	if a.decommitAfter <= 0 {
		return
	}
	a.idleDecommitStop = make(chan struct{})
	a.idleDecommitDone = make(chan struct{})

	go func() {
		defer close(a.idleDecommitDone)
		ticker := time.NewTicker(a.decommitAfter / 2)
		defer ticker.Stop()
		for {
			select {
			case <-a.idleDecommitStop:
				return
			case <-ticker.C:
				if a.shuttingDown.Load() {
					return
				}
				if time.Since(touch()) >= a.decommitAfter {
					a.mu.RLock()
					r := a.pools[PoolThreadGeneral]
					committed := int64(0)
					if r != nil {
						committed = r.committed
					}
					a.mu.RUnlock()
					if committed > 0 {
						if err := a.Decommit(PoolThreadGeneral, committed/4); err != nil {
							logging.Op().Warn("memregion.idle_decommit_failed", "error", err.Error())
						}
					}
				}
			}
		}
	}()
}

// releaseAll unmaps every reserved pool. Release calls it after
// ShutdownIdleDecommit; NewAllocator calls it to undo a partial reservation.
func (a *Allocator) releaseAll() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for kind, r := range a.pools {
		if r.data != nil {
			_ = unix.Munmap(r.data)
		}
		delete(a.pools, kind)
	}
}

// Release unmaps every reserved pool.
func (a *Allocator) Release() {
	a.ShutdownIdleDecommit()
	a.releaseAll()
}

func alignUp(n, align int64) int64 {
	if align <= 0 {
		return n
	}
	return (n + align - 1) / align * align
}

// systemAvailableCommit reads the kernel's free-memory figure once. On
// failure it falls back to a conservative default rather than reporting
// unlimited headroom.
func systemAvailableCommit() int64 {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 512 << 20
	}
	return int64(info.Freeram) * int64(info.Unit)
}
