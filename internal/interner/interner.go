// Package interner assigns and looks up dense PropertyIds for property and
// symbol names, mirroring a JS engine's global property-name table.
//
// # Design rationale
//
// The hot path — looking up a single-character ASCII property name — goes
// through a 128-entry direct array, always populated, so the common
// property access never touches the hash map at all. Everything else goes
// through a sync.Map keyed by name, the same choice the teacher makes for
// its pool and function-pool-key tables (read-heavy, written rarely). The
// case-insensitive index is a second, lazily-built layer on top: it is
// only constructed once a caller first asks for a case-insensitive lookup,
// following the lazy-registry pattern demonstrated by the "global class
// registry" that normalizes keys with strings.ToLower under a single
// sync.RWMutex map.
//
// # Concurrency model
//
// Interning happens from a single CoreContext's own thread, so the primary
// tables need no locking beyond what sync.Map already gives for read/write
// races with the rare case-insensitive-index rebuild; the case-insensitive
// index itself is guarded by its own sync.RWMutex since it is rebuilt in
// place rather than replaced wholesale.
package interner

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/oriys/corevm/internal/metrics"
)

// PropertyId is a dense, process-local identifier for an interned name.
type PropertyId uint32

// InternalIDCount reserves the low end of the PropertyId space for
// well-known internal properties (e.g. @@iterator-style built-ins), so
// user-assigned ids start immediately above it.
const InternalIDCount = 256

// PropertyRecord is the interned representation of one property or symbol
// name.
type PropertyRecord struct {
	Id        PropertyId
	Name      string
	IsSymbol  bool
	IsNumeric bool
	NumericValue uint32
	bound     bool // arena-allocated, never reclaimed by the recycler
}

// Interner owns the PropertyId assignment and lookup tables for one
// CoreContext.
type Interner struct {
	mu        sync.Mutex // guards nextId and the by-id slice growth
	byId      []*PropertyRecord
	byName    sync.Map // string -> *PropertyRecord
	direct    [128]*PropertyRecord
	nextId    uint32

	symbolMu sync.Mutex
	symbols  map[string]*PropertyRecord // registered symbol key -> record, distinct from byName

	ciMu     sync.RWMutex
	ciIndex  map[string][]*PropertyRecord // case-normalized key -> records sharing it
	ciBuilt  atomic.Bool
}

// New creates an Interner with the internal-id range pre-reserved and every
// single-character ASCII name already bound in the direct-lookup array.
func New() *Interner {
	i := &Interner{
		byId:    make([]*PropertyRecord, InternalIDCount),
		nextId:  InternalIDCount,
		symbols: make(map[string]*PropertyRecord),
	}
	for b := 0; b < 128; b++ {
		name := string(rune(b))
		rec := &PropertyRecord{Id: PropertyId(i.nextId), Name: name, bound: true}
		i.nextId++
		i.byId = append(i.byId, rec)
		i.byName.Store(name, rec)
		i.direct[b] = rec
	}
	return i
}

// Find looks up an already-interned property record by name, returning nil
// if it has not been interned. A single-character ASCII name always goes
// through the direct array.
func (in *Interner) Find(name string) *PropertyRecord {
	if len(name) == 1 && name[0] < 128 {
		return in.direct[name[0]]
	}
	if v, ok := in.byName.Load(name); ok {
		return v.(*PropertyRecord)
	}
	return nil
}

// GetOrAdd returns the PropertyRecord for name, creating one if this is the
// first time it has been seen. bind requests an arena (never-reclaimed)
// allocation; symbol marks this as a Symbol registration, which never
// collides with the textual name-keyed lookup.
func (in *Interner) GetOrAdd(name string, bind bool, symbol bool) *PropertyRecord {
	if symbol {
		return in.getOrAddSymbol(name, bind)
	}

	if len(name) == 1 && name[0] < 128 {
		metrics.RecordInternerLookup("direct")
		return in.direct[name[0]]
	}

	if v, ok := in.byName.Load(name); ok {
		metrics.RecordInternerLookup("hit")
		return v.(*PropertyRecord)
	}

	in.mu.Lock()
	defer in.mu.Unlock()
	// Re-check under the lock: another goroutine may have raced us.
	if v, ok := in.byName.Load(name); ok {
		metrics.RecordInternerLookup("hit")
		return v.(*PropertyRecord)
	}

	rec := &PropertyRecord{
		Id:   PropertyId(in.nextId),
		Name: name,
		bound: bind,
	}
	if num, ok := parseCanonicalNumeric(name); ok {
		rec.IsNumeric = true
		rec.NumericValue = num
	}
	in.nextId++
	in.byId = append(in.byId, rec)
	in.byName.Store(name, rec)
	if in.ciBuilt.Load() {
		key := strings.ToLower(name)
		in.ciMu.Lock()
		in.ciIndex[key] = append(in.ciIndex[key], rec)
		in.ciMu.Unlock()
	}

	metrics.RecordInternerLookup("miss")
	metrics.SetInternerSize(len(in.byId))
	return rec
}

func (in *Interner) getOrAddSymbol(key string, bind bool) *PropertyRecord {
	in.symbolMu.Lock()
	defer in.symbolMu.Unlock()

	if rec, ok := in.symbols[key]; ok {
		return rec
	}

	in.mu.Lock()
	rec := &PropertyRecord{
		Id:       PropertyId(in.nextId),
		Name:     key,
		IsSymbol: true,
		bound:    bind,
	}
	in.nextId++
	in.byId = append(in.byId, rec)
	in.mu.Unlock()

	in.symbols[key] = rec
	metrics.SetInternerSize(len(in.byId))
	return rec
}

// ByID returns the PropertyRecord assigned to id, or nil if id is out of
// range. This is an O(1) slice index.
func (in *Interner) ByID(id PropertyId) *PropertyRecord {
	in.mu.Lock()
	defer in.mu.Unlock()
	if int(id) < 0 || int(id) >= len(in.byId) {
		return nil
	}
	return in.byId[int(id)]
}

// MaxID returns count + InternalIDCount, the current upper bound on
// assigned PropertyIds.
func (in *Interner) MaxID() PropertyId {
	in.mu.Lock()
	defer in.mu.Unlock()
	return PropertyId(len(in.byId))
}

// Invalidate removes a recycler-tracked record from the lookup tables. It
// is a no-op for bound (arena) records, which are never reclaimed.
func (in *Interner) Invalidate(rec *PropertyRecord) {
	if rec == nil || rec.bound {
		return
	}
	if rec.IsSymbol {
		in.symbolMu.Lock()
		delete(in.symbols, rec.Name)
		in.symbolMu.Unlock()
	} else {
		in.byName.Delete(rec.Name)
	}
	if in.ciBuilt.Load() {
		in.ciMu.Lock()
		key := strings.ToLower(rec.Name)
		bucket := in.ciIndex[key]
		for idx, r := range bucket {
			if r == rec {
				in.ciIndex[key] = append(bucket[:idx], bucket[idx+1:]...)
				break
			}
		}
		in.ciMu.Unlock()
	}
}

// FindCaseInsensitive returns every interned record whose name matches name
// under case folding. The case-insensitive index is built lazily on first
// use and kept current by Invalidate and by GetOrAdd.
func (in *Interner) FindCaseInsensitive(name string) []*PropertyRecord {
	in.ensureCaseInsensitiveIndex()
	key := strings.ToLower(name)
	in.ciMu.RLock()
	defer in.ciMu.RUnlock()
	bucket := in.ciIndex[key]
	out := make([]*PropertyRecord, len(bucket))
	copy(out, bucket)
	return out
}

func (in *Interner) ensureCaseInsensitiveIndex() {
	if in.ciBuilt.Load() {
		return
	}
	in.ciMu.Lock()
	defer in.ciMu.Unlock()
	if in.ciBuilt.Load() {
		return
	}
	in.ciIndex = make(map[string][]*PropertyRecord)
	in.byName.Range(func(k, v any) bool {
		rec := v.(*PropertyRecord)
		key := strings.ToLower(rec.Name)
		in.ciIndex[key] = append(in.ciIndex[key], rec)
		return true
	})
	in.ciBuilt.Store(true)
}

// parseCanonicalNumeric reports whether name is a canonical non-negative
// integer of at most 10 digits whose value fits in a uint32 (larger
// 10-digit values are not numeric) and has no redundant leading zero,
// matching the array-index fast path a JS engine gives numeric property
// names.
func parseCanonicalNumeric(name string) (uint32, bool) {
	if len(name) == 0 || len(name) > 10 {
		return 0, false
	}
	if name[0] == '0' && len(name) > 1 {
		return 0, false
	}
	for _, c := range name {
		if c < '0' || c > '9' {
			return 0, false
		}
	}
	n, err := strconv.ParseUint(name, 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(n), true
}

func (r *PropertyRecord) String() string {
	if r.IsSymbol {
		return fmt.Sprintf("Symbol(%s)#%d", r.Name, r.Id)
	}
	return fmt.Sprintf("%s#%d", r.Name, r.Id)
}
