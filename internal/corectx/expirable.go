package corectx

import "sync"

// ExpirableObject is anything the core can reclaim once it falls outside
// the current expirable-collection window and nothing on the stack marked
// it used — a JIT entry point is the canonical example.
type ExpirableObject interface {
	// ID is a stable, comparable handle the stack walker can mark as used.
	ID() uintptr
	// Expire releases whatever native resources this object holds (e.g.
	// the generated code page it points into).
	Expire()
}

// expirableEntry pairs a registered object with the GC count it was
// registered at, per original_source/ThreadContext.cpp's "own registration
// GC count" bookkeeping: an object registered mid-window doesn't get
// swept out until a full window has elapsed from ITS registration, not
// from whenever the window itself opened.
type expirableEntry struct {
	obj          ExpirableObject
	registeredAt int64
	usedThisGC   bool
}

// expirableRoster tracks objects eligible for expirable collection: once
// the JIT-code pool's committed ratio crosses the configured trigger, the
// core opens a window spanning windowGCs GC cycles, and any tracked object
// not marked "used" by the time its own window closes is expired.
type expirableRoster struct {
	mu sync.Mutex

	triggerRatio float64
	windowGCs    int64

	inWindow     bool
	windowOpened int64

	entries map[uintptr]*expirableEntry
}

func newExpirableRoster(triggerRatio float64, windowGCs int) *expirableRoster {
	return &expirableRoster{
		triggerRatio: triggerRatio,
		windowGCs:    int64(windowGCs),
		entries:      make(map[uintptr]*expirableEntry),
	}
}

// Register adds obj to the roster at the current GC count. If a window is
// already open, obj is still tracked from its own registration point rather
// than retroactively applying to the in-progress window.
func (er *expirableRoster) Register(obj ExpirableObject, gcCount int64) {
	er.mu.Lock()
	defer er.mu.Unlock()
	er.entries[obj.ID()] = &expirableEntry{obj: obj, registeredAt: gcCount}
}

// Unregister drops obj from the roster, e.g. when its owning realm closes.
func (er *expirableRoster) Unregister(id uintptr) {
	er.mu.Lock()
	defer er.mu.Unlock()
	delete(er.entries, id)
}

// shouldEnterExpirableMode reports whether the JIT-code-size ratio has
// crossed the configured trigger and no window is currently open.
func (er *expirableRoster) shouldEnterExpirableMode(ratio float64) bool {
	er.mu.Lock()
	defer er.mu.Unlock()
	return !er.inWindow && er.triggerRatio > 0 && ratio >= er.triggerRatio
}

// enterWindow opens a new collection window at the given GC count.
func (er *expirableRoster) enterWindow(gcCount int64) {
	er.mu.Lock()
	defer er.mu.Unlock()
	if er.inWindow {
		return
	}
	er.inWindow = true
	er.windowOpened = gcCount
	for _, e := range er.entries {
		e.usedThisGC = false
	}
}

// markUsed records that id was reachable from the live stack during the
// current window's walk.
func (er *expirableRoster) markUsed(id uintptr) {
	er.mu.Lock()
	defer er.mu.Unlock()
	if e, ok := er.entries[id]; ok {
		e.usedThisGC = true
	}
}

// endWindowIfDue walks the stack via walkFn (which calls back into markUsed
// for every entry point it finds live) once windowGCs collections have run
// since the window opened, then expires every candidate not marked used and
// closes the window. Only entries registered at or before the window's
// opening GC are candidates, so each expired entry has seen at least
// windowGCs collections since its own registration.
func (er *expirableRoster) endWindowIfDue(gcCount int64, walkFn func(mark func(id uintptr))) {
	er.mu.Lock()
	if !er.inWindow {
		er.mu.Unlock()
		return
	}
	due := er.windowGCs <= 0 || gcCount-er.windowOpened >= er.windowGCs
	er.mu.Unlock()
	if !due {
		return
	}

	if walkFn != nil {
		walkFn(er.markUsed)
	}

	er.mu.Lock()
	defer er.mu.Unlock()
	for id, e := range er.entries {
		// Only expire entries whose own registration predates this
		// window's opening; anything registered mid-window gets a full
		// window of its own before it's a candidate.
		if e.registeredAt > er.windowOpened {
			continue
		}
		if !e.usedThisGC {
			e.obj.Expire()
			delete(er.entries, id)
		}
	}
	er.inWindow = false
}

// Len reports how many objects the roster is currently tracking.
func (er *expirableRoster) Len() int {
	er.mu.Lock()
	defer er.mu.Unlock()
	return len(er.entries)
}
