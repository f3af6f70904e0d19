package corectx

import (
	"sync"

	"github.com/oriys/corevm/internal/interner"
)

// realmState tracks a Realm's two-phase teardown: "mark for close" sets the
// state to realmClosing, then "pending-close flush" — run at the next
// ExitScript that observes call-root-depth 0 or is given doCleanup —
// unlinks it from the core and sets realmClosed. EnterScript does not
// consult the state, and the flush does not clear the realm's caches.
type realmState int

const (
	realmActive realmState = iota
	realmClosing
	realmClosed
)

// builtinLibrary is a realm's set of global builtins, keyed by name.
// Lookup matches names exactly; it is case-sensitive.
type builtinLibrary struct {
	mu      sync.RWMutex
	globals map[string]any
}

func newBuiltinLibrary() *builtinLibrary {
	return &builtinLibrary{globals: make(map[string]any)}
}

func (b *builtinLibrary) Define(name string, value any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.globals[name] = value
}

func (b *builtinLibrary) Lookup(name string) (any, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.globals[name]
	return v, ok
}

// Realm is an attached script-execution domain: its own builtin library and
// its own inline-cache arenas, tracked in the owning CoreContext's
// doubly-linked list.
type Realm struct {
	id string

	core  *CoreContext
	prev  *Realm
	next  *Realm
	state realmState

	builtins *builtinLibrary

	// icacheArenaTag is set to the realm id at creation and is not read
	// anywhere. Closing a realm invalidates none of the caches in the
	// core's shared icache.Registry, which are keyed by PropertyId.
	icacheArenaTag string

	// protoRecords caches PropertyRecords this realm's global prototype
	// chain has bound, so clearPerRealmCaches can drop exactly this
	// realm's cached shape lookups without touching the shared interner.
	protoMu      sync.Mutex
	protoRecords map[interner.PropertyId]bool
}

// CreateRealm attaches a new Realm to c, linking it at the head of the
// core's realm list.
func (c *CoreContext) CreateRealm(id string) *Realm {
	r := &Realm{
		id:             id,
		core:           c,
		builtins:       newBuiltinLibrary(),
		icacheArenaTag: id,
		protoRecords:   make(map[interner.PropertyId]bool),
	}

	c.realmsMu.Lock()
	defer c.realmsMu.Unlock()
	r.next = c.realmHead
	if c.realmHead != nil {
		c.realmHead.prev = r
	}
	c.realmHead = r
	c.realmCount++
	return r
}

// ID returns the realm's identifier.
func (r *Realm) ID() string { return r.id }

// Builtins returns this realm's global builtin library.
func (r *Realm) Builtins() *builtinLibrary { return r.builtins }

// MarkForClose begins two-phase teardown by setting the realm's state to
// closing. The realm stays linked until the owning CoreContext next flushes
// pending closes (see flushPendingCloseRealms); EnterScript does not check
// this state, so activations in the realm are still accepted meanwhile.
func (r *Realm) MarkForClose() {
	r.state = realmClosing
}

// flushPendingCloseRealms unlinks every realm marked for close, called by
// ExitScript's cleanup path.
func (c *CoreContext) flushPendingCloseRealms() {
	c.realmsMu.Lock()
	defer c.realmsMu.Unlock()

	r := c.realmHead
	for r != nil {
		next := r.next
		if r.state == realmClosing {
			c.unlinkRealmLocked(r)
			r.state = realmClosed
		}
		r = next
	}
}

func (c *CoreContext) unlinkRealmLocked(r *Realm) {
	if r.prev != nil {
		r.prev.next = r.next
	} else if c.realmHead == r {
		c.realmHead = r.next
	}
	if r.next != nil {
		r.next.prev = r.prev
	}
	r.prev, r.next = nil, nil
	c.realmCount--
}

// clearPerRealmCaches drops this realm's cached property-shape lookups at
// pre-collect, per spec.md §4.2's phase-1 contract. It does not touch the
// shared interner or the core's icache.Registry, which invalidate
// independently by PropertyId.
func (r *Realm) clearPerRealmCaches() {
	r.protoMu.Lock()
	defer r.protoMu.Unlock()
	for id := range r.protoRecords {
		delete(r.protoRecords, id)
	}
}

// RecordShapeLookup marks id as cached by this realm's prototype chain, so
// a later clearPerRealmCaches knows to drop it.
func (r *Realm) RecordShapeLookup(id interner.PropertyId) {
	r.protoMu.Lock()
	defer r.protoMu.Unlock()
	r.protoRecords[id] = true
}

// RealmCount returns the number of realms currently attached (including
// ones marked for close but not yet flushed).
func (c *CoreContext) RealmCount() int {
	c.realmsMu.Lock()
	defer c.realmsMu.Unlock()
	return c.realmCount
}
