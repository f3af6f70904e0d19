package corectx

import (
	"testing"

	"github.com/oriys/corevm/internal/config"
	"github.com/oriys/corevm/internal/interner"
)

func newTestCoreContext(t *testing.T) *CoreContext {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.BackgroundJIT = false
	c, err := CreateCoreContext(cfg, "", nil)
	if err != nil {
		t.Fatalf("CreateCoreContext: %v", err)
	}
	t.Cleanup(func() { DestroyCoreContext(c) })
	return c
}

func TestCreateRealmLinksAtHead(t *testing.T) {
	c := newTestCoreContext(t)

	r1 := c.CreateRealm("r1")
	if c.RealmCount() != 1 {
		t.Fatalf("expected 1 realm, got %d", c.RealmCount())
	}
	r2 := c.CreateRealm("r2")
	if c.RealmCount() != 2 {
		t.Fatalf("expected 2 realms, got %d", c.RealmCount())
	}
	if c.realmHead != r2 {
		t.Fatalf("expected newest realm at head")
	}
	if r2.next != r1 {
		t.Fatalf("expected r2.next to be r1")
	}
	if r1.prev != r2 {
		t.Fatalf("expected r1.prev to be r2")
	}
}

func TestBuiltinLibraryDefineAndLookup(t *testing.T) {
	c := newTestCoreContext(t)
	r := c.CreateRealm("r1")

	r.Builtins().Define("Array", "builtin-array")
	v, ok := r.Builtins().Lookup("Array")
	if !ok || v != "builtin-array" {
		t.Fatalf("expected lookup to find defined builtin, got %v, %v", v, ok)
	}

	if _, ok := r.Builtins().Lookup("Nope"); ok {
		t.Fatalf("expected lookup of undefined builtin to fail")
	}
}

func TestMarkForCloseDoesNotUnlinkUntilFlush(t *testing.T) {
	c := newTestCoreContext(t)
	r := c.CreateRealm("r1")
	r.MarkForClose()

	if c.RealmCount() != 1 {
		t.Fatalf("expected realm to remain linked until flush, count=%d", c.RealmCount())
	}

	c.flushPendingCloseRealms()
	if c.RealmCount() != 0 {
		t.Fatalf("expected realm to be unlinked after flush, count=%d", c.RealmCount())
	}
}

func TestFlushPendingCloseRealmsLeavesActiveRealmsLinked(t *testing.T) {
	c := newTestCoreContext(t)
	active := c.CreateRealm("active")
	closing := c.CreateRealm("closing")
	closing.MarkForClose()

	c.flushPendingCloseRealms()

	if c.RealmCount() != 1 {
		t.Fatalf("expected exactly 1 realm to remain, got %d", c.RealmCount())
	}
	if c.realmHead != active {
		t.Fatalf("expected the active realm to remain head")
	}
}

func TestClearPerRealmCachesDropsRecordedShapes(t *testing.T) {
	c := newTestCoreContext(t)
	r := c.CreateRealm("r1")

	r.RecordShapeLookup(interner.PropertyId(1))
	r.RecordShapeLookup(interner.PropertyId(2))
	if len(r.protoRecords) != 2 {
		t.Fatalf("expected 2 recorded shapes, got %d", len(r.protoRecords))
	}

	r.clearPerRealmCaches()
	if len(r.protoRecords) != 0 {
		t.Fatalf("expected clearPerRealmCaches to drop all entries, got %d", len(r.protoRecords))
	}
}

func TestUnlinkRealmFromMiddleOfList(t *testing.T) {
	c := newTestCoreContext(t)
	a := c.CreateRealm("a")
	b := c.CreateRealm("b")
	d := c.CreateRealm("d")
	_ = a

	b.MarkForClose()
	c.flushPendingCloseRealms()

	if c.realmHead != d {
		t.Fatalf("expected head to remain d")
	}
	if d.next != a {
		t.Fatalf("expected d.next to skip over removed middle realm b, got %v", d.next)
	}
	if a.prev != d {
		t.Fatalf("expected a.prev to point back to d after unlink")
	}
}
