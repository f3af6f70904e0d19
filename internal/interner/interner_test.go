package interner

import "testing"

func TestDirectASCIICacheAlwaysBound(t *testing.T) {
	in := New()
	rec := in.Find("a")
	if rec == nil {
		t.Fatalf("expected single-char ASCII name to always be bound")
	}
	if rec.Name != "a" {
		t.Fatalf("expected name 'a', got %q", rec.Name)
	}
}

func TestGetOrAddIsIdempotent(t *testing.T) {
	in := New()
	r1 := in.GetOrAdd("length", false, false)
	r2 := in.GetOrAdd("length", false, false)
	if r1 != r2 {
		t.Fatalf("expected GetOrAdd to return the same record on repeat calls")
	}
	if in.Find("length") != r1 {
		t.Fatalf("expected Find to return the interned record")
	}
}

func TestByIDRoundTrip(t *testing.T) {
	in := New()
	rec := in.GetOrAdd("toString", false, false)
	got := in.ByID(rec.Id)
	if got != rec {
		t.Fatalf("expected ByID(%d) to return the interned record", rec.Id)
	}
}

func TestSymbolsDoNotCollideWithTextualNames(t *testing.T) {
	in := New()
	textual := in.GetOrAdd("iterator", false, false)
	symbol := in.GetOrAdd("iterator", false, true)

	if textual == symbol {
		t.Fatalf("expected a symbol registration to be distinct from the textual property of the same name")
	}
	if in.Find("iterator") != textual {
		t.Fatalf("Find by name must never resolve to a symbol registration")
	}
}

func TestNumericPropertyNamesAreFlagged(t *testing.T) {
	in := New()
	rec := in.GetOrAdd("42", false, false)
	if !rec.IsNumeric || rec.NumericValue != 42 {
		t.Fatalf("expected '42' to be flagged numeric with value 42, got numeric=%v value=%d", rec.IsNumeric, rec.NumericValue)
	}

	leadingZero := in.GetOrAdd("042", false, false)
	if leadingZero.IsNumeric {
		t.Fatalf("expected '042' (non-canonical, leading zero) to not be flagged numeric")
	}
}

func TestMaxIDGrowsWithEachNewRecord(t *testing.T) {
	in := New()
	before := in.MaxID()
	in.GetOrAdd("brandNewProperty", false, false)
	after := in.MaxID()
	if after != before+1 {
		t.Fatalf("expected MaxID to grow by 1 after interning a new name, before=%d after=%d", before, after)
	}
}

func TestInvalidateRemovesUnboundRecord(t *testing.T) {
	in := New()
	rec := in.GetOrAdd("temporary", false, false)
	in.Invalidate(rec)
	if in.Find("temporary") != nil {
		t.Fatalf("expected invalidated record to no longer be findable by name")
	}
}

func TestInvalidateIsNoOpForBoundRecords(t *testing.T) {
	in := New()
	rec := in.Find("a")
	in.Invalidate(rec)
	if in.Find("a") != rec {
		t.Fatalf("expected bound (arena) records to survive Invalidate")
	}
}

func TestFindCaseInsensitiveGroupsSharedKey(t *testing.T) {
	in := New()
	a := in.GetOrAdd("Name", false, false)
	b := in.GetOrAdd("NAME", false, false)
	c := in.GetOrAdd("name", false, false)

	matches := in.FindCaseInsensitive("name")
	if len(matches) != 3 {
		t.Fatalf("expected 3 case-insensitive matches for 'name', got %d", len(matches))
	}
	seen := map[*PropertyRecord]bool{}
	for _, m := range matches {
		seen[m] = true
	}
	for _, rec := range []*PropertyRecord{a, b, c} {
		if !seen[rec] {
			t.Fatalf("expected case-insensitive lookup to include record %v", rec)
		}
	}
}
