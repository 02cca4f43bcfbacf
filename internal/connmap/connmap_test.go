package connmap

import "testing"

func TestInsertLookupErase(t *testing.T) {
	tbl := New()
	key := ComKey{SK: 10, UK: 1}
	sub := &SubConnection{FD: 10, UK: 1, PfdIndex: 2, Pending: true}
	tbl.Insert(key, sub)

	got, ok := tbl.Lookup(key)
	if !ok || got != sub {
		t.Fatalf("Lookup failed")
	}

	got2, ok := tbl.LookupBySK(10)
	if !ok || got2 != sub {
		t.Fatalf("LookupBySK failed")
	}

	if tbl.Len() != 1 {
		t.Fatalf("expected len 1, got %d", tbl.Len())
	}

	removed := tbl.Erase(key)
	if removed != sub {
		t.Fatalf("Erase returned wrong entry")
	}
	if tbl.Len() != 0 {
		t.Fatalf("expected len 0 after erase, got %d", tbl.Len())
	}
}

func TestDoubleEraseIsNoop(t *testing.T) {
	tbl := New()
	key := ComKey{SK: 5, UK: 1}
	if got := tbl.Erase(key); got != nil {
		t.Fatalf("expected nil on erase of unknown key, got %v", got)
	}
	tbl.Insert(key, &SubConnection{FD: 5, UK: 1})
	tbl.Erase(key)
	if got := tbl.Erase(key); got != nil {
		t.Fatalf("second erase should be a no-op, got %v", got)
	}
}

func TestEraseBySK(t *testing.T) {
	tbl := New()
	key := ComKey{SK: 7, UK: 3}
	sub := &SubConnection{FD: 7, UK: 3}
	tbl.Insert(key, sub)

	removed := tbl.EraseBySK(7)
	if removed != sub {
		t.Fatalf("EraseBySK returned wrong entry")
	}
	if _, ok := tbl.Lookup(key); ok {
		t.Fatalf("expected key gone after EraseBySK")
	}
}

func TestReset(t *testing.T) {
	tbl := New()
	tbl.Insert(ComKey{SK: 1, UK: 1}, &SubConnection{FD: 1, UK: 1})
	tbl.Insert(ComKey{SK: 2, UK: 1}, &SubConnection{FD: 2, UK: 1})
	tbl.Reset()
	if tbl.Len() != 0 {
		t.Fatalf("expected empty table after Reset")
	}
}
