package session

import "testing"

func TestDedupWindow_RejectsRepeat(t *testing.T) {
	d := NewDedupWindow(3)
	if !d.Admit("a") {
		t.Fatal("expected first admit of a to succeed")
	}
	if d.Admit("a") {
		t.Fatal("expected repeat admit of a to fail")
	}
	if !d.Admit("b") {
		t.Fatal("expected first admit of b to succeed")
	}
}

func TestDedupWindow_EmptyIDBypasses(t *testing.T) {
	d := NewDedupWindow(3)
	if !d.Admit("") {
		t.Fatal("expected empty id to always admit")
	}
	if !d.Admit("") {
		t.Fatal("expected empty id to always admit, even repeated")
	}
}

func TestDedupWindow_FIFOEviction(t *testing.T) {
	d := NewDedupWindow(2)
	d.Admit("a")
	d.Admit("b")

	if d.Admit("b") {
		t.Fatal("expected b to still be rejected before any eviction")
	}

	d.Admit("c") // window is now [b, c]; "a" evicted

	if !d.Admit("a") {
		t.Fatal("expected a to be re-admittable after eviction")
	}
	// admitting "a" again evicted "b" (window is now [c, a])
	if !d.Admit("b") {
		t.Fatal("expected b to be re-admittable once evicted in turn")
	}
	// admitting "b" again evicted "c" (window is now [a, b])
	if d.Admit("a") {
		t.Fatal("expected a to still be rejected, not yet evicted")
	}
}
