package idalloc

import "testing"

func TestAllocateSmallestFree(t *testing.T) {
	a := New(4)
	for want := uint32(0); want < 4; want++ {
		got, ok := a.Allocate()
		if !ok || got != want {
			t.Fatalf("Allocate() = %d, %v; want %d, true", got, ok, want)
		}
	}

	a.Deallocate(2)
	a.Deallocate(1)
	if got, _ := a.Allocate(); got != 1 {
		t.Errorf("expected smallest free id 1, got %d", got)
	}
	if got, _ := a.Allocate(); got != 2 {
		t.Errorf("expected id 2, got %d", got)
	}
}

func TestExhaustionIsDeterministic(t *testing.T) {
	const capacity = 16
	a := New(capacity)
	seen := make(map[uint32]bool)
	for i := 0; i < capacity; i++ {
		id, ok := a.Allocate()
		if !ok {
			t.Fatalf("pool exhausted after %d allocations", i)
		}
		if seen[id] {
			t.Fatalf("id %d issued twice", id)
		}
		seen[id] = true
	}
	if id, ok := a.Allocate(); ok || id != None {
		t.Errorf("expected (None, false) from full pool, got (%d, %v)", id, ok)
	}
	if a.Len() != capacity {
		t.Errorf("expected Len %d, got %d", capacity, a.Len())
	}
}

func TestDoubleFreeIgnored(t *testing.T) {
	a := New(2)
	id, _ := a.Allocate()
	a.Deallocate(id)
	a.Deallocate(id)
	a.Deallocate(99)
	if a.Len() != 0 {
		t.Errorf("expected Len 0 after double free, got %d", a.Len())
	}
	first, _ := a.Allocate()
	second, _ := a.Allocate()
	if first == second {
		t.Errorf("double free let id %d be issued twice", first)
	}
}

func TestClaim(t *testing.T) {
	a := New(3)
	if !a.Claim(1) {
		t.Fatal("expected Claim(1) to succeed")
	}
	if a.Claim(1) {
		t.Error("expected second Claim(1) to fail")
	}
	if a.Claim(3) {
		t.Error("expected out-of-range Claim to fail")
	}
	if got, _ := a.Allocate(); got != 0 {
		t.Errorf("expected 0, got %d", got)
	}
	if got, _ := a.Allocate(); got != 2 {
		t.Errorf("expected claimed id to be skipped, got %d", got)
	}
	if !a.InUse(1) || a.InUse(5) {
		t.Error("InUse reported wrong state")
	}
}
