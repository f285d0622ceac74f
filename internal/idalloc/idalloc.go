// Package idalloc hands out small integer identities for scene instances
// from a fixed-capacity pool.
//
// The pool is a byte per slot. A free slot holds the all-ones pattern so a
// stray Deallocate of an already free id is detected and ignored instead of
// corrupting the pool. Access is single-threaded (the pipeline worker).
package idalloc

const (
	// None is returned when the pool is exhausted.
	None = ^uint32(0)

	free  byte = 0xFF
	taken byte = 0x00
)

// Allocator issues the smallest currently-free identity.
type Allocator struct {
	slots []byte
	used  int
}

// New creates an allocator with ids [0, capacity).
func New(capacity uint32) *Allocator {
	a := &Allocator{slots: make([]byte, capacity)}
	for i := range a.slots {
		a.slots[i] = free
	}
	return a
}

// Allocate returns the smallest free id, or (None, false) if the pool is full.
func (a *Allocator) Allocate() (uint32, bool) {
	for i, s := range a.slots {
		if s == free {
			a.slots[i] = taken
			a.used++
			return uint32(i), true
		}
	}
	return None, false
}

// Claim reserves a specific id. It reports false if the id is out of range
// or already held.
func (a *Allocator) Claim(id uint32) bool {
	if int64(id) >= int64(len(a.slots)) || a.slots[id] != free {
		return false
	}
	a.slots[id] = taken
	a.used++
	return true
}

// Deallocate returns id to the pool. Out-of-range ids and double frees are
// ignored.
func (a *Allocator) Deallocate(id uint32) {
	if int64(id) >= int64(len(a.slots)) || a.slots[id] == free {
		return
	}
	a.slots[id] = free
	a.used--
}

// InUse reports whether id is currently held.
func (a *Allocator) InUse(id uint32) bool {
	return int64(id) < int64(len(a.slots)) && a.slots[id] != free
}

// Len returns the number of held ids.
func (a *Allocator) Len() int { return a.used }

// Cap returns the pool capacity.
func (a *Allocator) Cap() int { return len(a.slots) }

// Reset frees every id.
func (a *Allocator) Reset() {
	for i := range a.slots {
		a.slots[i] = free
	}
	a.used = 0
}
