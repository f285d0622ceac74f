// Package rangealloc sub-allocates byte (or element) ranges of one linear
// backing region.
//
// The free list is a doubly linked list of nodes kept in ascending offset
// order. Nodes live in an arena and link to each other by index, so
// splitting and coalescing never allocate once the arena has grown to its
// working size. Adjacent empty nodes are merged on every Deallocate.
//
// Each occupied node carries a handle produced by a Strategy. The strategy
// is how a range becomes a concrete resource (an acceleration structure
// bound to the bytes, or just the offset itself). The allocator is not safe
// for concurrent use.
package rangealloc

import (
	"errors"
	"fmt"
)

var (
	// ErrOutOfSpace is returned when no free range is large enough.
	ErrOutOfSpace = errors.New("rangealloc: out of space")

	// ErrUnknownHandle is returned by Deallocate for a handle the allocator
	// does not own.
	ErrUnknownHandle = errors.New("rangealloc: unknown handle")

	// ErrMisaligned is returned by AllocateAt for an offset that is not a
	// multiple of the alignment.
	ErrMisaligned = errors.New("rangealloc: misaligned offset")
)

// Strategy materializes and releases the resource bound to a range.
type Strategy[H comparable] interface {
	Create(offset, size uint64) (H, error)
	Destroy(h H)
}

// Offsets is a Strategy whose handle is the range offset itself.
type Offsets struct{}

// Create returns offset.
func (Offsets) Create(offset, _ uint64) (uint64, error) { return offset, nil }

// Destroy does nothing.
func (Offsets) Destroy(uint64) {}

// Range describes one node of the free list.
type Range struct {
	Offset uint64
	Size   uint64
	Used   bool
}

const nilNode = -1

type node[H comparable] struct {
	offset uint64
	size   uint64
	used   bool
	handle H
	prev   int32
	next   int32
}

// Allocator is a first-fit free-list allocator over [0, size).
type Allocator[H comparable] struct {
	nodes     []node[H]
	spare     []int32
	head      int32
	size      uint64
	alignment uint64
	used      uint64
	live      int
	strategy  Strategy[H]
}

// New creates an allocator over size units. Every allocation is rounded up
// to a multiple of alignment (1 if zero).
func New[H comparable](size, alignment uint64, strategy Strategy[H]) *Allocator[H] {
	if alignment == 0 {
		alignment = 1
	}
	a := &Allocator[H]{
		size:      size,
		alignment: alignment,
		strategy:  strategy,
	}
	a.head = a.newNode(node[H]{offset: 0, size: size, prev: nilNode, next: nilNode})
	return a
}

func (a *Allocator[H]) newNode(n node[H]) int32 {
	if k := len(a.spare); k > 0 {
		idx := a.spare[k-1]
		a.spare = a.spare[:k-1]
		a.nodes[idx] = n
		return idx
	}
	a.nodes = append(a.nodes, n)
	return int32(len(a.nodes) - 1)
}

func (a *Allocator[H]) releaseNode(idx int32) {
	a.nodes[idx] = node[H]{prev: nilNode, next: nilNode}
	a.spare = append(a.spare, idx)
}

// RoundUp returns size rounded up to the allocator alignment.
func (a *Allocator[H]) RoundUp(size uint64) uint64 {
	if size == 0 {
		size = 1
	}
	return (size + a.alignment - 1) / a.alignment * a.alignment
}

// Allocate reserves size units in the first free range that fits and
// returns the handle created for it together with its offset.
func (a *Allocator[H]) Allocate(size uint64) (H, uint64, error) {
	var zero H
	want := a.RoundUp(size)
	for i := a.head; i != nilNode; i = a.nodes[i].next {
		n := &a.nodes[i]
		if n.used || n.size < want {
			continue
		}
		h, err := a.occupy(i, want)
		if err != nil {
			return zero, 0, err
		}
		return h, a.nodes[i].offset, nil
	}
	return zero, 0, fmt.Errorf("%w: want %d, largest free %d", ErrOutOfSpace, want, a.Largest())
}

// AllocateAt reserves exactly [offset, offset+size) rounded to alignment.
// The whole range must currently be free.
func (a *Allocator[H]) AllocateAt(offset, size uint64) (H, error) {
	var zero H
	if offset%a.alignment != 0 {
		return zero, fmt.Errorf("%w: %d", ErrMisaligned, offset)
	}
	want := a.RoundUp(size)
	for i := a.head; i != nilNode; i = a.nodes[i].next {
		n := a.nodes[i]
		if n.offset > offset {
			break
		}
		if n.used || offset+want > n.offset+n.size {
			continue
		}
		if offset > n.offset {
			// Keep [n.offset, offset) as the empty front part.
			front := offset - n.offset
			idx := a.newNode(node[H]{offset: offset, size: n.size - front, prev: i, next: n.next})
			if n.next != nilNode {
				a.nodes[n.next].prev = idx
			}
			a.nodes[i].next = idx
			a.nodes[i].size = front
			i = idx
		}
		h, err := a.occupy(i, want)
		if err != nil {
			a.coalesce(i)
		}
		return h, err
	}
	return zero, fmt.Errorf("%w: range [%d, %d) is not free", ErrOutOfSpace, offset, offset+want)
}

// occupy marks node i used for want units, splitting off the remainder.
func (a *Allocator[H]) occupy(i int32, want uint64) (H, error) {
	n := a.nodes[i]
	h, err := a.strategy.Create(n.offset, want)
	if err != nil {
		var zero H
		return zero, err
	}
	if rest := n.size - want; rest > 0 {
		idx := a.newNode(node[H]{offset: n.offset + want, size: rest, prev: i, next: n.next})
		if n.next != nilNode {
			a.nodes[n.next].prev = idx
		}
		a.nodes[i].next = idx
	}
	a.nodes[i].size = want
	a.nodes[i].used = true
	a.nodes[i].handle = h
	a.used += want
	a.live++
	return h, nil
}

// Deallocate releases the range owning h and merges it with any empty
// neighbour.
func (a *Allocator[H]) Deallocate(h H) error {
	for i := a.head; i != nilNode; i = a.nodes[i].next {
		n := &a.nodes[i]
		if !n.used || n.handle != h {
			continue
		}
		a.strategy.Destroy(h)
		var zero H
		n.used = false
		n.handle = zero
		a.used -= n.size
		a.live--
		a.coalesce(i)
		return nil
	}
	return ErrUnknownHandle
}

func (a *Allocator[H]) coalesce(i int32) {
	if next := a.nodes[i].next; next != nilNode && !a.nodes[next].used {
		a.absorb(i, next)
	}
	if prev := a.nodes[i].prev; prev != nilNode && !a.nodes[prev].used {
		a.absorb(prev, i)
	}
}

// absorb merges node j into its predecessor i.
func (a *Allocator[H]) absorb(i, j int32) {
	a.nodes[i].size += a.nodes[j].size
	a.nodes[i].next = a.nodes[j].next
	if nn := a.nodes[j].next; nn != nilNode {
		a.nodes[nn].prev = i
	}
	a.releaseNode(j)
}

// Offset returns the offset of the range owning h.
func (a *Allocator[H]) Offset(h H) (uint64, bool) {
	for i := a.head; i != nilNode; i = a.nodes[i].next {
		if a.nodes[i].used && a.nodes[i].handle == h {
			return a.nodes[i].offset, true
		}
	}
	return 0, false
}

// Release destroys every live handle and returns the allocator to a single
// empty range.
func (a *Allocator[H]) Release() {
	for i := a.head; i != nilNode; i = a.nodes[i].next {
		if a.nodes[i].used {
			a.strategy.Destroy(a.nodes[i].handle)
		}
	}
	a.nodes = a.nodes[:0]
	a.spare = a.spare[:0]
	a.used = 0
	a.live = 0
	a.head = a.newNode(node[H]{offset: 0, size: a.size, prev: nilNode, next: nilNode})
}

// Ranges returns the free list in offset order.
func (a *Allocator[H]) Ranges() []Range {
	var out []Range
	for i := a.head; i != nilNode; i = a.nodes[i].next {
		n := a.nodes[i]
		out = append(out, Range{Offset: n.offset, Size: n.size, Used: n.used})
	}
	return out
}

// Largest returns the size of the largest free range.
func (a *Allocator[H]) Largest() uint64 {
	var best uint64
	for i := a.head; i != nilNode; i = a.nodes[i].next {
		if n := a.nodes[i]; !n.used && n.size > best {
			best = n.size
		}
	}
	return best
}

// Used returns the number of allocated units.
func (a *Allocator[H]) Used() uint64 { return a.used }

// Free returns the number of unallocated units.
func (a *Allocator[H]) Free() uint64 { return a.size - a.used }

// Size returns the size of the backing region.
func (a *Allocator[H]) Size() uint64 { return a.size }

// Live returns the number of live allocations.
func (a *Allocator[H]) Live() int { return a.live }
