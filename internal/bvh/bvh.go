// Package bvh builds and refits bounding volume hierarchies over AABBs on
// the CPU. The backends use it to materialize bottom- and top-level
// acceleration structures.
package bvh

import (
	"encoding/binary"
	"errors"
	"fmt"
	"slices"

	"github.com/Faultbox/accelpipe/internal/backend"
	"github.com/Faultbox/accelpipe/pkg/math"
)

// NodeSize is the encoded size of one node in bytes.
const NodeSize = 32

// DefaultLeafSize is the largest primitive count kept in one leaf.
const DefaultLeafSize = 4

// ErrShortBuffer is returned when a tree does not fit its destination.
var ErrShortBuffer = errors.New("bvh: buffer too small")

// Node is one tree node. For a leaf Count > 0 and the node covers
// Indices[Start : Start+Count]. For an interior node Count == 0 and the
// children are Nodes[Start] and Nodes[Start+1].
type Node struct {
	Bounds math.AABB
	Start  uint32
	Count  uint32
}

// Leaf reports whether n is a leaf.
func (n Node) Leaf() bool { return n.Count > 0 }

// Tree is a flattened hierarchy. Children always come after their parent.
type Tree struct {
	Nodes   []Node
	Indices []uint32
}

// MaxNodes returns the node count upper bound for n primitives.
func MaxNodes(n uint32) uint32 {
	if n <= 1 {
		return 1
	}
	return 2*n - 1
}

// EncodedSize returns the byte size needed to encode a tree over n
// primitives.
func EncodedSize(n uint32) uint64 {
	return uint64(MaxNodes(n))*NodeSize + uint64(n)*4 + 8
}

type item struct {
	index  uint32
	bounds math.AABB
	center math.Vec3
}

// Build constructs a tree over boxes using median splits on the longest
// centroid axis.
func Build(boxes []math.AABB, leafSize int) *Tree {
	if leafSize < 1 {
		leafSize = DefaultLeafSize
	}
	items := make([]item, len(boxes))
	for i, b := range boxes {
		items[i] = item{index: uint32(i), bounds: b, center: b.Center()}
	}

	t := &Tree{
		Nodes:   make([]Node, 1, MaxNodes(uint32(len(boxes)))),
		Indices: make([]uint32, 0, len(boxes)),
	}
	if len(items) == 0 {
		t.Nodes[0] = Node{Bounds: math.EmptyAABB()}
		return t
	}
	t.split(0, items, leafSize)
	return t
}

func (t *Tree) split(at int, items []item, leafSize int) {
	bounds := math.EmptyAABB()
	centers := math.EmptyAABB()
	for _, it := range items {
		bounds = bounds.Union(it.bounds)
		centers = centers.Union(math.AABB{Min: it.center, Max: it.center})
	}

	if len(items) <= leafSize {
		t.Nodes[at] = Node{Bounds: bounds, Start: uint32(len(t.Indices)), Count: uint32(len(items))}
		for _, it := range items {
			t.Indices = append(t.Indices, it.index)
		}
		return
	}

	axis := centers.LongestAxis()
	slices.SortFunc(items, func(a, b item) int {
		ca, cb := a.center.Axis(axis), b.center.Axis(axis)
		switch {
		case ca < cb:
			return -1
		case ca > cb:
			return 1
		default:
			return int(a.index) - int(b.index)
		}
	})
	mid := len(items) / 2

	left := len(t.Nodes)
	t.Nodes = append(t.Nodes, Node{}, Node{})
	t.Nodes[at] = Node{Bounds: bounds, Start: uint32(left)}
	t.split(left, items[:mid], leafSize)
	t.split(left+1, items[mid:], leafSize)
}

// Refit recomputes every node's bounds from boxes without changing the
// topology. boxes must be indexed like the boxes the tree was built from.
func (t *Tree) Refit(boxes []math.AABB) error {
	for _, idx := range t.Indices {
		if int(idx) >= len(boxes) {
			return fmt.Errorf("bvh: refit with %d boxes, tree indexes %d", len(boxes), idx)
		}
	}
	for i := len(t.Nodes) - 1; i >= 0; i-- {
		n := &t.Nodes[i]
		b := math.EmptyAABB()
		if n.Leaf() {
			for _, idx := range t.Indices[n.Start : n.Start+n.Count] {
				b = b.Union(boxes[idx])
			}
		} else if len(t.Indices) > 0 {
			b = t.Nodes[n.Start].Bounds.Union(t.Nodes[n.Start+1].Bounds)
		}
		n.Bounds = b
	}
	return nil
}

// Clone returns a deep copy of t.
func (t *Tree) Clone() *Tree {
	return &Tree{Nodes: slices.Clone(t.Nodes), Indices: slices.Clone(t.Indices)}
}

// Bounds returns the root bounds.
func (t *Tree) Bounds() math.AABB {
	return t.Nodes[0].Bounds
}

// Overlapping returns the primitive indices whose leaf bounds overlap q, in
// traversal order.
func (t *Tree) Overlapping(q math.AABB, boxes []math.AABB) []uint32 {
	var out []uint32
	if len(t.Indices) == 0 {
		return out
	}
	stack := []uint32{0}
	for len(stack) > 0 {
		n := t.Nodes[stack[len(stack)-1]]
		stack = stack[:len(stack)-1]
		if !overlaps(n.Bounds, q) {
			continue
		}
		if !n.Leaf() {
			stack = append(stack, n.Start+1, n.Start)
			continue
		}
		for _, idx := range t.Indices[n.Start : n.Start+n.Count] {
			if overlaps(boxes[idx], q) {
				out = append(out, idx)
			}
		}
	}
	return out
}

func overlaps(a, b math.AABB) bool {
	return a.Min.X <= b.Max.X && b.Min.X <= a.Max.X &&
		a.Min.Y <= b.Max.Y && b.Min.Y <= a.Max.Y &&
		a.Min.Z <= b.Max.Z && b.Min.Z <= a.Max.Z
}

// Encode writes t into dst and returns the number of bytes used.
//
// Layout: node count u32, index count u32, nodes, indices; little endian.
func (t *Tree) Encode(dst []byte) (int, error) {
	need := 8 + len(t.Nodes)*NodeSize + len(t.Indices)*4
	if need > len(dst) {
		return 0, fmt.Errorf("%w: need %d, have %d", ErrShortBuffer, need, len(dst))
	}
	le := binary.LittleEndian
	le.PutUint32(dst[0:], uint32(len(t.Nodes)))
	le.PutUint32(dst[4:], uint32(len(t.Indices)))
	off := 8
	for _, n := range t.Nodes {
		backend.PutVec3(dst[off:], n.Bounds.Min)
		backend.PutVec3(dst[off+12:], n.Bounds.Max)
		le.PutUint32(dst[off+24:], n.Start)
		le.PutUint32(dst[off+28:], n.Count)
		off += NodeSize
	}
	for _, idx := range t.Indices {
		le.PutUint32(dst[off:], idx)
		off += 4
	}
	return need, nil
}

// Decode reads a tree written by Encode.
func Decode(src []byte) (*Tree, error) {
	if len(src) < 8 {
		return nil, ErrShortBuffer
	}
	le := binary.LittleEndian
	nodes := int(le.Uint32(src[0:]))
	indices := int(le.Uint32(src[4:]))
	if need := 8 + nodes*NodeSize + indices*4; need > len(src) {
		return nil, fmt.Errorf("%w: need %d, have %d", ErrShortBuffer, need, len(src))
	}
	t := &Tree{Nodes: make([]Node, nodes), Indices: make([]uint32, indices)}
	off := 8
	for i := range t.Nodes {
		t.Nodes[i] = Node{
			Bounds: math.AABB{Min: backend.Vec3At(src[off:]), Max: backend.Vec3At(src[off+12:])},
			Start:  le.Uint32(src[off+24:]),
			Count:  le.Uint32(src[off+28:]),
		}
		off += NodeSize
	}
	for i := range t.Indices {
		t.Indices[i] = le.Uint32(src[off:])
		off += 4
	}
	return t, nil
}
