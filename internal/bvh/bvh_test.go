package bvh

import (
	"errors"
	"slices"
	"testing"

	"github.com/Faultbox/accelpipe/pkg/math"
)

func unitBox(x, y, z float32) math.AABB {
	return math.AABB{Min: math.Vec3{X: x, Y: y, Z: z}, Max: math.Vec3{X: x + 1, Y: y + 1, Z: z + 1}}
}

func grid(n int) []math.AABB {
	var boxes []math.AABB
	for i := 0; i < n; i++ {
		boxes = append(boxes, unitBox(float32(i%4)*2, float32(i/4)*2, float32(i%3)))
	}
	return boxes
}

func checkTree(t *testing.T, tree *Tree, boxes []math.AABB) {
	t.Helper()
	if got, limit := len(tree.Nodes), int(MaxNodes(uint32(len(boxes)))); got > limit {
		t.Errorf("tree has %d nodes, limit %d", got, limit)
	}
	for i, n := range tree.Nodes {
		if n.Leaf() {
			for _, idx := range tree.Indices[n.Start : n.Start+n.Count] {
				if !n.Bounds.Contains(boxes[idx]) {
					t.Errorf("leaf %d does not contain box %d", i, idx)
				}
			}
			continue
		}
		for _, c := range []uint32{n.Start, n.Start + 1} {
			if int(c) <= i {
				t.Errorf("node %d child %d precedes parent", i, c)
			}
			if !n.Bounds.Contains(tree.Nodes[c].Bounds) {
				t.Errorf("node %d does not contain child %d", i, c)
			}
		}
	}
	seen := slices.Clone(tree.Indices)
	slices.Sort(seen)
	for i, idx := range seen {
		if idx != uint32(i) {
			t.Fatalf("indices are not a permutation: %v", seen)
		}
	}
}

func TestBuildInvariants(t *testing.T) {
	for _, n := range []int{1, 2, 5, 17, 64} {
		boxes := grid(n)
		checkTree(t, Build(boxes, 2), boxes)
	}
}

func TestBuildEmpty(t *testing.T) {
	tree := Build(nil, 0)
	if len(tree.Nodes) != 1 || !tree.Bounds().IsEmpty() {
		t.Errorf("expected single empty root, got %+v", tree.Nodes)
	}
	if got := tree.Overlapping(unitBox(0, 0, 0), nil); len(got) != 0 {
		t.Errorf("expected no hits in empty tree, got %v", got)
	}
}

func TestRefitTracksMovedBox(t *testing.T) {
	boxes := grid(12)
	tree := Build(boxes, 2)
	boxes[5] = unitBox(100, 100, 100)
	if err := tree.Refit(boxes); err != nil {
		t.Fatal(err)
	}
	checkTree(t, tree, boxes)
	if !tree.Bounds().Contains(boxes[5]) {
		t.Error("root bounds should grow to the moved box")
	}

	if err := tree.Refit(boxes[:3]); err == nil {
		t.Error("expected error refitting with fewer boxes")
	}
}

func TestCloneIsIndependent(t *testing.T) {
	boxes := grid(12)
	tree := Build(boxes, 2)
	before := tree.Bounds()
	clone := tree.Clone()
	moved := slices.Clone(boxes)
	moved[5] = unitBox(100, 100, 100)
	if err := clone.Refit(moved); err != nil {
		t.Fatal(err)
	}
	checkTree(t, clone, moved)
	if tree.Bounds() != before {
		t.Errorf("refitting the clone changed the original: %v != %v", tree.Bounds(), before)
	}
}

func TestOverlapping(t *testing.T) {
	boxes := grid(16)
	tree := Build(boxes, 1)
	hits := tree.Overlapping(unitBox(2.2, 2.2, 2.2), boxes)
	if !slices.Contains(hits, 5) {
		t.Errorf("expected box 5 among hits, got %v", hits)
	}
	for _, h := range hits {
		if !overlaps(boxes[h], unitBox(2.2, 2.2, 2.2)) {
			t.Errorf("hit %d does not overlap query", h)
		}
	}
}

func TestEncodeFitsEncodedSize(t *testing.T) {
	boxes := grid(33)
	tree := Build(boxes, 1)
	buf := make([]byte, EncodedSize(uint32(len(boxes))))
	n, err := tree.Encode(buf)
	if err != nil {
		t.Fatal(err)
	}
	back, err := Decode(buf[:n])
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(back.Nodes, tree.Nodes) || !slices.Equal(back.Indices, tree.Indices) {
		t.Error("decoded tree differs from encoded tree")
	}

	if _, err := tree.Encode(buf[:16]); !errors.Is(err, ErrShortBuffer) {
		t.Errorf("expected ErrShortBuffer, got %v", err)
	}
}
