package math

import "math"

// AABB is an axis-aligned bounding box given by its min and max corners.
type AABB struct {
	Min, Max Vec3
}

// EmptyAABB returns an inverted box that any Union will overwrite.
func EmptyAABB() AABB {
	inf := float32(math.Inf(1))
	return AABB{
		Min: Vec3{inf, inf, inf},
		Max: Vec3{-inf, -inf, -inf},
	}
}

// IsEmpty reports whether the box contains no point.
func (b AABB) IsEmpty() bool {
	return b.Min.X > b.Max.X || b.Min.Y > b.Max.Y || b.Min.Z > b.Max.Z
}

// Union returns the smallest box enclosing b and other.
func (b AABB) Union(other AABB) AABB {
	return AABB{Min: b.Min.Min(other.Min), Max: b.Max.Max(other.Max)}
}

// Center returns the box midpoint.
func (b AABB) Center() Vec3 {
	return b.Min.Add(b.Max).Scale(0.5)
}

// Extent returns max - min.
func (b AABB) Extent() Vec3 {
	return b.Max.Sub(b.Min)
}

// LongestAxis returns the index of the widest axis.
func (b AABB) LongestAxis() int {
	e := b.Extent()
	switch {
	case e.X >= e.Y && e.X >= e.Z:
		return 0
	case e.Y >= e.Z:
		return 1
	default:
		return 2
	}
}

// Contains reports whether other lies fully inside b.
func (b AABB) Contains(other AABB) bool {
	return other.Min.X >= b.Min.X && other.Min.Y >= b.Min.Y && other.Min.Z >= b.Min.Z &&
		other.Max.X <= b.Max.X && other.Max.Y <= b.Max.Y && other.Max.Z <= b.Max.Z
}

// Transform returns the bounding box of b's eight corners transformed by m.
func (b AABB) Transform(m Mat4) AABB {
	out := EmptyAABB()
	for i := 0; i < 8; i++ {
		c := Vec3{b.Min.X, b.Min.Y, b.Min.Z}
		if i&1 != 0 {
			c.X = b.Max.X
		}
		if i&2 != 0 {
			c.Y = b.Max.Y
		}
		if i&4 != 0 {
			c.Z = b.Max.Z
		}
		p := m.TransformVec3(c)
		out = out.Union(AABB{Min: p, Max: p})
	}
	return out
}
