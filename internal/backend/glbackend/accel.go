package glbackend

import (
	"fmt"

	"github.com/go-gl/gl/v4.1-core/gl"

	"github.com/Faultbox/accelpipe/internal/backend"
	"github.com/Faultbox/accelpipe/internal/bvh"
	"github.com/Faultbox/accelpipe/pkg/math"
)

// BLASSize returns the encoded BVH size for count primitives.
func (d *Device) BLASSize(count uint32) uint64 {
	return bvh.EncodedSize(count)
}

// CreateBLAS binds a structure to a byte range of backing.
func (d *Device) CreateBLAS(backing backend.Buffer, offset, size uint64) (backend.AccelStruct, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	buf, err := d.bufferLocked(backing)
	if err != nil {
		return 0, err
	}
	if err := checkRange(buf, offset, size); err != nil {
		return 0, err
	}
	h := backend.AccelStruct(d.handle())
	d.accels[h] = &accel{backing: backing, offset: offset, size: size}
	return h, nil
}

// BuildBLAS downloads the AABB range, builds or refits a BVH over it and
// uploads the encoded nodes into the bound range.
func (d *Device) BuildBLAS(as backend.AccelStruct, aabbs backend.Buffer, first, count uint32, mode backend.BuildMode) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.accels[as]
	if !ok || a.top {
		return fmt.Errorf("%w: %d", backend.ErrUnknownAccel, as)
	}
	var base *bvh.Tree
	if mode == backend.BuildModeUpdate {
		base = a.tree
	}
	return d.buildBLASLocked(as, a, base, aabbs, first, count)
}

// RefitBLAS refits a copy of the tree of src into dst. It falls back to a
// full build when src has no tree or a different primitive count.
func (d *Device) RefitBLAS(dst, src backend.AccelStruct, aabbs backend.Buffer, first, count uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.accels[dst]
	if !ok || a.top {
		return fmt.Errorf("%w: %d", backend.ErrUnknownAccel, dst)
	}
	s, ok := d.accels[src]
	if !ok || s.top {
		return fmt.Errorf("%w: %d", backend.ErrUnknownAccel, src)
	}
	var base *bvh.Tree
	if s.tree != nil {
		base = s.tree.Clone()
	}
	return d.buildBLASLocked(dst, a, base, aabbs, first, count)
}

// buildBLASLocked reads the AABB range, refits base over it when the counts
// match and builds a new tree otherwise, then encodes the result into a.
func (d *Device) buildBLASLocked(as backend.AccelStruct, a *accel, base *bvh.Tree, aabbs backend.Buffer, first, count uint32) error {
	src, err := d.bufferLocked(aabbs)
	if err != nil {
		return err
	}
	off, size := uint64(first)*backend.AABBSize, uint64(count)*backend.AABBSize
	if err := checkRange(src, off, size); err != nil {
		return err
	}
	raw := make([]byte, size)
	if err := d.readLocked(src, off, raw); err != nil {
		return err
	}
	boxes := backend.DecodeAABBs(raw)

	if base != nil && len(base.Indices) == len(boxes) {
		if err := base.Refit(boxes); err != nil {
			return err
		}
		a.tree = base
	} else {
		a.tree = bvh.Build(boxes, d.leafSize)
	}
	a.boxes = boxes

	backing, err := d.bufferLocked(a.backing)
	if err != nil {
		return err
	}
	encoded := make([]byte, a.size)
	n, err := a.tree.Encode(encoded)
	if err != nil {
		return fmt.Errorf("encoding blas %d: %w", as, err)
	}
	return d.writeLocked(backing, a.offset, encoded[:n])
}

// CreateTLAS creates a top-level structure for up to maxInstances entries
// with a GL buffer for its nodes.
func (d *Device) CreateTLAS(maxInstances uint32) (backend.AccelStruct, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, backend.ErrClosed
	}
	a := &accel{top: true, capacity: maxInstances, size: bvh.EncodedSize(maxInstances)}
	err := d.t.do(func() error {
		var err error
		a.nodes, err = genBuffer(a.size)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("creating tlas: %w", err)
	}
	h := backend.AccelStruct(d.handle())
	d.accels[h] = a
	return h, nil
}

// BuildTLAS builds a BVH over the world bounds of every instance and
// uploads it.
func (d *Device) BuildTLAS(as backend.AccelStruct, instances []backend.TLASInstance) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.accels[as]
	if !ok || !a.top {
		return fmt.Errorf("%w: %d", backend.ErrUnknownAccel, as)
	}
	if uint32(len(instances)) > a.capacity {
		return fmt.Errorf("%w: %d > %d", backend.ErrTooManyInputs, len(instances), a.capacity)
	}
	boxes := make([]math.AABB, len(instances))
	for i, inst := range instances {
		b, ok := d.accels[inst.BLAS]
		if !ok || b.top || b.tree == nil {
			return fmt.Errorf("%w: instance %d references blas %d", backend.ErrUnknownAccel, inst.InstanceID, inst.BLAS)
		}
		boxes[i] = b.tree.Bounds().Transform(inst.Transform)
	}
	a.tree = bvh.Build(boxes, 1)
	a.boxes = boxes
	a.instances = append(a.instances[:0], instances...)

	encoded := make([]byte, a.size)
	n, err := a.tree.Encode(encoded)
	if err != nil {
		return fmt.Errorf("encoding tlas %d: %w", as, err)
	}
	return d.t.do(func() error { return subData(a.nodes, 0, encoded[:n]) })
}

// DestroyAccelStruct releases as. Unknown handles are ignored.
func (d *Device) DestroyAccelStruct(as backend.AccelStruct) {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.accels[as]
	if !ok {
		return
	}
	delete(d.accels, as)
	if a.nodes != 0 {
		_ = d.t.do(func() error {
			gl.DeleteBuffers(1, &a.nodes)
			return nil
		})
	}
}

// TLASInstances returns the entries of the last BuildTLAS on as.
func (d *Device) TLASInstances(as backend.AccelStruct) []backend.TLASInstance {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.accels[as]
	if !ok {
		return nil
	}
	return append([]backend.TLASInstance(nil), a.instances...)
}

// BLASPrimitives returns the primitive count as was last built over.
func (d *Device) BLASPrimitives(as backend.AccelStruct) (int, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.accels[as]
	if !ok || a.top {
		return 0, false
	}
	return len(a.boxes), true
}
