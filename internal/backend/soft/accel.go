package soft

import (
	"fmt"

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

// BuildBLAS builds a BVH over the AABB range and encodes it into the bound
// bytes. An update refits the existing topology when the primitive count is
// unchanged and falls back to a full build otherwise.
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

// buildBLASLocked refits base over the AABB range when the counts match and
// builds a new tree otherwise, then encodes the result into a.
func (d *Device) buildBLASLocked(as backend.AccelStruct, a *accel, base *bvh.Tree, aabbs backend.Buffer, first, count uint32) error {
	src, err := d.bufferLocked(aabbs)
	if err != nil {
		return err
	}
	off, size := uint64(first)*backend.AABBSize, uint64(count)*backend.AABBSize
	if err := checkRange(src, off, size); err != nil {
		return err
	}
	boxes := backend.DecodeAABBs(src.data[off : off+size])

	if base != nil && len(base.Indices) == len(boxes) {
		if err := base.Refit(boxes); err != nil {
			return err
		}
		a.tree = base
		d.stats.BLASUpdates++
	} else {
		a.tree = bvh.Build(boxes, d.leafSize)
		d.stats.BLASBuilds++
	}
	a.boxes = boxes

	backing, err := d.bufferLocked(a.backing)
	if err != nil {
		return err
	}
	if _, err := a.tree.Encode(backing.data[a.offset : a.offset+a.size]); err != nil {
		return fmt.Errorf("encoding blas %d: %w", as, err)
	}
	return nil
}

// CreateTLAS creates a top-level structure for up to maxInstances entries.
func (d *Device) CreateTLAS(maxInstances uint32) (backend.AccelStruct, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, backend.ErrClosed
	}
	h := backend.AccelStruct(d.handle())
	d.accels[h] = &accel{top: true, capacity: maxInstances}
	return h, nil
}

// BuildTLAS builds a BVH over the world bounds of every instance.
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
	d.stats.TLASBuilds++
	return nil
}

// DestroyAccelStruct releases as. Unknown handles are ignored.
func (d *Device) DestroyAccelStruct(as backend.AccelStruct) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.accels, as)
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

// Query returns the instance ids of as whose world bounds overlap box.
func (d *Device) Query(as backend.AccelStruct, box math.AABB) []uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.accels[as]
	if !ok || !a.top || a.tree == nil {
		return nil
	}
	var ids []uint32
	for _, i := range a.tree.Overlapping(box, a.boxes) {
		ids = append(ids, a.instances[i].InstanceID)
	}
	return ids
}

// BLAS returns the tree decoded from the backing bytes of as and the
// primitive count it was built over.
func (d *Device) BLAS(as backend.AccelStruct) (*bvh.Tree, int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.accels[as]
	if !ok || a.top {
		return nil, 0, fmt.Errorf("%w: %d", backend.ErrUnknownAccel, as)
	}
	backing, err := d.bufferLocked(a.backing)
	if err != nil {
		return nil, 0, err
	}
	tree, err := bvh.Decode(backing.data[a.offset : a.offset+a.size])
	if err != nil {
		return nil, 0, err
	}
	return tree, len(a.boxes), nil
}

// Live reports whether as exists.
func (d *Device) Live(as backend.AccelStruct) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.accels[as]
	return ok
}
