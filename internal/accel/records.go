package accel

import "github.com/Faultbox/accelpipe/pkg/math"

// record is an edit as it was applied to the current frame, complete with
// every index the worker resolved and every value it overwrote. Applying a
// record to a frame holding the same logical content gives the same result,
// which is how both copies converge and how undo restores them.
type record interface {
	apply(f *frame, inverse bool, src *Staging)
	remap(f *frame, set bool)
}

// entry is a record scheduled for a frame. staged is set while the build
// data is still in the staging area and can be copied device side.
type entry struct {
	rec     record
	inverse bool
	staged  bool
}

// builtInstance is one instance placed by a build.
type builtInstance struct {
	ID         uint32
	Record     Instance
	Primitives []Primitive
	AABBs      []math.AABB
	LightFirst uint32
	Lights     []Light

	// StagingPrimitive is where the AABBs sat in the staging area.
	StagingPrimitive uint32
}

func (b *builtInstance) install(f *frame, src *Staging) {
	f.setInstance(b.ID, b.Record)
	first := b.Record.FirstPrimitive
	f.writePrimitives(first, b.Primitives, len(b.Primitives))
	if src != nil {
		f.copyAABBs(src.AABBs, b.StagingPrimitive, first, b.AABBs)
	} else {
		f.writeAABBs(first, b.AABBs, len(b.AABBs))
	}
	if len(b.Lights) > 0 {
		f.writeLights(b.LightFirst, b.Lights, len(b.Lights))
	}
	f.lightCount = b.LightFirst + uint32(len(b.Lights))
}

func (b *builtInstance) remove(f *frame) {
	f.setInstance(b.ID, Instance{})
	f.writePrimitives(b.Record.FirstPrimitive, nil, len(b.Primitives))
	f.writeAABBs(b.Record.FirstPrimitive, nil, len(b.AABBs))
	if len(b.Lights) > 0 {
		f.writeLights(b.LightFirst, nil, len(b.Lights))
	}
	f.lightCount = b.LightFirst
}

type buildRecord struct {
	Instances []builtInstance
}

func (r buildRecord) apply(f *frame, inverse bool, src *Staging) {
	if !inverse {
		for i := range r.Instances {
			r.Instances[i].install(f, src)
		}
		return
	}
	for i := len(r.Instances) - 1; i >= 0; i-- {
		r.Instances[i].remove(f)
	}
}

func (buildRecord) remap(*frame, bool) {}

// deleteRecord is a swap-remove of primitive Slot with Exchange, the last
// primitive of the instance. An emissive primitive also swap-removes its
// light at LightSlot with the last light LightExchange.
type deleteRecord struct {
	Instance uint32
	Before   Instance
	Slot     uint32
	Exchange uint32

	Primitive Primitive
	Bounds    math.AABB

	Light         Light
	LightSlot     uint32
	LightExchange uint32

	// Retired is set when the deleted primitive was the last one and the
	// instance was released. RangeSize is the size of its primitive range.
	Retired   bool
	RangeSize uint32
}

func (r deleteRecord) emissive() bool { return r.Primitive.Light != NoLight }

func (r deleteRecord) apply(f *frame, inverse bool, _ *Staging) {
	if inverse {
		r.restore(f)
		return
	}
	if r.emissive() {
		if r.LightSlot != r.LightExchange {
			moved := f.lights[r.LightExchange]
			f.setLight(r.LightSlot, moved)
			f.setPrimitiveLight(moved.Primitive, r.LightSlot)
		}
		f.setLight(r.LightExchange, Light{})
		f.lightCount--
	}
	if r.Slot != r.Exchange {
		moved := f.primitives[r.Exchange]
		f.setPrimitive(r.Slot, moved)
		f.setAABB(r.Slot, f.aabbs[r.Exchange])
		if moved.Light != NoLight {
			f.setLightPrimitive(moved.Light, r.Slot)
		}
	}
	f.setPrimitive(r.Exchange, Primitive{})
	f.setAABB(r.Exchange, math.AABB{})

	after := r.Before
	after.PrimitiveCount--
	if after.PrimitiveCount == 0 {
		after = Instance{}
	}
	f.setInstance(r.Instance, after)
}

func (r deleteRecord) restore(f *frame) {
	if r.Slot != r.Exchange {
		moved := f.primitives[r.Slot]
		f.setPrimitive(r.Exchange, moved)
		f.setAABB(r.Exchange, f.aabbs[r.Slot])
		if moved.Light != NoLight {
			f.setLightPrimitive(moved.Light, r.Exchange)
		}
	}
	f.setPrimitive(r.Slot, r.Primitive)
	f.setAABB(r.Slot, r.Bounds)
	if r.emissive() {
		if r.LightSlot != r.LightExchange {
			moved := f.lights[r.LightSlot]
			f.setLight(r.LightExchange, moved)
			f.setPrimitiveLight(moved.Primitive, r.LightExchange)
		}
		f.setLight(r.LightSlot, r.Light)
		f.lightCount++
	}
	f.setInstance(r.Instance, r.Before)
}

func (r deleteRecord) remap(f *frame, set bool) {
	value := func(v uint32) uint32 {
		if set {
			return v
		}
		return NoRemap
	}
	if r.Slot != r.Exchange {
		f.setPrimRemap(r.Slot, value(r.Exchange))
	}
	if r.emissive() && r.LightSlot != r.LightExchange {
		f.setLightRemap(r.LightSlot, value(r.LightExchange))
	}
}

type aabbChange struct {
	Slot   uint32
	Before math.AABB
	After  math.AABB
}

type updateRecord struct {
	Instance uint32
	Before   math.Mat4
	After    math.Mat4
	Patches  []aabbChange
}

func (r updateRecord) apply(f *frame, inverse bool, _ *Staging) {
	inst := f.instances[r.Instance]
	if inverse {
		inst.Transform = r.Before
		for i := len(r.Patches) - 1; i >= 0; i-- {
			f.setAABB(r.Patches[i].Slot, r.Patches[i].Before)
		}
	} else {
		inst.Transform = r.After
		for _, p := range r.Patches {
			f.setAABB(p.Slot, p.After)
		}
	}
	f.setInstance(r.Instance, inst)
}

func (updateRecord) remap(*frame, bool) {}
