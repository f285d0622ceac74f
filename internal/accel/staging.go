package accel

import (
	"errors"
	"fmt"

	"github.com/Faultbox/accelpipe/internal/backend"
	"github.com/Faultbox/accelpipe/internal/task"
	"github.com/Faultbox/accelpipe/pkg/math"
)

// ErrInvalidBuild is returned by SubmitBuild for inconsistent instance data.
var ErrInvalidBuild = errors.New("accel: invalid build data")

// Staging is the host-visible upload area read by builds. Indices are
// staging indices: a staged Instance.FirstPrimitive points into the staged
// primitives, a staged Primitive.Light into the staged lights, and a staged
// Light names its staged instance and primitive.
//
// Producers write at the offsets returned by the queue's pending counters
// and then submit a task.Build, or let SubmitBuild do both.
type Staging struct {
	Instances  backend.Buffer
	Primitives backend.Buffer
	AABBs      backend.Buffer
	Lights     backend.Buffer

	instances  []byte
	primitives []byte
	aabbs      []byte
	lights     []byte
}

const stagingUsage = backend.UsageHostVisible | backend.UsageCopySrc

func newStaging(dev backend.Device, opts Options) (*Staging, error) {
	s := &Staging{}
	buffers := []struct {
		dst    *backend.Buffer
		mapped *[]byte
		name   string
		size   uint64
	}{
		{&s.Instances, &s.instances, "staging-instances", uint64(opts.MaxInstances) * InstanceSize},
		{&s.Primitives, &s.primitives, "staging-primitives", uint64(opts.MaxPrimitives) * PrimitiveSize},
		{&s.AABBs, &s.aabbs, "staging-aabbs", uint64(opts.MaxPrimitives) * AABBSize},
		{&s.Lights, &s.lights, "staging-lights", uint64(opts.MaxLights) * LightSize},
	}
	for _, b := range buffers {
		h, err := dev.CreateBuffer(b.name, b.size, stagingUsage)
		if err != nil {
			s.release(dev)
			return nil, fmt.Errorf("creating %s: %w", b.name, err)
		}
		*b.dst = h
		if *b.mapped, err = dev.Map(h); err != nil {
			s.release(dev)
			return nil, fmt.Errorf("mapping %s: %w", b.name, err)
		}
	}
	return s, nil
}

func (s *Staging) release(dev backend.Device) {
	for _, b := range []*backend.Buffer{&s.Instances, &s.Primitives, &s.AABBs, &s.Lights} {
		if *b != 0 {
			dev.DestroyBuffer(*b)
			*b = 0
		}
	}
	s.instances, s.primitives, s.aabbs, s.lights = nil, nil, nil, nil
}

// PutInstance writes staged instance i.
func (s *Staging) PutInstance(i uint32, inst Instance) {
	putInstance(s.instances[uint64(i)*InstanceSize:], inst)
}

// PutPrimitive writes staged primitive i and its bounds.
func (s *Staging) PutPrimitive(i uint32, p Primitive, box math.AABB) {
	putPrimitive(s.primitives[uint64(i)*PrimitiveSize:], p)
	backend.PutAABB(s.aabbs[uint64(i)*AABBSize:], box)
}

// PutLight writes staged light i.
func (s *Staging) PutLight(i uint32, l Light) {
	putLight(s.lights[uint64(i)*LightSize:], l)
}

func (s *Staging) instance(i uint32) Instance {
	return instanceAt(s.instances[uint64(i)*InstanceSize:])
}

func (s *Staging) primitive(i uint32) Primitive {
	return primitiveAt(s.primitives[uint64(i)*PrimitiveSize:])
}

func (s *Staging) aabb(i uint32) math.AABB {
	return backend.AABBAt(s.aabbs[uint64(i)*AABBSize:])
}

func (s *Staging) light(i uint32) Light {
	return lightAt(s.lights[uint64(i)*LightSize:])
}

// write stages validated data at base.
func (s *Staging) write(base task.Counters, data []InstanceData) {
	prim, light := base.Primitives, base.Lights
	for k, d := range data {
		inst := base.Instances + uint32(k)
		s.PutInstance(inst, Instance{
			Transform:      d.Transform,
			FirstPrimitive: prim,
			PrimitiveCount: uint32(len(d.Primitives)),
		})
		for i, p := range d.Primitives {
			if p.Light != NoLight {
				p.Light += light
			}
			s.PutPrimitive(prim+uint32(i), p, d.AABBs[i])
		}
		for j, l := range d.Lights {
			l.Instance = inst
			l.Primitive += prim
			s.PutLight(light+uint32(j), l)
		}
		prim += uint32(len(d.Primitives))
		light += uint32(len(d.Lights))
	}
}

func validateBuild(data []InstanceData) (task.Counters, error) {
	var counts task.Counters
	if len(data) == 0 {
		return counts, fmt.Errorf("%w: no instances", ErrInvalidBuild)
	}
	for k, d := range data {
		if len(d.Primitives) == 0 {
			return counts, fmt.Errorf("%w: instance %d has no primitives", ErrInvalidBuild, k)
		}
		if len(d.AABBs) != len(d.Primitives) {
			return counts, fmt.Errorf("%w: instance %d has %d primitives and %d bounds",
				ErrInvalidBuild, k, len(d.Primitives), len(d.AABBs))
		}
		for i, p := range d.Primitives {
			if p.Light == NoLight {
				continue
			}
			if p.Light >= uint32(len(d.Lights)) || d.Lights[p.Light].Primitive != uint32(i) {
				return counts, fmt.Errorf("%w: instance %d primitive %d names light %d which does not point back",
					ErrInvalidBuild, k, i, p.Light)
			}
		}
		for j, l := range d.Lights {
			if l.Primitive >= uint32(len(d.Primitives)) || d.Primitives[l.Primitive].Light != uint32(j) {
				return counts, fmt.Errorf("%w: instance %d light %d names primitive %d which does not point back",
					ErrInvalidBuild, k, j, l.Primitive)
			}
		}
		counts.Instances++
		counts.Primitives += uint32(len(d.Primitives))
		counts.Lights += uint32(len(d.Lights))
	}
	return counts, nil
}
