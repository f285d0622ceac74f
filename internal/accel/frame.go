package accel

import (
	"encoding/binary"
	"fmt"

	"github.com/Faultbox/accelpipe/internal/backend"
	"github.com/Faultbox/accelpipe/pkg/math"
)

// frame is one buffer index: the device arrays plus a host shadow of their
// contents. Every setter updates the shadow and writes the same bytes
// through to the device, so the worker never reads back from the GPU.
type frame struct {
	index int
	dev   backend.Device

	instances  []Instance
	primitives []Primitive
	aabbs      []math.AABB
	lights     []Light
	lightCount uint32
	primRemap  []uint32
	lightRemap []uint32

	instanceBuf   backend.Buffer
	primitiveBuf  backend.Buffer
	aabbBuf       backend.Buffer
	lightBuf      backend.Buffer
	primRemapBuf  backend.Buffer
	lightRemapBuf backend.Buffer
	tlas          backend.AccelStruct

	scratch []byte
	// err is the first device error since the last takeErr.
	err error
}

const deviceArrays = backend.UsageStorage | backend.UsageCopySrc | backend.UsageCopyDst

func newFrame(dev backend.Device, index int, opts Options) (*frame, error) {
	f := &frame{
		index:      index,
		dev:        dev,
		instances:  make([]Instance, opts.MaxInstances),
		primitives: make([]Primitive, opts.MaxPrimitives),
		aabbs:      make([]math.AABB, opts.MaxPrimitives),
		lights:     make([]Light, opts.MaxLights),
		primRemap:  make([]uint32, opts.MaxPrimitives),
		lightRemap: make([]uint32, opts.MaxLights),
	}
	buffers := []struct {
		dst  *backend.Buffer
		name string
		size uint64
	}{
		{&f.instanceBuf, "instances", uint64(opts.MaxInstances) * InstanceSize},
		{&f.primitiveBuf, "primitives", uint64(opts.MaxPrimitives) * PrimitiveSize},
		{&f.aabbBuf, "aabbs", uint64(opts.MaxPrimitives) * AABBSize},
		{&f.lightBuf, "lights", uint64(opts.MaxLights) * LightSize},
		{&f.primRemapBuf, "primitive-remap", uint64(opts.MaxPrimitives) * RemapSize},
		{&f.lightRemapBuf, "light-remap", uint64(opts.MaxLights) * RemapSize},
	}
	for _, b := range buffers {
		h, err := dev.CreateBuffer(fmt.Sprintf("%s[%d]", b.name, index), b.size, deviceArrays)
		if err != nil {
			f.release()
			return nil, fmt.Errorf("creating %s buffer %d: %w", b.name, index, err)
		}
		*b.dst = h
	}
	tlas, err := dev.CreateTLAS(opts.MaxInstances)
	if err != nil {
		f.release()
		return nil, fmt.Errorf("creating tlas %d: %w", index, err)
	}
	f.tlas = tlas

	f.fillRemap(f.primRemap, f.primRemapBuf)
	f.fillRemap(f.lightRemap, f.lightRemapBuf)
	if err := f.takeErr(); err != nil {
		f.release()
		return nil, err
	}
	return f, nil
}

func (f *frame) fillRemap(table []uint32, buf backend.Buffer) {
	b := f.buf(len(table) * RemapSize)
	for i := range table {
		table[i] = NoRemap
		binary.LittleEndian.PutUint32(b[i*RemapSize:], NoRemap)
	}
	f.write(buf, 0, b)
}

func (f *frame) release() {
	if f.tlas != 0 {
		f.dev.DestroyAccelStruct(f.tlas)
		f.tlas = 0
	}
	for _, b := range []*backend.Buffer{&f.instanceBuf, &f.primitiveBuf, &f.aabbBuf, &f.lightBuf, &f.primRemapBuf, &f.lightRemapBuf} {
		if *b != 0 {
			f.dev.DestroyBuffer(*b)
			*b = 0
		}
	}
}

func (f *frame) buf(n int) []byte {
	if cap(f.scratch) < n {
		f.scratch = make([]byte, n)
	}
	b := f.scratch[:n]
	clear(b)
	return b
}

func (f *frame) write(dst backend.Buffer, offset uint64, data []byte) {
	if f.err != nil {
		return
	}
	if err := f.dev.WriteBuffer(dst, offset, data); err != nil {
		f.err = fmt.Errorf("frame %d: %w", f.index, err)
	}
}

func (f *frame) takeErr() error {
	err := f.err
	f.err = nil
	return err
}

func (f *frame) setInstance(id uint32, inst Instance) {
	f.instances[id] = inst
	b := f.buf(InstanceSize)
	putInstance(b, inst)
	f.write(f.instanceBuf, uint64(id)*InstanceSize, b)
}

func (f *frame) setPrimitive(slot uint32, p Primitive) {
	f.primitives[slot] = p
	b := f.buf(PrimitiveSize)
	putPrimitive(b, p)
	f.write(f.primitiveBuf, uint64(slot)*PrimitiveSize, b)
}

func (f *frame) setPrimitiveLight(slot, light uint32) {
	p := f.primitives[slot]
	p.Light = light
	f.setPrimitive(slot, p)
}

func (f *frame) setAABB(slot uint32, box math.AABB) {
	f.aabbs[slot] = box
	b := f.buf(AABBSize)
	backend.PutAABB(b, box)
	f.write(f.aabbBuf, uint64(slot)*AABBSize, b)
}

func (f *frame) setLight(slot uint32, l Light) {
	f.lights[slot] = l
	b := f.buf(LightSize)
	putLight(b, l)
	f.write(f.lightBuf, uint64(slot)*LightSize, b)
}

func (f *frame) setLightPrimitive(slot, primitive uint32) {
	l := f.lights[slot]
	l.Primitive = primitive
	f.setLight(slot, l)
}

func (f *frame) setPrimRemap(slot, v uint32) {
	f.primRemap[slot] = v
	b := f.buf(RemapSize)
	binary.LittleEndian.PutUint32(b, v)
	f.write(f.primRemapBuf, uint64(slot)*RemapSize, b)
}

func (f *frame) setLightRemap(slot, v uint32) {
	f.lightRemap[slot] = v
	b := f.buf(RemapSize)
	binary.LittleEndian.PutUint32(b, v)
	f.write(f.lightRemapBuf, uint64(slot)*RemapSize, b)
}

// writePrimitives stores ps at [first, first+len(ps)). A nil ps clears
// count slots.
func (f *frame) writePrimitives(first uint32, ps []Primitive, count int) {
	b := f.buf(count * PrimitiveSize)
	for i := 0; i < count; i++ {
		var p Primitive
		if ps != nil {
			p = ps[i]
		}
		f.primitives[first+uint32(i)] = p
		putPrimitive(b[i*PrimitiveSize:], p)
	}
	f.write(f.primitiveBuf, uint64(first)*PrimitiveSize, b)
}

func (f *frame) writeAABBs(first uint32, boxes []math.AABB, count int) {
	b := f.buf(count * AABBSize)
	for i := 0; i < count; i++ {
		var box math.AABB
		if boxes != nil {
			box = boxes[i]
		}
		f.aabbs[first+uint32(i)] = box
		backend.PutAABB(b[i*AABBSize:], box)
	}
	f.write(f.aabbBuf, uint64(first)*AABBSize, b)
}

// copyAABBs moves boxes device side from src, starting at element
// srcFirst, and mirrors them into the shadow.
func (f *frame) copyAABBs(src backend.Buffer, srcFirst, first uint32, boxes []math.AABB) {
	copy(f.aabbs[first:], boxes)
	if f.err != nil {
		return
	}
	size := uint64(len(boxes)) * AABBSize
	if err := f.dev.CopyBuffer(src, uint64(srcFirst)*AABBSize, f.aabbBuf, uint64(first)*AABBSize, size); err != nil {
		f.err = fmt.Errorf("frame %d: copying aabbs: %w", f.index, err)
	}
}

func (f *frame) writeLights(first uint32, ls []Light, count int) {
	b := f.buf(count * LightSize)
	for i := 0; i < count; i++ {
		var l Light
		if ls != nil {
			l = ls[i]
		}
		f.lights[first+uint32(i)] = l
		putLight(b[i*LightSize:], l)
	}
	f.write(f.lightBuf, uint64(first)*LightSize, b)
}

// tlasInstances lists the live instances of f for a top-level build.
func (f *frame) tlasInstances(live func(id uint32) backend.AccelStruct) []backend.TLASInstance {
	var out []backend.TLASInstance
	for id, inst := range f.instances {
		if inst.PrimitiveCount == 0 {
			continue
		}
		blas := live(uint32(id))
		if blas == 0 {
			continue
		}
		out = append(out, backend.TLASInstance{BLAS: blas, Transform: inst.Transform, InstanceID: uint32(id)})
	}
	return out
}
