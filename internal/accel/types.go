package accel

import (
	"encoding/binary"
	gomath "math"

	"github.com/Faultbox/accelpipe/internal/backend"
	"github.com/Faultbox/accelpipe/pkg/math"
)

// BufferCount is the number of copies kept of every GPU array.
const BufferCount = 2

const (
	// NoLight marks a primitive without an emissive material.
	NoLight = ^uint32(0)
	// NoRemap marks a slot whose content did not move.
	NoRemap = ^uint32(0)
)

// Encoded element sizes in bytes.
const (
	InstanceSize  = 72
	PrimitiveSize = 8
	AABBSize      = backend.AABBSize
	LightSize     = 40
	RemapSize     = 4
)

func nextIndex(i int) int { return (i + 1) % BufferCount }

func previousIndex(i int) int { return ((i-1)%BufferCount + BufferCount) % BufferCount }

// Instance places a contiguous primitive run in the scene.
type Instance struct {
	Transform      math.Mat4
	FirstPrimitive uint32
	PrimitiveCount uint32
}

// Primitive is one geometry element. Light is the index of the light it
// emits, or NoLight.
type Primitive struct {
	Material uint32
	Light    uint32
}

// LightKind is the emitter geometry.
type LightKind uint32

const (
	LightPoint LightKind = iota
	LightSphere
	LightBox
)

// Light is an emitter. Instance and Primitive point back at the primitive
// holding the emissive material; Primitive is an absolute primitive slot.
type Light struct {
	Position  math.Vec3
	Emission  math.Vec3
	Size      float32
	Kind      LightKind
	Instance  uint32
	Primitive uint32
}

// InstanceData is one instance to stage for a build. Lights reference
// primitives by their index within Primitives.
type InstanceData struct {
	Transform  math.Mat4
	Primitives []Primitive
	AABBs      []math.AABB
	Lights     []Light
}

func putInstance(b []byte, inst Instance) {
	for i, v := range inst.Transform {
		binary.LittleEndian.PutUint32(b[i*4:], gomath.Float32bits(v))
	}
	binary.LittleEndian.PutUint32(b[64:], inst.FirstPrimitive)
	binary.LittleEndian.PutUint32(b[68:], inst.PrimitiveCount)
}

func instanceAt(b []byte) Instance {
	var inst Instance
	for i := range inst.Transform {
		inst.Transform[i] = gomath.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	inst.FirstPrimitive = binary.LittleEndian.Uint32(b[64:])
	inst.PrimitiveCount = binary.LittleEndian.Uint32(b[68:])
	return inst
}

func putPrimitive(b []byte, p Primitive) {
	binary.LittleEndian.PutUint32(b[0:], p.Material)
	binary.LittleEndian.PutUint32(b[4:], p.Light)
}

func primitiveAt(b []byte) Primitive {
	return Primitive{
		Material: binary.LittleEndian.Uint32(b[0:]),
		Light:    binary.LittleEndian.Uint32(b[4:]),
	}
}

func putLight(b []byte, l Light) {
	backend.PutVec3(b[0:], l.Position)
	backend.PutVec3(b[12:], l.Emission)
	binary.LittleEndian.PutUint32(b[24:], gomath.Float32bits(l.Size))
	binary.LittleEndian.PutUint32(b[28:], uint32(l.Kind))
	binary.LittleEndian.PutUint32(b[32:], l.Instance)
	binary.LittleEndian.PutUint32(b[36:], l.Primitive)
}

func lightAt(b []byte) Light {
	return Light{
		Position:  backend.Vec3At(b[0:]),
		Emission:  backend.Vec3At(b[12:]),
		Size:      gomath.Float32frombits(binary.LittleEndian.Uint32(b[24:])),
		Kind:      LightKind(binary.LittleEndian.Uint32(b[28:])),
		Instance:  binary.LittleEndian.Uint32(b[32:]),
		Primitive: binary.LittleEndian.Uint32(b[36:]),
	}
}

// DecodeInstances decodes a raw instance buffer.
func DecodeInstances(b []byte) []Instance {
	out := make([]Instance, len(b)/InstanceSize)
	for i := range out {
		out[i] = instanceAt(b[i*InstanceSize:])
	}
	return out
}

// DecodePrimitives decodes a raw primitive buffer.
func DecodePrimitives(b []byte) []Primitive {
	out := make([]Primitive, len(b)/PrimitiveSize)
	for i := range out {
		out[i] = primitiveAt(b[i*PrimitiveSize:])
	}
	return out
}

// DecodeLights decodes a raw light buffer.
func DecodeLights(b []byte) []Light {
	out := make([]Light, len(b)/LightSize)
	for i := range out {
		out[i] = lightAt(b[i*LightSize:])
	}
	return out
}
