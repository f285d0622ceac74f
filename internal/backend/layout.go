package backend

import (
	"encoding/binary"
	gomath "math"

	"github.com/Faultbox/accelpipe/pkg/math"
)

// AABBSize is the encoded size of one AABB element: min xyz, max xyz as f32.
const AABBSize = 24

// PutAABB encodes box into b.
func PutAABB(b []byte, box math.AABB) {
	PutVec3(b[0:], box.Min)
	PutVec3(b[12:], box.Max)
}

// AABBAt decodes the AABB at the start of b.
func AABBAt(b []byte) math.AABB {
	return math.AABB{Min: Vec3At(b[0:]), Max: Vec3At(b[12:])}
}

// PutVec3 encodes v as three little-endian f32.
func PutVec3(b []byte, v math.Vec3) {
	binary.LittleEndian.PutUint32(b[0:], gomath.Float32bits(v.X))
	binary.LittleEndian.PutUint32(b[4:], gomath.Float32bits(v.Y))
	binary.LittleEndian.PutUint32(b[8:], gomath.Float32bits(v.Z))
}

// Vec3At decodes three little-endian f32.
func Vec3At(b []byte) math.Vec3 {
	return math.Vec3{
		X: gomath.Float32frombits(binary.LittleEndian.Uint32(b[0:])),
		Y: gomath.Float32frombits(binary.LittleEndian.Uint32(b[4:])),
		Z: gomath.Float32frombits(binary.LittleEndian.Uint32(b[8:])),
	}
}

// DecodeAABBs decodes consecutive AABB elements.
func DecodeAABBs(b []byte) []math.AABB {
	out := make([]math.AABB, len(b)/AABBSize)
	for i := range out {
		out[i] = AABBAt(b[i*AABBSize:])
	}
	return out
}
