// Package backend defines the storage and acceleration-structure contract
// the pipeline consumes from a graphics device.
//
// Every method is called from the pipeline worker except the read paths
// (ReadBuffer, Map) which a renderer or test may also use. Implementations
// must copy caller data before returning from WriteBuffer.
package backend

import (
	"errors"

	"github.com/Faultbox/accelpipe/pkg/math"
)

// Buffer is an opaque linear buffer handle. The zero value is no buffer.
type Buffer uint64

// AccelStruct is an opaque acceleration-structure handle. The zero value is
// no structure.
type AccelStruct uint64

// BufferUsage is a bit set describing how a buffer is used.
type BufferUsage uint32

const (
	UsageStorage BufferUsage = 1 << iota
	UsageHostVisible
	UsageCopySrc
	UsageCopyDst
	UsageAccelStorage
)

// Has reports whether all bits of f are set.
func (u BufferUsage) Has(f BufferUsage) bool { return u&f == f }

// BuildMode selects a full build or an in-place refit.
type BuildMode uint8

const (
	BuildModeBuild BuildMode = iota
	BuildModeUpdate
)

func (m BuildMode) String() string {
	if m == BuildModeUpdate {
		return "update"
	}
	return "build"
}

// TLASInstance is one entry of a top-level structure.
type TLASInstance struct {
	BLAS       AccelStruct
	Transform  math.Mat4
	InstanceID uint32
}

var (
	ErrClosed         = errors.New("backend: device closed")
	ErrUnknownBuffer  = errors.New("backend: unknown buffer")
	ErrUnknownAccel   = errors.New("backend: unknown acceleration structure")
	ErrOutOfRange     = errors.New("backend: range outside buffer")
	ErrNotHostVisible = errors.New("backend: buffer is not host visible")
	ErrTooManyInputs  = errors.New("backend: too many instances for structure")
)

// Device is the graphics backend.
type Device interface {
	// CreateBuffer allocates a zero-filled buffer of size bytes.
	CreateBuffer(label string, size uint64, usage BufferUsage) (Buffer, error)
	DestroyBuffer(b Buffer)

	// Map returns the host memory of a UsageHostVisible buffer. The slice
	// stays valid until the buffer is destroyed.
	Map(b Buffer) ([]byte, error)

	WriteBuffer(dst Buffer, offset uint64, data []byte) error
	ReadBuffer(src Buffer, offset uint64, out []byte) error
	CopyBuffer(src Buffer, srcOffset uint64, dst Buffer, dstOffset, size uint64) error

	// BLASSize returns the bytes a bottom-level structure over count
	// primitives needs inside its backing buffer.
	BLASSize(count uint32) uint64
	// CreateBLAS binds a bottom-level structure to [offset, offset+size) of
	// backing.
	CreateBLAS(backing Buffer, offset, size uint64) (AccelStruct, error)
	// BuildBLAS builds (or refits) as from count AABBs starting at element
	// first of aabbs.
	BuildBLAS(as AccelStruct, aabbs Buffer, first, count uint32, mode BuildMode) error
	// RefitBLAS refits the topology of src over the AABB range and writes
	// the result into dst. src is left untouched so a structure still in
	// use can serve as the source.
	RefitBLAS(dst, src AccelStruct, aabbs Buffer, first, count uint32) error

	CreateTLAS(maxInstances uint32) (AccelStruct, error)
	BuildTLAS(as AccelStruct, instances []TLASInstance) error

	DestroyAccelStruct(as AccelStruct)

	// Flush submits recorded work and waits for it to complete.
	Flush() error
	Close() error
}
