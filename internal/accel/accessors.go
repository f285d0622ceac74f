package accel

import (
	"encoding/binary"
	"fmt"

	"github.com/Faultbox/accelpipe/internal/backend"
	"github.com/Faultbox/accelpipe/pkg/math"
)

// CurrentIndex is the copy the running batch edits first.
func (m *Manager) CurrentIndex() int {
	cur, _ := m.indices()
	return cur
}

// PreviousIndex is the copy the running batch edits second.
func (m *Manager) PreviousIndex() int {
	_, prev := m.indices()
	return prev
}

// RenderIndex is the copy a renderer may read now. It prefers the current
// copy once UPDATING has finished with it.
func (m *Manager) RenderIndex() int {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	if m.valid[m.current] {
		return m.current
	}
	return previousIndex(m.current)
}

// Valid reports whether copy i is safe to render.
func (m *Manager) Valid(i int) bool {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.valid[i%BufferCount]
}

func (m *Manager) frame(i int) *frame { return m.frames[((i%BufferCount)+BufferCount)%BufferCount] }

// CurrentTLAS returns the top-level structure of the current copy.
func (m *Manager) CurrentTLAS() backend.AccelStruct { return m.frame(m.CurrentIndex()).tlas }

// PreviousTLAS returns the top-level structure of the previous copy.
func (m *Manager) PreviousTLAS() backend.AccelStruct { return m.frame(m.PreviousIndex()).tlas }

// TLAS returns the top-level structure of copy i.
func (m *Manager) TLAS(i int) backend.AccelStruct { return m.frame(i).tlas }

func (m *Manager) InstanceBuffer(i int) backend.Buffer       { return m.frame(i).instanceBuf }
func (m *Manager) PrimitiveBuffer(i int) backend.Buffer      { return m.frame(i).primitiveBuf }
func (m *Manager) AABBBuffer(i int) backend.Buffer           { return m.frame(i).aabbBuf }
func (m *Manager) LightBuffer(i int) backend.Buffer          { return m.frame(i).lightBuf }
func (m *Manager) PrimitiveRemapBuffer(i int) backend.Buffer { return m.frame(i).primRemapBuf }
func (m *Manager) LightRemapBuffer(i int) backend.Buffer     { return m.frame(i).lightRemapBuf }

// Staging returns the host-visible build upload area.
func (m *Manager) Staging() *Staging { return m.staging }

// ModificationBuffer is the host-visible dirty bitmask, one bit per
// primitive slot in little-endian u32 words.
func (m *Manager) ModificationBuffer() backend.Buffer { return m.modBuf }

// LightCount returns the last published light count.
func (m *Manager) LightCount() uint32 { return m.lightCounter.Load() }

// Snapshot is copy i as read back from the device.
type Snapshot struct {
	Instances      []Instance
	Primitives     []Primitive
	AABBs          []math.AABB
	Lights         []Light
	PrimitiveRemap []uint32
	LightRemap     []uint32
}

// Snapshot reads copy i back from the device.
func (m *Manager) Snapshot(i int) (Snapshot, error) {
	if !m.live.Load() {
		return Snapshot{}, ErrNotInitialized
	}
	f := m.frame(i)
	read := func(b backend.Buffer, n int) ([]byte, error) {
		out := make([]byte, n)
		if err := m.dev.ReadBuffer(b, 0, out); err != nil {
			return nil, fmt.Errorf("reading frame %d: %w", f.index, err)
		}
		return out, nil
	}
	var s Snapshot
	b, err := read(f.instanceBuf, len(f.instances)*InstanceSize)
	if err != nil {
		return s, err
	}
	s.Instances = DecodeInstances(b)
	if b, err = read(f.primitiveBuf, len(f.primitives)*PrimitiveSize); err != nil {
		return s, err
	}
	s.Primitives = DecodePrimitives(b)
	if b, err = read(f.aabbBuf, len(f.aabbs)*AABBSize); err != nil {
		return s, err
	}
	s.AABBs = backend.DecodeAABBs(b)
	if b, err = read(f.lightBuf, len(f.lights)*LightSize); err != nil {
		return s, err
	}
	s.Lights = DecodeLights(b)
	if b, err = read(f.primRemapBuf, len(f.primRemap)*RemapSize); err != nil {
		return s, err
	}
	s.PrimitiveRemap = decodeRemap(b)
	if b, err = read(f.lightRemapBuf, len(f.lightRemap)*RemapSize); err != nil {
		return s, err
	}
	s.LightRemap = decodeRemap(b)
	return s, nil
}

func decodeRemap(b []byte) []uint32 {
	out := make([]uint32, len(b)/RemapSize)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(b[i*RemapSize:])
	}
	return out
}
