// Package soft is an in-memory backend.Device. Buffers are byte slices and
// acceleration structures are CPU BVHs encoded into their backing bytes, so
// the pipeline can run headless and tests can inspect every byte.
package soft

import (
	"fmt"
	"sync"

	"github.com/Faultbox/accelpipe/internal/backend"
	"github.com/Faultbox/accelpipe/internal/bvh"
	"github.com/Faultbox/accelpipe/pkg/math"
)

// Stats counts device work.
type Stats struct {
	Buffers      int
	AccelStructs int
	BLASBuilds   int
	BLASUpdates  int
	TLASBuilds   int
	Copies       int
	Writes       int
	Flushes      int
}

type buffer struct {
	label string
	usage backend.BufferUsage
	data  []byte
}

type accel struct {
	// BLAS: bound range of backing.
	backing backend.Buffer
	offset  uint64
	size    uint64
	tree    *bvh.Tree
	boxes   []math.AABB

	// TLAS
	top       bool
	capacity  uint32
	instances []backend.TLASInstance
}

// Device implements backend.Device in host memory. It is safe for
// concurrent use.
type Device struct {
	mu       sync.Mutex
	next     uint64
	buffers  map[backend.Buffer]*buffer
	accels   map[backend.AccelStruct]*accel
	leafSize int
	stats    Stats
	closed   bool
}

var _ backend.Device = (*Device)(nil)

// Option configures a Device.
type Option func(*Device)

// WithLeafSize sets the maximum primitives per BLAS leaf.
func WithLeafSize(n int) Option {
	return func(d *Device) {
		if n > 0 {
			d.leafSize = n
		}
	}
}

// New creates a device.
func New(opts ...Option) *Device {
	d := &Device{
		buffers:  make(map[backend.Buffer]*buffer),
		accels:   make(map[backend.AccelStruct]*accel),
		leafSize: bvh.DefaultLeafSize,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Device) handle() uint64 {
	d.next++
	return d.next
}

func (d *Device) bufferLocked(b backend.Buffer) (*buffer, error) {
	if d.closed {
		return nil, backend.ErrClosed
	}
	buf, ok := d.buffers[b]
	if !ok {
		return nil, fmt.Errorf("%w: %d", backend.ErrUnknownBuffer, b)
	}
	return buf, nil
}

func checkRange(buf *buffer, offset, size uint64) error {
	if offset+size > uint64(len(buf.data)) || offset+size < offset {
		return fmt.Errorf("%w: [%d, %d) of %q (%d bytes)", backend.ErrOutOfRange, offset, offset+size, buf.label, len(buf.data))
	}
	return nil
}

// CreateBuffer allocates a zero-filled buffer.
func (d *Device) CreateBuffer(label string, size uint64, usage backend.BufferUsage) (backend.Buffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, backend.ErrClosed
	}
	h := backend.Buffer(d.handle())
	d.buffers[h] = &buffer{label: label, usage: usage, data: make([]byte, size)}
	d.stats.Buffers++
	return h, nil
}

// DestroyBuffer frees b. Unknown handles are ignored.
func (d *Device) DestroyBuffer(b backend.Buffer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.buffers[b]; ok {
		delete(d.buffers, b)
		d.stats.Buffers--
	}
}

// Map returns the backing slice of a host-visible buffer.
func (d *Device) Map(b backend.Buffer) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	buf, err := d.bufferLocked(b)
	if err != nil {
		return nil, err
	}
	if !buf.usage.Has(backend.UsageHostVisible) {
		return nil, fmt.Errorf("%w: %q", backend.ErrNotHostVisible, buf.label)
	}
	return buf.data, nil
}

// WriteBuffer copies data into dst at offset.
func (d *Device) WriteBuffer(dst backend.Buffer, offset uint64, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	buf, err := d.bufferLocked(dst)
	if err != nil {
		return err
	}
	if err := checkRange(buf, offset, uint64(len(data))); err != nil {
		return err
	}
	copy(buf.data[offset:], data)
	d.stats.Writes++
	return nil
}

// ReadBuffer copies len(out) bytes of src at offset into out.
func (d *Device) ReadBuffer(src backend.Buffer, offset uint64, out []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	buf, err := d.bufferLocked(src)
	if err != nil {
		return err
	}
	if err := checkRange(buf, offset, uint64(len(out))); err != nil {
		return err
	}
	copy(out, buf.data[offset:])
	return nil
}

// CopyBuffer copies size bytes between buffers. Overlapping ranges of the
// same buffer are handled like memmove.
func (d *Device) CopyBuffer(src backend.Buffer, srcOffset uint64, dst backend.Buffer, dstOffset, size uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	from, err := d.bufferLocked(src)
	if err != nil {
		return err
	}
	to, err := d.bufferLocked(dst)
	if err != nil {
		return err
	}
	if err := checkRange(from, srcOffset, size); err != nil {
		return err
	}
	if err := checkRange(to, dstOffset, size); err != nil {
		return err
	}
	copy(to.data[dstOffset:dstOffset+size], from.data[srcOffset:srcOffset+size])
	d.stats.Copies++
	return nil
}

// Flush is a no-op beyond counting; every command completes immediately.
func (d *Device) Flush() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return backend.ErrClosed
	}
	d.stats.Flushes++
	return nil
}

// Close releases everything. Later calls fail with backend.ErrClosed.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	clear(d.buffers)
	clear(d.accels)
	return nil
}

// Stats returns a copy of the work counters.
func (d *Device) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.stats
	s.AccelStructs = len(d.accels)
	return s
}
