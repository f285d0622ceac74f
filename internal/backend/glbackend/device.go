package glbackend

import (
	"errors"
	"fmt"
	"sync"

	"github.com/go-gl/gl/v4.1-core/gl"
	"go.uber.org/zap"

	"github.com/Faultbox/accelpipe/internal/backend"
	"github.com/Faultbox/accelpipe/internal/bvh"
	"github.com/Faultbox/accelpipe/internal/logger"
	"github.com/Faultbox/accelpipe/pkg/math"
)

var errThreadGone = errors.New("glbackend: GL thread stopped")

// Options configures the context window and BVH builds.
type Options struct {
	Width    int
	Height   int
	LeafSize int
	Logger   *zap.Logger
}

type buffer struct {
	label string
	usage backend.BufferUsage
	size  uint64
	// name is the GL buffer object; host-visible buffers have none.
	name uint32
	host []byte
}

type accel struct {
	backing backend.Buffer
	offset  uint64
	size    uint64
	tree    *bvh.Tree
	boxes   []math.AABB

	top       bool
	capacity  uint32
	instances []backend.TLASInstance
	// nodes receives the encoded top-level tree.
	nodes uint32
}

// Device is an OpenGL backend.Device. It is safe for concurrent use.
type Device struct {
	mu       sync.Mutex
	t        *thread
	log      *zap.Logger
	leafSize int
	next     uint64
	buffers  map[backend.Buffer]*buffer
	accels   map[backend.AccelStruct]*accel
	closed   bool
}

var _ backend.Device = (*Device)(nil)

// New opens a hidden window and its GL 4.1 core context.
func New(opts Options) (*Device, error) {
	if opts.Width <= 0 || opts.Height <= 0 {
		opts.Width, opts.Height = 64, 64
	}
	if opts.LeafSize <= 0 {
		opts.LeafSize = bvh.DefaultLeafSize
	}
	if opts.Logger == nil {
		opts.Logger = logger.Named("gl")
	}
	t, err := startThread(opts.Width, opts.Height, opts.Logger)
	if err != nil {
		return nil, err
	}
	return &Device{
		t:        t,
		log:      opts.Logger,
		leafSize: opts.LeafSize,
		buffers:  make(map[backend.Buffer]*buffer),
		accels:   make(map[backend.AccelStruct]*accel),
	}, nil
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
	if offset+size > buf.size || offset+size < offset {
		return fmt.Errorf("%w: [%d, %d) of %q (%d bytes)", backend.ErrOutOfRange, offset, offset+size, buf.label, buf.size)
	}
	return nil
}

// genBuffer creates a zero-filled GL buffer object. Runs on the GL thread.
func genBuffer(size uint64) (uint32, error) {
	var name uint32
	gl.GenBuffers(1, &name)
	gl.BindBuffer(gl.COPY_WRITE_BUFFER, name)
	if size > 0 {
		zeros := make([]byte, size)
		gl.BufferData(gl.COPY_WRITE_BUFFER, int(size), gl.Ptr(zeros), gl.DYNAMIC_COPY)
	} else {
		gl.BufferData(gl.COPY_WRITE_BUFFER, 0, nil, gl.DYNAMIC_COPY)
	}
	gl.BindBuffer(gl.COPY_WRITE_BUFFER, 0)
	if err := glError("glBufferData"); err != nil {
		gl.DeleteBuffers(1, &name)
		return 0, err
	}
	return name, nil
}

func subData(name uint32, offset uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	gl.BindBuffer(gl.COPY_WRITE_BUFFER, name)
	gl.BufferSubData(gl.COPY_WRITE_BUFFER, int(offset), len(data), gl.Ptr(data))
	gl.BindBuffer(gl.COPY_WRITE_BUFFER, 0)
	return glError("glBufferSubData")
}

func getSubData(name uint32, offset uint64, out []byte) error {
	if len(out) == 0 {
		return nil
	}
	gl.BindBuffer(gl.COPY_READ_BUFFER, name)
	gl.GetBufferSubData(gl.COPY_READ_BUFFER, int(offset), len(out), gl.Ptr(out))
	gl.BindBuffer(gl.COPY_READ_BUFFER, 0)
	return glError("glGetBufferSubData")
}

// writeLocked stores data into buf at offset. Callers checked the range.
func (d *Device) writeLocked(buf *buffer, offset uint64, data []byte) error {
	if buf.name == 0 {
		copy(buf.host[offset:], data)
		return nil
	}
	return d.t.do(func() error { return subData(buf.name, offset, data) })
}

// readLocked loads len(out) bytes of buf at offset. Callers checked the
// range.
func (d *Device) readLocked(buf *buffer, offset uint64, out []byte) error {
	if buf.name == 0 {
		copy(out, buf.host[offset:])
		return nil
	}
	return d.t.do(func() error { return getSubData(buf.name, offset, out) })
}

// CreateBuffer allocates a zero-filled buffer. Host-visible buffers stay in
// Go memory.
func (d *Device) CreateBuffer(label string, size uint64, usage backend.BufferUsage) (backend.Buffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, backend.ErrClosed
	}
	buf := &buffer{label: label, usage: usage, size: size}
	if usage.Has(backend.UsageHostVisible) {
		buf.host = make([]byte, size)
	} else {
		err := d.t.do(func() error {
			var err error
			buf.name, err = genBuffer(size)
			return err
		})
		if err != nil {
			return 0, fmt.Errorf("creating buffer %q: %w", label, err)
		}
	}
	h := backend.Buffer(d.handle())
	d.buffers[h] = buf
	d.log.Debug("buffer created", zap.String("label", label), zap.Uint64("size", size), zap.Uint32("name", buf.name))
	return h, nil
}

// DestroyBuffer frees b. Unknown handles are ignored.
func (d *Device) DestroyBuffer(b backend.Buffer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	buf, ok := d.buffers[b]
	if !ok {
		return
	}
	delete(d.buffers, b)
	if buf.name != 0 {
		_ = d.t.do(func() error {
			gl.DeleteBuffers(1, &buf.name)
			return nil
		})
	}
}

// Map returns the Go memory of a host-visible buffer.
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
	return buf.host, nil
}

// WriteBuffer uploads data into dst at offset.
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
	return d.writeLocked(buf, offset, data)
}

// ReadBuffer downloads len(out) bytes of src at offset.
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
	return d.readLocked(buf, offset, out)
}

// CopyBuffer copies size bytes between buffers. GL-to-GL copies between
// distinct buffers stay on the device; everything else goes through host
// memory.
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
	if size == 0 {
		return nil
	}

	switch {
	case from.name != 0 && to.name != 0 && from != to:
		return d.t.do(func() error {
			gl.BindBuffer(gl.COPY_READ_BUFFER, from.name)
			gl.BindBuffer(gl.COPY_WRITE_BUFFER, to.name)
			gl.CopyBufferSubData(gl.COPY_READ_BUFFER, gl.COPY_WRITE_BUFFER, int(srcOffset), int(dstOffset), int(size))
			gl.BindBuffer(gl.COPY_READ_BUFFER, 0)
			gl.BindBuffer(gl.COPY_WRITE_BUFFER, 0)
			return glError("glCopyBufferSubData")
		})
	case from.name == 0:
		return d.writeLocked(to, dstOffset, from.host[srcOffset:srcOffset+size])
	default:
		tmp := make([]byte, size)
		if err := d.readLocked(from, srcOffset, tmp); err != nil {
			return err
		}
		return d.writeLocked(to, dstOffset, tmp)
	}
}

// Flush waits for every submitted GL command.
func (d *Device) Flush() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return backend.ErrClosed
	}
	return d.t.do(func() error {
		gl.Finish()
		return glError("glFinish")
	})
}

// Close deletes every GL object and destroys the context window.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	var names []uint32
	for _, buf := range d.buffers {
		if buf.name != 0 {
			names = append(names, buf.name)
		}
	}
	for _, a := range d.accels {
		if a.nodes != 0 {
			names = append(names, a.nodes)
		}
	}
	var err error
	if len(names) > 0 {
		err = d.t.do(func() error {
			gl.DeleteBuffers(int32(len(names)), &names[0])
			return glError("glDeleteBuffers")
		})
	}
	clear(d.buffers)
	clear(d.accels)
	d.t.close()
	d.log.Info("GL device closed")
	return err
}
