// Package accel is the double-buffered acceleration-structure pipeline.
//
// A Manager owns two copies of every scene array (instances, primitives,
// AABBs, lights and the remap tables) and a background worker that is the
// only writer of them. The producer submits tasks and calls Advance once
// per phase:
//
//	UPDATING   drain the queue into the current copy, rebuild its TLAS
//	SWITCHING  replay the same edits into the previous copy
//	SETTLING   clear remap entries, log the batch for undo, rebuild the
//	           previous TLAS, release superseded BLASes
//
// A renderer reads RenderIndex, which never names a copy being edited.
package accel

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/Faultbox/accelpipe/internal/backend"
	"github.com/Faultbox/accelpipe/internal/idalloc"
	"github.com/Faultbox/accelpipe/internal/logger"
	"github.com/Faultbox/accelpipe/internal/rangealloc"
	"github.com/Faultbox/accelpipe/internal/task"
	"github.com/Faultbox/accelpipe/internal/undo"
)

// DefaultBLASAlignment is the placement alignment of BLASes in their pool.
const DefaultBLASAlignment = 256

// Options configures a Manager. Zero values of the optional fields select
// defaults.
type Options struct {
	MaxInstances  uint32
	MaxPrimitives uint32
	MaxLights     uint32

	// LightCounter receives the live light count once per SWITCHING phase.
	LightCounter *atomic.Uint32

	// UndoDepth is the number of settled batches kept for undo.
	UndoDepth int

	// BLASPoolBytes sizes the backing buffer shared by every BLAS. The
	// default holds two generations of BLASes for a full primitive pool.
	BLASPoolBytes uint64
	BLASAlignment uint64

	Logger *zap.Logger
}

func (o Options) withDefaults(dev backend.Device) (Options, error) {
	if o.MaxInstances == 0 || o.MaxPrimitives == 0 {
		return o, fmt.Errorf("%w: need at least one instance and one primitive", ErrInvalidOptions)
	}
	if o.UndoDepth <= 0 {
		o.UndoDepth = 1
	}
	if o.BLASAlignment == 0 {
		o.BLASAlignment = DefaultBLASAlignment
	}
	if o.BLASPoolBytes == 0 {
		perInstance := dev.BLASSize(1) + o.BLASAlignment
		o.BLASPoolBytes = 2 * (dev.BLASSize(o.MaxPrimitives) + uint64(o.MaxInstances)*perInstance)
	}
	if o.LightCounter == nil {
		o.LightCounter = new(atomic.Uint32)
	}
	if o.Logger == nil {
		o.Logger = logger.Named("accel")
	}
	return o, nil
}

// Stats summarizes the committed scene.
type Stats struct {
	State       State
	Instances   int
	Primitives  uint32
	Lights      uint32
	BLASBytes   uint64
	Batches     uint64
	UndoEntries int
}

// Manager is the pipeline. Producer methods may be called from any
// goroutine; they are serialized internally.
type Manager struct {
	dev          backend.Device
	opts         Options
	log          *zap.Logger
	lightCounter *atomic.Uint32

	// mu serializes producer entry points.
	mu       sync.Mutex
	live     atomic.Bool
	inflight bool

	stateMu sync.Mutex
	state   State
	current int
	valid   [BufferCount]bool
	stats   Stats

	queue   *task.Queue
	staging *Staging
	frames  [BufferCount]*frame
	modBuf  backend.Buffer
	modBits []byte

	// Worker owned.
	ids      *idalloc.Allocator
	prims    *rangealloc.Allocator[uint64]
	blasBuf  backend.Buffer
	blasPool *rangealloc.Allocator[backend.AccelStruct]
	slots    []slot
	retired  []backend.AccelStruct
	replay   []entry
	switched []entry
	history  *undo.Log[[]entry]
	batches  uint64

	wake chan State
	done chan error
	stop chan struct{}
	wg   sync.WaitGroup
}

// blasStrategy binds pool ranges to device BLASes.
type blasStrategy struct {
	dev     backend.Device
	backing backend.Buffer
}

func (s blasStrategy) Create(offset, size uint64) (backend.AccelStruct, error) {
	return s.dev.CreateBLAS(s.backing, offset, size)
}

func (s blasStrategy) Destroy(as backend.AccelStruct) { s.dev.DestroyAccelStruct(as) }

// Create allocates every device resource and starts the worker.
func Create(dev backend.Device, opts Options) (*Manager, error) {
	if dev == nil {
		return nil, fmt.Errorf("%w: nil device", ErrInvalidOptions)
	}
	opts, err := opts.withDefaults(dev)
	if err != nil {
		return nil, err
	}
	m := &Manager{
		dev:          dev,
		opts:         opts,
		log:          opts.Logger,
		lightCounter: opts.LightCounter,
		queue:        task.NewQueue(task.Counters{Instances: opts.MaxInstances, Primitives: opts.MaxPrimitives, Lights: opts.MaxLights}),
		ids:          idalloc.New(opts.MaxInstances),
		prims:        rangealloc.New[uint64](uint64(opts.MaxPrimitives), 1, rangealloc.Offsets{}),
		slots:        make([]slot, opts.MaxInstances),
		history:      undo.New[[]entry](opts.UndoDepth),
		wake:         make(chan State, 1),
		done:         make(chan error, 1),
		stop:         make(chan struct{}),
	}
	for i := range m.valid {
		m.valid[i] = true
	}
	if err := m.allocate(); err != nil {
		m.release()
		return nil, err
	}
	m.refreshStats()

	m.wg.Add(1)
	go m.run()
	m.live.Store(true)
	m.log.Info("pipeline created",
		zap.Uint32("instances", opts.MaxInstances),
		zap.Uint32("primitives", opts.MaxPrimitives),
		zap.Uint32("lights", opts.MaxLights),
		zap.Uint64("blasPool", opts.BLASPoolBytes),
		zap.Int("undoDepth", opts.UndoDepth))
	return m, nil
}

func (m *Manager) allocate() error {
	for i := range m.frames {
		f, err := newFrame(m.dev, i, m.opts)
		if err != nil {
			return err
		}
		m.frames[i] = f
	}
	s, err := newStaging(m.dev, m.opts)
	if err != nil {
		return err
	}
	m.staging = s

	words := (uint64(m.opts.MaxPrimitives) + 31) / 32
	if m.modBuf, err = m.dev.CreateBuffer("modifications", words*4, backend.UsageHostVisible|backend.UsageStorage); err != nil {
		return fmt.Errorf("creating modification buffer: %w", err)
	}
	if m.modBits, err = m.dev.Map(m.modBuf); err != nil {
		return fmt.Errorf("mapping modification buffer: %w", err)
	}

	if m.blasBuf, err = m.dev.CreateBuffer("blas-pool", m.opts.BLASPoolBytes, backend.UsageAccelStorage); err != nil {
		return fmt.Errorf("creating blas pool: %w", err)
	}
	m.blasPool = rangealloc.New[backend.AccelStruct](m.opts.BLASPoolBytes, m.opts.BLASAlignment, blasStrategy{dev: m.dev, backing: m.blasBuf})
	return nil
}

func (m *Manager) release() {
	if m.blasPool != nil {
		m.blasPool.Release()
	}
	if m.blasBuf != 0 {
		m.dev.DestroyBuffer(m.blasBuf)
		m.blasBuf = 0
	}
	if m.modBuf != 0 {
		m.dev.DestroyBuffer(m.modBuf)
		m.modBuf, m.modBits = 0, nil
	}
	if m.staging != nil {
		m.staging.release(m.dev)
	}
	for _, f := range m.frames {
		if f != nil {
			f.release()
		}
	}
}

// Destroy collects any phase still in flight, stops the worker and frees
// every device resource. The device itself stays open.
func (m *Manager) Destroy() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.live.Swap(false) {
		return ErrNotInitialized
	}
	err := m.collect()
	close(m.stop)
	m.wg.Wait()
	m.release()
	m.log.Info("pipeline destroyed", zap.Uint64("batches", m.batches))
	return err
}

// SubmitTask enqueues t. A task.Build must refer to data already written to
// Staging at the queue's pending offsets.
func (m *Manager) SubmitTask(t task.Task) error {
	if !m.live.Load() {
		return ErrNotInitialized
	}
	if err := m.queue.Submit(t); err != nil {
		return &CapacityError{Resource: ResourceStaging, Err: err}
	}
	return nil
}

// SubmitBuild stages data and enqueues the build that uploads it.
func (m *Manager) SubmitBuild(data []InstanceData) error {
	if !m.live.Load() {
		return ErrNotInitialized
	}
	counts, err := validateBuild(data)
	if err != nil {
		return err
	}
	if _, err := m.queue.Stage(counts, func(base task.Counters) { m.staging.write(base, data) }); err != nil {
		return &CapacityError{Resource: ResourceStaging, Requested: uint64(counts.Primitives), Err: err}
	}
	return nil
}

// Pending returns the number of queued tasks and the staged counts not yet
// uploaded.
func (m *Manager) Pending() (int, task.Counters) {
	return m.queue.Len(), m.queue.Pending()
}

// Advance moves the pipeline one phase forward. Starting a batch needs
// queued tasks; with an idle pipeline and an empty queue it reports false.
// With synchronize the call returns once the phase is done, otherwise the
// phase result is collected by the next Advance, Wait or Destroy.
//
// A *CapacityError means the phase finished without the failing task.
func (m *Manager) Advance(synchronize bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.live.Load() {
		return false, ErrNotInitialized
	}
	if err := m.collect(); err != nil {
		return false, err
	}

	m.stateMu.Lock()
	if m.state == StateIdle && m.queue.Len() == 0 {
		m.stateMu.Unlock()
		return false, nil
	}
	to, err := m.fireLocked(EventAdvance)
	m.stateMu.Unlock()
	if err != nil {
		return false, err
	}

	m.inflight = true
	m.wake <- to
	if !synchronize {
		return true, nil
	}
	return true, m.collect()
}

// Wait blocks until the phase started by an asynchronous Advance is done.
func (m *Manager) Wait() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.live.Load() {
		return ErrNotInitialized
	}
	return m.collect()
}

func (m *Manager) collect() error {
	if !m.inflight {
		return nil
	}
	m.inflight = false
	return <-m.done
}

// fireLocked applies e to the state machine. Starting a batch rotates the
// current index and hides it from the renderer. Callers hold stateMu.
func (m *Manager) fireLocked(e Event) (State, error) {
	to, ok := next(m.state, e)
	if !ok {
		return m.state, fmt.Errorf("%w: %s while %s", ErrPhaseInProgress, e, m.state)
	}
	if m.state == StateIdle {
		m.current = nextIndex(m.current)
		m.valid[m.current] = false
	}
	m.log.Debug("phase", zap.Stringer("from", m.state), zap.Stringer("to", to), zap.Int("current", m.current))
	m.state = to
	return to, nil
}

func (m *Manager) indices() (cur, prev int) {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.current, previousIndex(m.current)
}

func (m *Manager) setValid(cur, prev bool) {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	m.valid[m.current] = cur
	m.valid[previousIndex(m.current)] = prev
}

func (m *Manager) refreshStats() {
	cur, _ := m.indices()
	f := m.frames[cur]
	s := Stats{
		Instances:   m.ids.Len(),
		Lights:      f.lightCount,
		Batches:     m.batches,
		UndoEntries: m.history.Len(),
	}
	for _, inst := range f.instances {
		s.Primitives += inst.PrimitiveCount
	}
	if m.blasPool != nil {
		s.BLASBytes = m.blasPool.Used()
	}
	m.stateMu.Lock()
	s.State = m.state
	m.stats = s
	m.stateMu.Unlock()
}

// Stats returns the figures recorded at the end of the last phase.
func (m *Manager) Stats() Stats {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	s := m.stats
	s.State = m.state
	return s
}

// State returns the pipeline phase.
func (m *Manager) State() State {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.state
}
