package accel

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/Faultbox/accelpipe/internal/backend"
	"github.com/Faultbox/accelpipe/internal/task"
)

// slot is the worker bookkeeping of one instance identity.
type slot struct {
	blas      backend.AccelStruct
	rangeSize uint32
}

// processTaskQueue is UPDATING: drain the queue into the current frame and
// rebuild its top-level structure.
func (m *Manager) processTaskQueue() error {
	cur, _ := m.indices()
	f := m.frames[cur]

	tasks := m.queue.Drain()
	var (
		failed error
		j      journal
	)
	for i, t := range tasks {
		// Undo reverts the last settled batch, so it must run before anything
		// else in its batch.
		if _, ok := t.(task.Undo); ok && i > 0 {
			m.queue.Requeue(tasks[i:])
			break
		}
		j.reset()
		entries, err := m.processTask(f, t, &j)
		if err == nil {
			m.replay = append(m.replay, entries...)
			continue
		}
		_ = f.takeErr()
		j.rollback()
		m.queue.Requeue(tasks[i+1:])
		m.log.Error("task dropped",
			zap.Stringer("kind", t.Kind()),
			zap.Int("requeued", len(tasks)-i-1),
			zap.Error(err))
		failed = err
		break
	}

	if err := m.buildTLAS(f); err != nil {
		return errors.Join(failed, err)
	}
	if err := errors.Join(f.takeErr(), m.dev.Flush()); err != nil {
		return errors.Join(failed, err)
	}
	m.setValid(true, false)
	m.log.Debug("updating done", zap.Int("frame", cur), zap.Int("ops", len(m.replay)))
	return failed
}

func (m *Manager) processTask(f *frame, t task.Task, j *journal) ([]entry, error) {
	var (
		entries []entry
		err     error
	)
	switch t := t.(type) {
	case task.Build:
		entries, err = m.build(f, t, j)
	case task.DeletePrimitive:
		entries, err = m.deletePrimitive(f, t, j)
	case task.Update:
		entries, err = m.update(f, t, j)
	case task.Undo:
		entries, err = m.undo(f, j)
	default:
		m.log.Warn("skipping unknown task", zap.Stringer("kind", t.Kind()))
	}
	if ferr := f.takeErr(); ferr != nil && err == nil {
		err = ferr
	}
	return entries, err
}

func (m *Manager) liveInstance(f *frame, id uint32) bool {
	return id < m.opts.MaxInstances && m.ids.InUse(id) && f.instances[id].PrimitiveCount > 0
}

func (m *Manager) build(f *frame, b task.Build, j *journal) ([]entry, error) {
	var rec buildRecord
	for k := uint32(0); k < b.InstanceCount; k++ {
		bi, ok := m.readStaged(b, b.InstanceOffset+k)
		if !ok {
			continue
		}
		if err := m.place(f, bi, j); err != nil {
			return nil, err
		}
		rec.Instances = append(rec.Instances, *bi)
	}
	if len(rec.Instances) == 0 {
		return nil, nil
	}
	return []entry{{rec: rec, staged: true}}, nil
}

// readStaged decodes staged instance idx with its primitives and lights.
// Light and primitive cross references come back local to the instance.
func (m *Manager) readStaged(b task.Build, idx uint32) (*builtInstance, bool) {
	s := m.staging
	inst := s.instance(idx)
	end := b.PrimitiveOffset + b.PrimitiveCount
	if inst.PrimitiveCount == 0 || inst.FirstPrimitive < b.PrimitiveOffset || inst.FirstPrimitive+inst.PrimitiveCount > end {
		m.log.Warn("skipping staged instance: primitive range outside build",
			zap.Uint32("staged", idx),
			zap.Uint32("first", inst.FirstPrimitive),
			zap.Uint32("count", inst.PrimitiveCount))
		return nil, false
	}
	bi := &builtInstance{
		Record:           Instance{Transform: inst.Transform, PrimitiveCount: inst.PrimitiveCount},
		StagingPrimitive: inst.FirstPrimitive,
	}

	local := make(map[uint32]uint32)
	for l := b.LightOffset; l < b.LightOffset+b.LightCount; l++ {
		light := s.light(l)
		if light.Instance != idx {
			continue
		}
		if light.Primitive < inst.FirstPrimitive || light.Primitive >= inst.FirstPrimitive+inst.PrimitiveCount {
			m.log.Warn("skipping staged instance: light outside its primitives",
				zap.Uint32("staged", idx), zap.Uint32("light", l))
			return nil, false
		}
		local[l] = uint32(len(bi.Lights))
		light.Primitive -= inst.FirstPrimitive
		bi.Lights = append(bi.Lights, light)
	}
	for i := uint32(0); i < inst.PrimitiveCount; i++ {
		p := s.primitive(inst.FirstPrimitive + i)
		if p.Light != NoLight {
			lj, ok := local[p.Light]
			if !ok {
				m.log.Warn("skipping staged instance: primitive names a foreign light",
					zap.Uint32("staged", idx), zap.Uint32("light", p.Light))
				return nil, false
			}
			p.Light = lj
		}
		bi.Primitives = append(bi.Primitives, p)
		bi.AABBs = append(bi.AABBs, s.aabb(inst.FirstPrimitive+i))
	}
	return bi, true
}

// place allocates the identity and ranges of bi, rewrites its references to
// absolute slots and installs it into f.
func (m *Manager) place(f *frame, bi *builtInstance, j *journal) error {
	id, ok := m.ids.Allocate()
	if !ok {
		return &CapacityError{Resource: ResourceIdentities, Requested: 1}
	}
	j.add(func() { m.ids.Deallocate(id) })

	n := bi.Record.PrimitiveCount
	first, _, err := m.prims.Allocate(uint64(n))
	if err != nil {
		return &CapacityError{Resource: ResourcePrimitives, Requested: uint64(n), Available: m.prims.Largest(), Err: err}
	}
	j.add(func() { _ = m.prims.Deallocate(first) })

	lights := uint32(len(bi.Lights))
	if f.lightCount+lights > m.opts.MaxLights {
		return &CapacityError{Resource: ResourceLights, Requested: uint64(lights), Available: uint64(m.opts.MaxLights - f.lightCount)}
	}

	bi.ID = id
	bi.Record.FirstPrimitive = uint32(first)
	bi.LightFirst = f.lightCount
	for i := range bi.Primitives {
		if bi.Primitives[i].Light != NoLight {
			bi.Primitives[i].Light += bi.LightFirst
		}
	}
	for i := range bi.Lights {
		bi.Lights[i].Instance = id
		bi.Lights[i].Primitive += uint32(first)
	}

	m.slots[id].rangeSize = n
	j.add(func() { m.slots[id].rangeSize = 0 })
	bi.install(f, m.staging)
	j.add(func() { bi.remove(f) })

	return m.rebuildBLAS(f, id, j)
}

func (m *Manager) deletePrimitive(f *frame, t task.DeletePrimitive, j *journal) ([]entry, error) {
	if !m.liveInstance(f, t.Instance) {
		m.log.Warn("skipping delete: unknown instance", zap.Uint32("instance", t.Instance))
		return nil, nil
	}
	inst := f.instances[t.Instance]
	if t.Slot >= inst.PrimitiveCount {
		m.log.Warn("skipping delete: slot out of range",
			zap.Uint32("instance", t.Instance),
			zap.Uint32("slot", t.Slot),
			zap.Uint32("count", inst.PrimitiveCount))
		return nil, nil
	}

	rec := deleteRecord{
		Instance:  t.Instance,
		Before:    inst,
		Slot:      inst.FirstPrimitive + t.Slot,
		Exchange:  inst.FirstPrimitive + inst.PrimitiveCount - 1,
		Retired:   inst.PrimitiveCount == 1,
		RangeSize: m.slots[t.Instance].rangeSize,
	}
	rec.Primitive = f.primitives[rec.Slot]
	rec.Bounds = f.aabbs[rec.Slot]
	if rec.emissive() {
		if rec.Primitive.Light >= f.lightCount {
			m.log.Warn("skipping delete: primitive names a dead light",
				zap.Uint32("instance", t.Instance), zap.Uint32("light", rec.Primitive.Light))
			return nil, nil
		}
		rec.LightSlot = rec.Primitive.Light
		rec.Light = f.lights[rec.LightSlot]
		rec.LightExchange = f.lightCount - 1
	}

	rec.apply(f, false, nil)
	j.add(func() { rec.apply(f, true, nil) })
	rec.remap(f, true)
	j.add(func() { rec.remap(f, false) })

	if rec.Retired {
		m.releaseInstance(t.Instance, inst.FirstPrimitive, j)
	} else if err := m.rebuildBLAS(f, t.Instance, j); err != nil {
		return nil, err
	}
	return []entry{{rec: rec}}, nil
}

func (m *Manager) update(f *frame, t task.Update, j *journal) ([]entry, error) {
	if !m.liveInstance(f, t.Instance) {
		m.log.Warn("skipping update: unknown instance", zap.Uint32("instance", t.Instance))
		return nil, nil
	}
	inst := f.instances[t.Instance]
	rec := updateRecord{
		Instance: t.Instance,
		Before:   inst.Transform,
		After:    t.Delta.Mul(inst.Transform),
	}
	for _, p := range t.AABBs {
		if p.Slot >= inst.PrimitiveCount {
			m.log.Warn("skipping aabb patch: slot out of range",
				zap.Uint32("instance", t.Instance),
				zap.Uint32("slot", p.Slot),
				zap.Uint32("count", inst.PrimitiveCount))
			continue
		}
		abs := inst.FirstPrimitive + p.Slot
		before := f.aabbs[abs]
		for i := len(rec.Patches) - 1; i >= 0; i-- {
			if rec.Patches[i].Slot == abs {
				before = rec.Patches[i].After
				break
			}
		}
		rec.Patches = append(rec.Patches, aabbChange{Slot: abs, Before: before, After: p.Bounds})
	}

	rec.apply(f, false, nil)
	j.add(func() { rec.apply(f, true, nil) })
	if len(rec.Patches) > 0 {
		if err := m.refit(f, t.Instance, j); err != nil {
			return nil, err
		}
	}
	return []entry{{rec: rec}}, nil
}

func (m *Manager) undo(f *frame, j *journal) ([]entry, error) {
	batch, ok := m.history.Peek()
	if !ok {
		m.log.Warn("skipping undo: nothing settled to revert")
		return nil, nil
	}
	entries := make([]entry, 0, len(batch))
	for i := len(batch) - 1; i >= 0; i-- {
		if err := m.revert(f, batch[i].rec, j); err != nil {
			return nil, err
		}
		entries = append(entries, entry{rec: batch[i].rec, inverse: true})
	}
	m.history.Pop()
	j.add(func() { m.history.Push(batch) })
	return entries, nil
}

// revert applies the inverse of rec to f together with the allocator
// bookkeeping it needs.
func (m *Manager) revert(f *frame, rec record, j *journal) error {
	switch r := rec.(type) {
	case buildRecord:
		for i := len(r.Instances) - 1; i >= 0; i-- {
			bi := &r.Instances[i]
			m.releaseInstance(bi.ID, bi.Record.FirstPrimitive, j)
			bi.remove(f)
			j.add(func() { bi.install(f, nil) })
		}
		return nil

	case deleteRecord:
		if r.Retired {
			if err := m.claimInstance(r.Instance, r.Before.FirstPrimitive, r.RangeSize, j); err != nil {
				return err
			}
		}
		r.apply(f, true, nil)
		j.add(func() { r.apply(f, false, nil) })
		r.remap(f, true)
		j.add(func() { r.remap(f, false) })
		return m.rebuildBLAS(f, r.Instance, j)

	case updateRecord:
		r.apply(f, true, nil)
		j.add(func() { r.apply(f, false, nil) })
		if len(r.Patches) > 0 {
			return m.refit(f, r.Instance, j)
		}
		return nil
	}
	return fmt.Errorf("accel: cannot revert %T", rec)
}

// releaseInstance returns the identity and primitive range of id and
// retires its BLAS.
func (m *Manager) releaseInstance(id, first uint32, j *journal) {
	if h := m.slots[id].blas; h != 0 {
		m.slots[id].blas = 0
		m.retire(id, h, j)
	}
	size := m.slots[id].rangeSize
	_ = m.prims.Deallocate(uint64(first))
	m.slots[id].rangeSize = 0
	j.add(func() {
		if _, err := m.prims.AllocateAt(uint64(first), uint64(size)); err != nil {
			m.log.Error("rollback could not restore primitive range",
				zap.Uint32("instance", id),
				zap.Uint32("first", first),
				zap.Uint32("size", size),
				zap.Error(err))
		}
		m.slots[id].rangeSize = size
	})
	m.ids.Deallocate(id)
	j.add(func() { m.ids.Claim(id) })
}

// claimInstance re-reserves the exact identity and range of a released
// instance.
func (m *Manager) claimInstance(id, first, size uint32, j *journal) error {
	if !m.ids.Claim(id) {
		return &CapacityError{Resource: ResourceIdentities, Requested: 1}
	}
	j.add(func() { m.ids.Deallocate(id) })
	if _, err := m.prims.AllocateAt(uint64(first), uint64(size)); err != nil {
		return &CapacityError{Resource: ResourcePrimitives, Requested: uint64(size), Available: m.prims.Largest(), Err: err}
	}
	j.add(func() { _ = m.prims.Deallocate(uint64(first)) })
	m.slots[id].rangeSize = size
	j.add(func() { m.slots[id].rangeSize = 0 })
	return nil
}

// rebuildBLAS places a fresh BLAS for the current primitives of id and
// retires the one it replaces.
func (m *Manager) rebuildBLAS(f *frame, id uint32, j *journal) error {
	inst := f.instances[id]
	h, prev, err := m.placeBLAS(id, inst.PrimitiveCount, j)
	if err != nil {
		return err
	}
	if err := m.dev.BuildBLAS(h, f.aabbBuf, inst.FirstPrimitive, inst.PrimitiveCount, backend.BuildModeBuild); err != nil {
		return fmt.Errorf("building blas of instance %d: %w", id, err)
	}
	if prev != 0 {
		m.retire(id, prev, j)
	}
	return nil
}

// refit places a fresh BLAS refitted from the current one of id and retires
// the old one. A BLAS referenced by a top-level structure is never rewritten.
func (m *Manager) refit(f *frame, id uint32, j *journal) error {
	prev := m.slots[id].blas
	if prev == 0 {
		return m.rebuildBLAS(f, id, j)
	}
	inst := f.instances[id]
	h, _, err := m.placeBLAS(id, inst.PrimitiveCount, j)
	if err != nil {
		return err
	}
	if err := m.dev.RefitBLAS(h, prev, f.aabbBuf, inst.FirstPrimitive, inst.PrimitiveCount); err != nil {
		return fmt.Errorf("refitting blas of instance %d: %w", id, err)
	}
	m.retire(id, prev, j)
	return nil
}

// placeBLAS allocates a BLAS for count primitives and installs it as the
// BLAS of id. It returns the handle it replaced.
func (m *Manager) placeBLAS(id, count uint32, j *journal) (h, prev backend.AccelStruct, err error) {
	size := m.dev.BLASSize(count)
	h, _, err = m.blasPool.Allocate(size)
	if err != nil {
		return 0, 0, &CapacityError{Resource: ResourceBLASPool, Requested: size, Available: m.blasPool.Largest(), Err: err}
	}
	prev = m.slots[id].blas
	m.slots[id].blas = h
	j.add(func() {
		m.slots[id].blas = prev
		_ = m.blasPool.Deallocate(h)
	})
	return h, prev, nil
}

// retire defers the release of h until the other frame's top-level
// structure stops referencing it.
func (m *Manager) retire(id uint32, h backend.AccelStruct, j *journal) {
	m.retired = append(m.retired, h)
	j.add(func() {
		m.retired = m.retired[:len(m.retired)-1]
		m.slots[id].blas = h
	})
}

func (m *Manager) buildTLAS(f *frame) error {
	instances := f.tlasInstances(func(id uint32) backend.AccelStruct { return m.slots[id].blas })
	if err := m.dev.BuildTLAS(f.tlas, instances); err != nil {
		return fmt.Errorf("building tlas %d: %w", f.index, err)
	}
	return nil
}

// processSwitching is SWITCHING: mirror every applied record into the
// previous frame and publish the light count.
func (m *Manager) processSwitching() error {
	cur, prev := m.indices()
	f := m.frames[prev]
	for _, e := range m.replay {
		var src *Staging
		if e.staged {
			src = m.staging
		}
		e.rec.apply(f, e.inverse, src)
		e.rec.remap(f, true)
	}
	m.switched, m.replay = m.replay, nil
	if err := errors.Join(f.takeErr(), m.dev.Flush()); err != nil {
		return err
	}
	m.queue.ReleaseStaging()
	m.lightCounter.Store(m.frames[cur].lightCount)
	m.log.Debug("switching done", zap.Int("frame", prev), zap.Int("ops", len(m.switched)))
	return nil
}

// processSettling is SETTLING: clear the remap tables, log the batch for
// undo, rebuild the previous top-level structure and release superseded
// BLASes.
func (m *Manager) processSettling() error {
	cur, prev := m.indices()
	var forward []entry
	for _, e := range m.switched {
		e.rec.remap(m.frames[cur], false)
		e.rec.remap(m.frames[prev], false)
		if !e.inverse {
			forward = append(forward, entry{rec: e.rec})
		}
	}
	m.switched = nil
	if len(forward) > 0 {
		m.history.Push(forward)
	}

	err := m.buildTLAS(m.frames[prev])
	for _, h := range m.retired {
		if derr := m.blasPool.Deallocate(h); derr != nil {
			err = errors.Join(err, derr)
		}
	}
	m.retired = m.retired[:0]
	if err := errors.Join(err, m.frames[cur].takeErr(), m.frames[prev].takeErr(), m.dev.Flush()); err != nil {
		return err
	}
	m.batches++
	m.setValid(true, true)
	m.log.Debug("settling done", zap.Int("frame", prev), zap.Int("undo", m.history.Len()))
	return nil
}
