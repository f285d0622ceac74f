package accel

import (
	"encoding/binary"
	"math/bits"
	"slices"

	"go.uber.org/zap"

	"github.com/Faultbox/accelpipe/internal/task"
)

// SetModified sets the bit of primitive slot in a mapped modification
// bitmask.
func SetModified(mask []byte, slot uint32) {
	w := mask[slot/32*4:]
	binary.LittleEndian.PutUint32(w, binary.LittleEndian.Uint32(w)|1<<(slot%32))
}

// CheckModifications reports whether any primitive is marked in the
// modification bitmask.
func (m *Manager) CheckModifications() (bool, error) {
	if !m.live.Load() {
		return false, ErrNotInitialized
	}
	for _, b := range m.modBits {
		if b != 0 {
			return true, nil
		}
	}
	return false, nil
}

// ProcessModifications submits a DeletePrimitive for every marked primitive
// and clears the bitmask. Deletes of one instance are submitted from the
// highest local slot down so each slot still names the marked primitive
// when it is processed. It needs an idle pipeline and returns the number
// of tasks submitted.
func (m *Manager) ProcessModifications() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.live.Load() {
		return 0, ErrNotInitialized
	}
	if m.inflight || m.State() != StateIdle {
		return 0, ErrPhaseInProgress
	}

	f := m.frames[m.CurrentIndex()]
	owned := 0
	var tasks []task.Task
	for id, inst := range f.instances {
		if inst.PrimitiveCount == 0 {
			continue
		}
		var slots []uint32
		for s := uint32(0); s < inst.PrimitiveCount; s++ {
			if modified(m.modBits, inst.FirstPrimitive+s) {
				slots = append(slots, s)
			}
		}
		owned += len(slots)
		slices.Reverse(slots)
		for _, s := range slots {
			tasks = append(tasks, task.DeletePrimitive{Instance: uint32(id), Slot: s})
		}
	}
	if total := countModified(m.modBits); total > owned {
		m.log.Warn("ignoring modifications of unowned primitive slots", zap.Int("count", total-owned))
	}
	clear(m.modBits)

	for _, t := range tasks {
		if err := m.queue.Submit(t); err != nil {
			return 0, err
		}
	}
	return len(tasks), nil
}

func modified(mask []byte, slot uint32) bool {
	return binary.LittleEndian.Uint32(mask[slot/32*4:])&(1<<(slot%32)) != 0
}

func countModified(mask []byte) int {
	n := 0
	for i := 0; i+4 <= len(mask); i += 4 {
		n += bits.OnesCount32(binary.LittleEndian.Uint32(mask[i:]))
	}
	return n
}
