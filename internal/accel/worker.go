package accel

import (
	"fmt"

	"go.uber.org/zap"
)

// run is the worker goroutine. It sleeps until a phase is requested, runs
// it to completion and reports the result on done.
func (m *Manager) run() {
	defer m.wg.Done()
	for {
		select {
		case <-m.stop:
			return
		case s := <-m.wake:
			err := m.process(s)
			m.refreshStats()

			m.stateMu.Lock()
			if _, ferr := m.fireLocked(EventPhaseDone); ferr != nil && err == nil {
				err = ferr
			}
			m.stateMu.Unlock()
			m.refreshStats()

			if err != nil {
				m.log.Error("phase failed", zap.Stringer("phase", s), zap.Error(err))
			}
			m.done <- err
		}
	}
}

func (m *Manager) process(s State) error {
	switch s {
	case StateUpdating:
		return m.processTaskQueue()
	case StateSwitch:
		return m.processSwitching()
	case StateSettle:
		return m.processSettling()
	default:
		return fmt.Errorf("accel: worker woken in %s", s)
	}
}
