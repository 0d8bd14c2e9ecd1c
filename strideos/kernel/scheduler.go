package kernel

import (
	"fmt"
	"sort"

	"stride/strideos/kernel/stride"
	"stride/strideos/kernel/task"
)

// pickLocked returns the Ready task with the least stride, lowest id first
// on ties.
func (m *Manager) pickLocked() *task.TCB {
	var best *task.TCB
	for _, t := range m.tasks {
		if t.Status != task.StatusReady {
			continue
		}
		if best == nil {
			best = t
			continue
		}
		switch stride.Compare(t.Stride, best.Stride) {
		case -1:
			best = t
		case 0:
			if t.ID < best.ID {
				best = t
			}
		}
	}
	return best
}

// Dispatch selects the next task, advances its stride by its pass and makes
// it Running. It returns ErrIdle when no task is Ready. A task must not be
// Running already; use Suspend or Switch first.
func (m *Manager) Dispatch() (task.ID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dispatchLocked()
}

func (m *Manager) dispatchLocked() (task.ID, error) {
	if m.current != nil {
		return 0, fmt.Errorf("dispatch while task %d running: %w", m.current.ID, ErrInvalidTransition)
	}
	next := m.pickLocked()
	if next == nil {
		return 0, ErrIdle
	}
	pass, err := passOf(next)
	if err != nil {
		return 0, err
	}

	next.Stride = stride.Advance(next.Stride, pass)
	next.Status = task.StatusRunning
	if !next.Scheduled {
		next.Scheduled = true
		next.FirstScheduled = m.now()
	}
	m.current = next
	m.log.Tracef("kernel: dispatch pid %d stride %d", next.ID, next.Stride)
	if err := m.checkLocked(); err != nil {
		return 0, err
	}
	return next.ID, nil
}

// Suspend takes the Running task off the CPU into st, which must be Ready
// (preemption, yield) or Blocked (wait).
func (m *Manager) Suspend(st task.Status) (task.ID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.suspendLocked(st)
}

func (m *Manager) suspendLocked(st task.Status) (task.ID, error) {
	if m.current == nil {
		return 0, ErrNoRunningTask
	}
	if st != task.StatusReady && st != task.StatusBlocked {
		return 0, fmt.Errorf("suspend to %s: %w", st, ErrInvalidTransition)
	}
	t := m.current
	t.Status = st
	m.current = nil
	if err := m.checkLocked(); err != nil {
		return 0, err
	}
	return t.ID, nil
}

// Switch suspends the Running task (if any) into prev and dispatches the
// next one. The suspended task competes in the same selection.
func (m *Manager) Switch(prev task.Status) (task.ID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil {
		if _, err := m.suspendLocked(prev); err != nil {
			return 0, err
		}
	}
	return m.dispatchLocked()
}

// Wake moves a Blocked task back to Ready.
func (m *Manager) Wake(id task.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.lookupLocked(id)
	if err != nil {
		return err
	}
	if t.Status != task.StatusBlocked {
		return fmt.Errorf("wake task %d in state %s: %w", id, t.Status, ErrInvalidTransition)
	}
	t.Status = task.StatusReady
	t.WakeAt = 0
	return nil
}

// SleepCurrent blocks the Running task until the clock reaches until.
func (m *Manager) SleepCurrent(until uint64) (task.ID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return 0, ErrNoRunningTask
	}
	m.current.WakeAt = until
	return m.suspendLocked(task.StatusBlocked)
}

// WakeDue readies every sleeping task whose deadline is at or before now and
// returns them in id order.
func (m *Manager) WakeDue(now uint64) []task.ID {
	m.mu.Lock()
	defer m.mu.Unlock()
	var woke []task.ID
	for _, t := range m.tasks {
		if t.Status != task.StatusBlocked || t.WakeAt == 0 || t.WakeAt > now {
			continue
		}
		t.Status = task.StatusReady
		t.WakeAt = 0
		woke = append(woke, t.ID)
	}
	sort.Slice(woke, func(i, j int) bool { return woke[i] < woke[j] })
	return woke
}
