// Package kernel owns the task table and the Stride scheduler.
//
// The Manager is the only mutator of task status, strides and the ready set.
// Every operation runs under one lock, which stands in for running with
// interrupts disabled on a single hart.
package kernel

import (
	"fmt"
	"sort"
	"sync"

	"stride/strideos/kernel/klog"
	"stride/strideos/kernel/stride"
	"stride/strideos/kernel/task"
	"stride/strideos/kernel/trap"
	"stride/strideos/mm"
)

// Clock is the kernel time source in milliseconds.
type Clock interface {
	Millis() uint64
}

// Config tunes the task manager.
type Config struct {
	// MaxTasks bounds the live task table; 0 means unbounded.
	MaxTasks int

	// RetainExited keeps an exited task's accounting queryable until its
	// parent reaps it or it is purged. When false the task is purged as
	// soon as it exits.
	RetainExited bool
}

// DefaultConfig returns the configuration used by the host build.
func DefaultConfig() Config {
	return Config{MaxTasks: 64, RetainExited: true}
}

// Manager is the task table plus scheduling state.
type Manager struct {
	mu    sync.Mutex
	cfg   Config
	clock Clock
	log   *klog.Logger

	tasks   map[task.ID]*task.TCB
	nextID  task.ID
	current *task.TCB

	initID  task.ID
	hasInit bool
}

// NewManager creates an empty task table.
func NewManager(cfg Config, clock Clock, log *klog.Logger) *Manager {
	return &Manager{
		cfg:   cfg,
		clock: clock,
		log:   log,
		tasks: make(map[task.ID]*task.TCB),
	}
}

func (m *Manager) now() uint64 {
	if m.clock == nil {
		return 0
	}
	return m.clock.Millis()
}

func (m *Manager) lookupLocked(id task.ID) (*task.TCB, error) {
	t, ok := m.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %d: %w", id, ErrUnknownTaskID)
	}
	return t, nil
}

// Register inserts a newly created TCB in Ready state with stride 0 and
// assigns its id. The first task registered becomes the init task, which
// adopts orphans.
func (m *Manager) Register(tcb *task.TCB) (task.ID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.registerLocked(tcb)
}

func (m *Manager) registerLocked(tcb *task.TCB) (task.ID, error) {
	if tcb == nil {
		return 0, fmt.Errorf("register: nil tcb")
	}
	if cur, ok := m.tasks[tcb.ID]; ok && cur == tcb {
		return 0, fmt.Errorf("register pid %d: %w", tcb.ID, ErrAlreadyRegistered)
	}
	if tcb.Pass == 0 {
		return 0, violation(tcb, "register: pass is 0 for priority %d", tcb.Priority)
	}
	if m.cfg.MaxTasks > 0 && len(m.tasks) >= m.cfg.MaxTasks {
		return 0, ErrTooManyTasks
	}

	tcb.ID = m.nextID
	m.nextID++
	tcb.Status = task.StatusReady
	tcb.Stride = 0
	m.tasks[tcb.ID] = tcb
	if !m.hasInit {
		m.initID = tcb.ID
		m.hasInit = true
	}
	m.log.Debugf("kernel: registered pid %d prio %d entry %#x", tcb.ID, tcb.Priority, tcb.Entry)
	return tcb.ID, nil
}

// Create builds a TCB for a loaded image and registers it.
func (m *Manager) Create(entry uint64, space *mm.AddressSpace, userSP uint64, priority int64) (task.ID, error) {
	tcb, err := task.New(0, entry, space, userSP, priority)
	if err != nil {
		return 0, err
	}
	return m.Register(tcb)
}

// CreateChild is Create with parent recorded as the new task's parent.
func (m *Manager) CreateChild(parent task.ID, entry uint64, space *mm.AddressSpace, userSP uint64, priority int64) (task.ID, error) {
	tcb, err := task.New(0, entry, space, userSP, priority)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.lookupLocked(parent)
	if err != nil {
		return 0, err
	}
	id, err := m.registerLocked(tcb)
	if err != nil {
		return 0, err
	}
	tcb.Parent = parent
	tcb.HasParent = true
	p.Children = append(p.Children, id)
	return id, nil
}

// Current returns the Running task.
func (m *Manager) Current() (task.ID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return 0, ErrNoRunningTask
	}
	return m.current.ID, nil
}

// RecordSyscall counts one syscall made by id.
func (m *Manager) RecordSyscall(id task.ID, syscallID uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.lookupLocked(id)
	if err != nil {
		return err
	}
	t.RecordSyscall(syscallID)
	return nil
}

// SetStatus moves a task between Ready and Blocked, or moves the Running task
// off the CPU. Entering Running goes through Dispatch and entering Exited
// goes through MarkExited.
func (m *Manager) SetStatus(id task.ID, st task.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.lookupLocked(id)
	if err != nil {
		return err
	}
	if st == task.StatusRunning || st == task.StatusExited || !t.Status.CanTransition(st) {
		return fmt.Errorf("task %d %s -> %s: %w", id, t.Status, st, ErrInvalidTransition)
	}
	if t == m.current {
		m.current = nil
	}
	t.Status = st
	return m.checkLocked()
}

// Info returns an accounting snapshot of id.
func (m *Manager) Info(id task.ID) (task.Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.lookupLocked(id)
	if err != nil {
		return task.Info{}, err
	}
	return t.Snapshot(), nil
}

// Snapshot returns every task's accounting in id order.
func (m *Manager) Snapshot() []task.Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]task.Info, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of tasks in the table, exited ones included.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

// Live returns the number of tasks that have not exited.
func (m *Manager) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.tasks {
		if t.Status != task.StatusExited {
			n++
		}
	}
	return n
}

// Space returns the address space of a live task.
func (m *Manager) Space(id task.ID) (*mm.AddressSpace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.lookupLocked(id)
	if err != nil {
		return nil, err
	}
	if t.Space == nil {
		return nil, fmt.Errorf("task %d has no address space: %w", id, mm.ErrReleased)
	}
	return t.Space, nil
}

// Context returns the saved trap frame of id.
func (m *Manager) Context(id task.ID) (trap.Frame, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.lookupLocked(id)
	if err != nil {
		return trap.Frame{}, err
	}
	return t.Context, nil
}

// SaveContext stores the trap frame of id.
func (m *Manager) SaveContext(id task.ID, f trap.Frame) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.lookupLocked(id)
	if err != nil {
		return err
	}
	t.Context = f
	return nil
}

// SetPriority changes id's priority. The current stride is kept; only future
// passes change.
func (m *Manager) SetPriority(id task.ID, prio int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.lookupLocked(id)
	if err != nil {
		return err
	}
	if t.Status == task.StatusExited {
		return fmt.Errorf("task %d exited: %w", id, ErrInvalidTransition)
	}
	return t.SetPriority(prio)
}

// Account charges ms of CPU time to the Running task.
func (m *Manager) Account(ms uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return ErrNoRunningTask
	}
	m.current.RunningTime += ms
	return nil
}

// MarkExited terminates id: its address space is released, it leaves the
// ready set and its children are handed to the init task. The accounting
// stays queryable while Config.RetainExited holds.
func (m *Manager) MarkExited(id task.ID, code int32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.lookupLocked(id)
	if err != nil {
		return err
	}
	if !t.Status.CanTransition(task.StatusExited) {
		return fmt.Errorf("task %d %s -> exited: %w", id, t.Status, ErrInvalidTransition)
	}

	if t == m.current {
		m.current = nil
	}
	t.Status = task.StatusExited
	t.ExitCode = code
	t.ReleaseSpace()
	m.reparentLocked(t)
	m.log.Infof("kernel: pid %d exited with code %d", id, code)

	// Nobody can reap a parentless task other than init.
	if !m.cfg.RetainExited || (!t.HasParent && t.ID != m.initID) {
		m.purgeLocked(t)
	}
	return m.checkLocked()
}

func (m *Manager) reparentLocked(t *task.TCB) {
	if len(t.Children) == 0 {
		return
	}
	initTask, ok := m.tasks[m.initID]
	adopt := m.hasInit && ok && initTask != t && initTask.Status != task.StatusExited
	for _, cid := range t.Children {
		c, ok := m.tasks[cid]
		if !ok {
			continue
		}
		switch {
		case adopt:
			c.Parent = initTask.ID
			initTask.Children = append(initTask.Children, cid)
		case c.Status == task.StatusExited:
			delete(m.tasks, cid)
		default:
			c.HasParent = false
		}
	}
	t.Children = nil
}

// Purge removes an exited task from the table.
func (m *Manager) Purge(id task.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.lookupLocked(id)
	if err != nil {
		return err
	}
	if t.Status != task.StatusExited {
		return fmt.Errorf("purge task %d in state %s: %w", id, t.Status, ErrInvalidTransition)
	}
	m.purgeLocked(t)
	return nil
}

func (m *Manager) purgeLocked(t *task.TCB) {
	delete(m.tasks, t.ID)
	if !t.HasParent {
		return
	}
	p, ok := m.tasks[t.Parent]
	if !ok {
		return
	}
	for i, cid := range p.Children {
		if cid == t.ID {
			p.Children = append(p.Children[:i], p.Children[i+1:]...)
			break
		}
	}
}

// Reap collects an exited child of parent. pid -1 matches any child.
// It returns ErrNoChild when no child matches and ErrChildRunning when the
// matching children are all still alive.
func (m *Manager) Reap(parent task.ID, pid int64) (task.ID, int32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.lookupLocked(parent)
	if err != nil {
		return 0, 0, err
	}

	matched := false
	for _, cid := range p.Children {
		if pid != -1 && int64(cid) != pid {
			continue
		}
		c, ok := m.tasks[cid]
		if !ok {
			continue
		}
		matched = true
		if c.Status == task.StatusExited {
			code := c.ExitCode
			m.purgeLocked(c)
			return cid, code, nil
		}
	}
	if !matched {
		return 0, 0, ErrNoChild
	}
	return 0, 0, ErrChildRunning
}

// checkLocked verifies that at most one task is Running and that it is the
// one the manager believes is current.
func (m *Manager) checkLocked() error {
	running := 0
	var stray *task.TCB
	for _, t := range m.tasks {
		if t.Status != task.StatusRunning {
			continue
		}
		running++
		if t != m.current {
			stray = t
		}
	}
	switch {
	case running > 1:
		return violation(stray, "%d tasks running", running)
	case stray != nil:
		return violation(stray, "task %d running but not current", stray.ID)
	case m.current != nil && m.current.Status != task.StatusRunning:
		return violation(m.current, "current task %d is %s", m.current.ID, m.current.Status)
	}
	return nil
}

func passOf(t *task.TCB) (uint64, error) {
	if t.Pass == 0 || t.Pass > stride.BigStride/2 {
		return 0, violation(t, "pass %d out of range for priority %d", t.Pass, t.Priority)
	}
	return t.Pass, nil
}
