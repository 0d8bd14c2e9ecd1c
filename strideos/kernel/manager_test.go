package kernel

import (
	"errors"
	"math"
	"sync"
	"testing"

	"stride/strideos/kernel/stride"
	"stride/strideos/kernel/task"
	"stride/strideos/mm"
)

type fakeClock struct{ ms uint64 }

func (c *fakeClock) Millis() uint64 { return c.ms }

func newTestManager(t *testing.T, cfg Config) (*Manager, *fakeClock) {
	t.Helper()
	clk := &fakeClock{ms: 1}
	return NewManager(cfg, clk, nil), clk
}

func mustCreate(t *testing.T, m *Manager, prio int64) task.ID {
	t.Helper()
	id, err := m.Create(0x10000, nil, 0x20000, prio)
	if err != nil {
		t.Fatalf("Create(prio=%d) err = %v", prio, err)
	}
	return id
}

func resetPanicForTest() {
	panicOnce = sync.Once{}
	panicActive.Store(false)
	SetPanicHandler(nil)
}

func TestCurrentWithoutRunningTask(t *testing.T) {
	m, _ := newTestManager(t, DefaultConfig())
	mustCreate(t, m, 16)

	if _, err := m.Current(); !errors.Is(err, ErrNoRunningTask) {
		t.Fatalf("Current() err = %v, want ErrNoRunningTask", err)
	}
	if _, err := m.Suspend(task.StatusReady); !errors.Is(err, ErrNoRunningTask) {
		t.Fatalf("Suspend() err = %v, want ErrNoRunningTask", err)
	}
}

func TestRegisterAssignsIDsAndReadyState(t *testing.T) {
	m, _ := newTestManager(t, DefaultConfig())
	a := mustCreate(t, m, 2)
	b := mustCreate(t, m, 3)
	if a != 0 || b != 1 {
		t.Fatalf("ids = %d,%d, want 0,1", a, b)
	}
	info, err := m.Info(b)
	if err != nil {
		t.Fatalf("Info() err = %v", err)
	}
	if info.Status != task.StatusReady || info.Stride != 0 || info.Priority != 3 {
		t.Fatalf("Info() = %s stride %d prio %d, want ready/0/3", info.Status, info.Stride, info.Priority)
	}
}

func TestRegisterRespectsMaxTasks(t *testing.T) {
	m, _ := newTestManager(t, Config{MaxTasks: 1})
	mustCreate(t, m, 2)
	if _, err := m.Create(0x10000, nil, 0, 2); !errors.Is(err, ErrTooManyTasks) {
		t.Fatalf("Create() err = %v, want ErrTooManyTasks", err)
	}
}

func TestInfoUnknownTask(t *testing.T) {
	m, _ := newTestManager(t, DefaultConfig())
	if _, err := m.Info(99); !errors.Is(err, ErrUnknownTaskID) {
		t.Fatalf("Info(99) err = %v, want ErrUnknownTaskID", err)
	}
	if err := m.RecordSyscall(99, 64); !errors.Is(err, ErrUnknownTaskID) {
		t.Fatalf("RecordSyscall(99) err = %v, want ErrUnknownTaskID", err)
	}
}

func TestDispatchTieBreaksOnLowestID(t *testing.T) {
	m, _ := newTestManager(t, DefaultConfig())
	for i := 0; i < 3; i++ {
		mustCreate(t, m, 4)
	}

	var got []task.ID
	for i := 0; i < 6; i++ {
		id, err := m.Switch(task.StatusReady)
		if err != nil {
			t.Fatalf("Switch() err = %v", err)
		}
		got = append(got, id)
	}
	want := []task.ID{0, 1, 2, 0, 1, 2}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("dispatch order = %v, want %v", got, want)
		}
	}
}

func TestDispatchAdvancesStrideAndRecordsFirstSchedule(t *testing.T) {
	m, clk := newTestManager(t, DefaultConfig())
	id := mustCreate(t, m, 8)
	clk.ms = 37

	if _, err := m.Dispatch(); err != nil {
		t.Fatalf("Dispatch() err = %v", err)
	}
	info, _ := m.Info(id)
	pass, _ := stride.Pass(8)
	if info.Stride != pass {
		t.Fatalf("Stride = %d, want %d", info.Stride, pass)
	}
	if !info.Scheduled || info.FirstScheduled != 37 {
		t.Fatalf("FirstScheduled = %d (%v), want 37", info.FirstScheduled, info.Scheduled)
	}

	clk.ms = 90
	_, _ = m.Switch(task.StatusReady)
	info, _ = m.Info(id)
	if info.FirstScheduled != 37 {
		t.Fatalf("FirstScheduled = %d after redispatch, want 37", info.FirstScheduled)
	}
}

func TestDispatchWhileRunningFails(t *testing.T) {
	m, _ := newTestManager(t, DefaultConfig())
	mustCreate(t, m, 2)
	mustCreate(t, m, 2)
	_, _ = m.Dispatch()
	if _, err := m.Dispatch(); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("Dispatch() err = %v, want ErrInvalidTransition", err)
	}
}

func TestDispatchIdle(t *testing.T) {
	m, _ := newTestManager(t, DefaultConfig())
	if _, err := m.Dispatch(); !errors.Is(err, ErrIdle) {
		t.Fatalf("Dispatch() err = %v, want ErrIdle", err)
	}
}

func TestStrideSharesCPUByPriority(t *testing.T) {
	m, _ := newTestManager(t, DefaultConfig())
	prios := []int64{2, 4, 8}
	for _, p := range prios {
		mustCreate(t, m, p)
	}

	counts := map[task.ID]int{}
	for i := 0; i < 700; i++ {
		id, err := m.Switch(task.StatusReady)
		if err != nil {
			t.Fatalf("Switch() err = %v", err)
		}
		counts[id]++
	}
	// Shares are proportional to priority: 2:4:8 of 700.
	want := map[task.ID]int{0: 100, 1: 200, 2: 400}
	for id, w := range want {
		if d := counts[id] - w; d < -1 || d > 1 {
			t.Fatalf("pid %d ran %d times, want %d (all: %v)", id, counts[id], w, counts)
		}
	}
}

func TestWrappedStrideScheduledAtLogicalTurn(t *testing.T) {
	m, _ := newTestManager(t, DefaultConfig())
	prios := []int64{2, 3, 5}
	for _, p := range prios {
		mustCreate(t, m, p)
	}
	base := uint64(math.MaxUint64) - 3*stride.BigStride
	for _, tcb := range m.tasks {
		tcb.Stride = base
	}

	// Reference schedule over unwrapped offsets from base.
	var offs [3]uint64
	passes := [3]uint64{}
	for i, p := range prios {
		passes[i], _ = stride.Pass(p)
	}

	wrapped := false
	for step := 0; step < 60; step++ {
		want := 0
		for i := 1; i < 3; i++ {
			if offs[i] < offs[want] {
				want = i
			}
		}
		offs[want] += passes[want]

		got, err := m.Switch(task.StatusReady)
		if err != nil {
			t.Fatalf("Switch() err = %v", err)
		}
		if got != task.ID(want) {
			t.Fatalf("step %d: dispatched pid %d, want %d", step, got, want)
		}
		if m.tasks[got].Stride < base {
			wrapped = true
		}
	}
	if !wrapped {
		t.Fatal("no stride wrapped; test does not exercise overflow")
	}
}

func TestExactlyOneRunningDuringTrace(t *testing.T) {
	m, _ := newTestManager(t, DefaultConfig())
	for _, p := range []int64{2, 5, 9, 16} {
		mustCreate(t, m, p)
	}
	for i := 0; i < 200; i++ {
		prev := task.StatusReady
		if i%7 == 3 {
			prev = task.StatusBlocked
		}
		cur, _ := m.Current()
		if _, err := m.Switch(prev); err != nil && !errors.Is(err, ErrIdle) {
			t.Fatalf("Switch() err = %v", err)
		}
		if prev == task.StatusBlocked {
			_ = m.Wake(cur)
		}

		running := 0
		for _, info := range m.Snapshot() {
			if info.Status == task.StatusRunning {
				running++
			}
		}
		if running != 1 {
			t.Fatalf("step %d: %d tasks running, want 1", i, running)
		}
	}
}

func TestMarkExitedReleasesSpaceAndLeavesReadySet(t *testing.T) {
	frames := mm.NewFrameAllocator(8)
	as, _ := mm.NewAddressSpace(frames)
	_ = as.Map(0x10000, 0x12000, mm.PermR|mm.PermU)

	m, _ := newTestManager(t, DefaultConfig())
	id, err := m.Create(0x10000, as, 0x20000, 2)
	if err != nil {
		t.Fatalf("Create() err = %v", err)
	}
	other := mustCreate(t, m, 2)

	if got, _ := m.Dispatch(); got != id {
		t.Fatalf("Dispatch() = %d, want %d", got, id)
	}
	if err := m.MarkExited(id, 7); err != nil {
		t.Fatalf("MarkExited() err = %v", err)
	}
	if frames.InUse() != 0 {
		t.Fatalf("frames in use = %d, want 0", frames.InUse())
	}
	if _, err := m.Current(); !errors.Is(err, ErrNoRunningTask) {
		t.Fatalf("Current() err = %v, want ErrNoRunningTask", err)
	}

	for i := 0; i < 3; i++ {
		got, err := m.Switch(task.StatusReady)
		if err != nil || got != other {
			t.Fatalf("Switch() = %d, %v, want %d", got, err, other)
		}
	}

	info, err := m.Info(id)
	if err != nil {
		t.Fatalf("Info() of exited task err = %v", err)
	}
	if info.Status != task.StatusExited || info.ExitCode != 7 {
		t.Fatalf("Info() = %s code %d, want exited/7", info.Status, info.ExitCode)
	}
	if err := m.MarkExited(id, 1); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("second MarkExited() err = %v, want ErrInvalidTransition", err)
	}
	if err := m.Purge(id); err != nil {
		t.Fatalf("Purge() err = %v", err)
	}
	if _, err := m.Info(id); !errors.Is(err, ErrUnknownTaskID) {
		t.Fatalf("Info() after Purge err = %v, want ErrUnknownTaskID", err)
	}
}

func TestMarkExitedPurgesWithoutRetention(t *testing.T) {
	m, _ := newTestManager(t, Config{RetainExited: false})
	id := mustCreate(t, m, 2)
	_, _ = m.Dispatch()
	if err := m.MarkExited(id, 0); err != nil {
		t.Fatalf("MarkExited() err = %v", err)
	}
	if _, err := m.Info(id); !errors.Is(err, ErrUnknownTaskID) {
		t.Fatalf("Info() err = %v, want ErrUnknownTaskID", err)
	}
}

func TestReapAndReparent(t *testing.T) {
	m, _ := newTestManager(t, DefaultConfig())
	initID := mustCreate(t, m, 16)
	mid, _ := m.CreateChild(initID, 0x10000, nil, 0, 16)
	leaf, _ := m.CreateChild(mid, 0x10000, nil, 0, 16)

	if _, _, err := m.Reap(mid, -1); !errors.Is(err, ErrChildRunning) {
		t.Fatalf("Reap() err = %v, want ErrChildRunning", err)
	}
	if _, _, err := m.Reap(mid, 42); !errors.Is(err, ErrNoChild) {
		t.Fatalf("Reap(42) err = %v, want ErrNoChild", err)
	}

	if err := m.MarkExited(mid, 3); err != nil {
		t.Fatalf("MarkExited() err = %v", err)
	}
	info, _ := m.Info(leaf)
	if !info.HasParent || info.Parent != initID {
		t.Fatalf("leaf parent = %d (%v), want init %d", info.Parent, info.HasParent, initID)
	}

	pid, code, err := m.Reap(initID, int64(mid))
	if err != nil || pid != mid || code != 3 {
		t.Fatalf("Reap() = %d, %d, %v, want %d, 3, nil", pid, code, err, mid)
	}
	if _, err := m.Info(mid); !errors.Is(err, ErrUnknownTaskID) {
		t.Fatalf("Info() after reap err = %v, want ErrUnknownTaskID", err)
	}
}

func TestSleepAndWake(t *testing.T) {
	m, _ := newTestManager(t, DefaultConfig())
	a := mustCreate(t, m, 2)
	b := mustCreate(t, m, 2)

	if got, _ := m.Dispatch(); got != a {
		t.Fatalf("Dispatch() = %d, want %d", got, a)
	}
	if _, err := m.SleepCurrent(50); err != nil {
		t.Fatalf("SleepCurrent() err = %v", err)
	}
	if got, _ := m.Dispatch(); got != b {
		t.Fatalf("Dispatch() = %d, want %d", got, b)
	}
	if woke := m.WakeDue(49); len(woke) != 0 {
		t.Fatalf("WakeDue(49) = %v, want none", woke)
	}
	if woke := m.WakeDue(50); len(woke) != 1 || woke[0] != a {
		t.Fatalf("WakeDue(50) = %v, want [%d]", woke, a)
	}
	if err := m.Wake(a); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("Wake() of ready task err = %v, want ErrInvalidTransition", err)
	}
}

func TestSetStatusGuardsLifecycle(t *testing.T) {
	m, _ := newTestManager(t, DefaultConfig())
	id := mustCreate(t, m, 2)

	if err := m.SetStatus(id, task.StatusRunning); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("SetStatus(running) err = %v, want ErrInvalidTransition", err)
	}
	if err := m.SetStatus(id, task.StatusBlocked); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("SetStatus(ready -> blocked) err = %v, want ErrInvalidTransition", err)
	}

	_, _ = m.Dispatch()
	if err := m.SetStatus(id, task.StatusBlocked); err != nil {
		t.Fatalf("SetStatus(running -> blocked) err = %v", err)
	}
	if _, err := m.Current(); !errors.Is(err, ErrNoRunningTask) {
		t.Fatalf("Current() err = %v, want ErrNoRunningTask", err)
	}
	if err := m.SetStatus(id, task.StatusReady); err != nil {
		t.Fatalf("SetStatus(blocked -> ready) err = %v", err)
	}
	if err := m.SetStatus(7, task.StatusReady); !errors.Is(err, ErrUnknownTaskID) {
		t.Fatalf("SetStatus(unknown) err = %v, want ErrUnknownTaskID", err)
	}
}

func TestSetPriorityValidates(t *testing.T) {
	m, _ := newTestManager(t, DefaultConfig())
	id := mustCreate(t, m, 16)
	if err := m.SetPriority(id, 1); !errors.Is(err, ErrInvalidPriority) {
		t.Fatalf("SetPriority(1) err = %v, want ErrInvalidPriority", err)
	}
	if err := m.SetPriority(id, 4); err != nil {
		t.Fatalf("SetPriority(4) err = %v", err)
	}
	_, _ = m.Dispatch()
	info, _ := m.Info(id)
	pass, _ := stride.Pass(4)
	if info.Stride != pass {
		t.Fatalf("Stride = %d, want %d", info.Stride, pass)
	}
}

func TestSetPriorityRejectsZeroPass(t *testing.T) {
	m, _ := newTestManager(t, DefaultConfig())
	id := mustCreate(t, m, 16)
	if err := m.SetPriority(id, 1<<33); !errors.Is(err, ErrInvalidPriority) {
		t.Fatalf("SetPriority(1<<33) err = %v, want ErrInvalidPriority", err)
	}
	if _, err := m.Dispatch(); err != nil {
		t.Fatalf("Dispatch() err = %v", err)
	}
	if InPanicMode() {
		t.Fatal("InPanicMode() = true")
	}
	if _, err := m.Create(0x10000, nil, 0, 1<<33); !errors.Is(err, ErrInvalidPriority) {
		t.Fatalf("Create(prio 1<<33) err = %v, want ErrInvalidPriority", err)
	}
	if m.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", m.Len())
	}
}

func TestRegisterRejectsSameTCBTwice(t *testing.T) {
	m, _ := newTestManager(t, DefaultConfig())
	tcb, err := task.New(0, 0x10000, nil, 0, 4)
	if err != nil {
		t.Fatalf("task.New() err = %v", err)
	}
	id, err := m.Register(tcb)
	if err != nil {
		t.Fatalf("Register() err = %v", err)
	}
	if _, err := m.Register(tcb); !errors.Is(err, ErrAlreadyRegistered) {
		t.Fatalf("second Register() err = %v, want ErrAlreadyRegistered", err)
	}
	if m.Len() != 1 || tcb.ID != id {
		t.Fatalf("Len() = %d, tcb.ID = %d, want 1, %d", m.Len(), tcb.ID, id)
	}
}

func TestOrphansPurgedOnceInitIsGone(t *testing.T) {
	m, _ := newTestManager(t, DefaultConfig())
	initID := mustCreate(t, m, 16)
	done, _ := m.CreateChild(initID, 0x10000, nil, 0, 16)
	alive, _ := m.CreateChild(initID, 0x10000, nil, 0, 16)

	if err := m.MarkExited(done, 1); err != nil {
		t.Fatalf("MarkExited(done) err = %v", err)
	}
	if err := m.MarkExited(initID, 9); err != nil {
		t.Fatalf("MarkExited(init) err = %v", err)
	}
	if _, err := m.Info(done); !errors.Is(err, ErrUnknownTaskID) {
		t.Fatalf("Info(exited orphan) err = %v, want ErrUnknownTaskID", err)
	}
	info, err := m.Info(alive)
	if err != nil || info.HasParent {
		t.Fatalf("Info(live orphan) = parent %v, %v, want no parent", info.HasParent, err)
	}

	if err := m.MarkExited(alive, 0); err != nil {
		t.Fatalf("MarkExited(alive) err = %v", err)
	}
	if _, err := m.Info(alive); !errors.Is(err, ErrUnknownTaskID) {
		t.Fatalf("Info(alive) after exit err = %v, want ErrUnknownTaskID", err)
	}
	if _, err := m.Info(initID); err != nil {
		t.Fatalf("Info(init) err = %v, want retained", err)
	}
	if m.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", m.Len())
	}
}

func TestAccountChargesCurrent(t *testing.T) {
	m, _ := newTestManager(t, DefaultConfig())
	id := mustCreate(t, m, 2)
	if err := m.Account(1); !errors.Is(err, ErrNoRunningTask) {
		t.Fatalf("Account() err = %v, want ErrNoRunningTask", err)
	}
	_, _ = m.Dispatch()
	_ = m.Account(3)
	_ = m.Account(4)
	info, _ := m.Info(id)
	if info.Time != 7 {
		t.Fatalf("Time = %d, want 7", info.Time)
	}
}

func TestInvariantViolationReachesPanicHandler(t *testing.T) {
	resetPanicForTest()
	defer resetPanicForTest()

	var got PanicInfo
	SetPanicHandler(func(info PanicInfo) { got = info })

	m, _ := newTestManager(t, DefaultConfig())
	a := mustCreate(t, m, 2)
	mustCreate(t, m, 2)
	_, _ = m.Dispatch()

	// Force a second Running task behind the manager's back.
	m.tasks[1].Status = task.StatusRunning
	err := m.SetStatus(a, task.StatusReady)
	if !errors.Is(err, ErrInvariant) {
		t.Fatalf("SetStatus() err = %v, want ErrInvariant", err)
	}
	if !InPanicMode() {
		t.Fatal("InPanicMode() = false")
	}
	if !got.HasTask || got.TaskID != 1 || len(got.Stack) == 0 {
		t.Fatalf("panic info = %+v, want task 1 with stack", got)
	}
}
