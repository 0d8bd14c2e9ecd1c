// Package machine is the processor loop of the kernel: one Step per timer
// tick dispatches by stride, runs the current task for a tick, serves its
// traps and preempts it when its time slice runs out.
package machine

import (
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"stride/strideos/cpu"
	"stride/strideos/kernel"
	"stride/strideos/kernel/klog"
	"stride/strideos/kernel/stride"
	"stride/strideos/kernel/sys"
	"stride/strideos/kernel/task"
	"stride/strideos/kernel/trap"
	"stride/strideos/loader"
	"stride/strideos/mm"
	"stride/strideos/user/apps"
)

// Exit codes assigned by the kernel rather than the task.
const (
	ExitFault     int32 = -1
	ExitNoProgram int32 = -2
	ExitKilled    int32 = -9
)

var ErrNotBooted = errors.New("machine not booted")

// Config describes the simulated machine.
type Config struct {
	// TimeSliceTicks is how many ticks a task may run before preemption.
	TimeSliceTicks int
	// TickMillis is the length of one tick.
	TickMillis uint64
	// Frames is the amount of physical memory in pages.
	Frames int
	// Init names the app started as the first task.
	Init         string
	InitPriority int64

	Kernel kernel.Config
	Sys    sys.Config
	Apps   apps.Config
}

// DefaultConfig returns the configuration of the host build.
func DefaultConfig() Config {
	return Config{
		TimeSliceTicks: 10,
		TickMillis:     1,
		Frames:         1024,
		Init:           "init",
		InitPriority:   stride.DefaultPriority,
		Kernel:         kernel.DefaultConfig(),
		Sys:            sys.DefaultConfig(),
		Apps:           apps.DefaultConfig(),
	}
}

// Clock is the kernel clock, advanced by the machine on every tick.
type Clock struct {
	ms atomic.Uint64
}

func (c *Clock) Millis() uint64 { return c.ms.Load() }

// Advance moves the clock forward by d milliseconds.
func (c *Clock) Advance(d uint64) { c.ms.Add(d) }

// Stats are counters kept by the processor loop.
type Stats struct {
	Ticks     uint64
	IdleTicks uint64
	Switches  uint64
	Preempts  uint64
}

// Machine owns the kernel and runs it.
type Machine struct {
	cfg    Config
	log    *klog.Logger
	clock  *Clock
	frames *mm.FrameAllocator
	apps   *loader.Registry
	tasks  *kernel.Manager
	sys    *sys.Handler
	hart   *cpu.Hart

	booted  bool
	running bool
	cur     task.ID
	frame   trap.Frame
	space   *mm.AddressSpace
	slice   int
	pending sys.Outcome
	fatal   error

	stats Stats
}

// New builds a machine with the built-in apps installed. Console receives
// everything tasks write to stdout.
func New(cfg Config, console io.Writer, log *klog.Logger) (*Machine, error) {
	if cfg.TimeSliceTicks <= 0 {
		return nil, fmt.Errorf("time slice must be positive, got %d", cfg.TimeSliceTicks)
	}
	if cfg.TickMillis == 0 {
		cfg.TickMillis = 1
	}
	if cfg.InitPriority == 0 {
		cfg.InitPriority = stride.DefaultPriority
	}
	if err := stride.Validate(cfg.InitPriority); err != nil {
		return nil, fmt.Errorf("init: %w", err)
	}

	m := &Machine{
		cfg:    cfg,
		log:    log,
		clock:  &Clock{},
		frames: mm.NewFrameAllocator(cfg.Frames),
		apps:   loader.NewRegistry(),
		hart:   cpu.NewHart(),
	}
	log.SetClock(m.clock.Millis)
	m.tasks = kernel.NewManager(cfg.Kernel, m.clock, log)
	m.sys = sys.New(cfg.Sys, sys.Deps{
		Tasks:   m.tasks,
		Apps:    m.apps,
		Frames:  m.frames,
		Console: console,
		Clock:   m.clock,
		Log:     log,
	})
	if err := apps.Install(apps.Catalog(cfg.Apps), m.apps, m.hart); err != nil {
		return nil, err
	}
	return m, nil
}

// Install adds an app that tasks may spawn by name.
func (m *Machine) Install(app apps.App) error {
	return apps.Install([]apps.App{app}, m.apps, m.hart)
}

// Tasks returns the task manager.
func (m *Machine) Tasks() *kernel.Manager { return m.tasks }

// Syscalls returns the syscall handler.
func (m *Machine) Syscalls() *sys.Handler { return m.sys }

// Clock returns the kernel clock.
func (m *Machine) Clock() *Clock { return m.clock }

// Frames returns the physical frame allocator.
func (m *Machine) Frames() *mm.FrameAllocator { return m.frames }

// Stats returns the loop counters.
func (m *Machine) Stats() Stats { return m.stats }

// Config returns the machine configuration.
func (m *Machine) Config() Config { return m.cfg }

// Boot loads the init app and registers it as the first task.
func (m *Machine) Boot() (task.ID, error) {
	image, err := m.apps.Lookup(m.cfg.Init)
	if err != nil {
		return 0, fmt.Errorf("boot: %w", err)
	}
	img, err := loader.Load(image, m.frames)
	if err != nil {
		return 0, fmt.Errorf("boot: %w", err)
	}
	id, err := m.tasks.Create(img.Entry, img.Space, img.UserSP, m.cfg.InitPriority)
	if err != nil {
		img.Space.Release()
		return 0, fmt.Errorf("boot: %w", err)
	}
	m.booted = true
	m.log.Infof("kernel: booted %s as pid %d", m.cfg.Init, id)
	return id, nil
}

// Done reports whether every task has exited.
func (m *Machine) Done() bool {
	return m.booted && m.tasks.Live() == 0
}

// Run steps the machine up to ticks times, stopping early once every task
// has exited. ticks <= 0 means until done.
func (m *Machine) Run(ticks int) error {
	for i := 0; ticks <= 0 || i < ticks; i++ {
		if m.Done() {
			return nil
		}
		if err := m.Step(); err != nil {
			return err
		}
	}
	return nil
}

// Step advances the clock by one tick and runs the current task for it.
func (m *Machine) Step() error {
	if !m.booted {
		return ErrNotBooted
	}
	if m.fatal != nil {
		return m.fatal
	}

	m.clock.Advance(m.cfg.TickMillis)
	m.stats.Ticks++
	for _, id := range m.tasks.WakeDue(m.clock.Millis()) {
		m.log.Tracef("kernel: pid %d woke", id)
	}

	if !m.running {
		if err := m.dispatch(); err != nil {
			if errors.Is(err, kernel.ErrIdle) {
				m.stats.IdleTicks++
				return nil
			}
			return m.halt(err)
		}
	}

	m.pending = sys.Outcome{}
	runErr := m.hart.Run(m.cur, &m.frame, m.space, m.ecall)
	if m.fatal != nil {
		return m.fatal
	}
	if err := m.tasks.Account(m.cfg.TickMillis); err != nil {
		return m.halt(err)
	}

	if runErr != nil {
		code := ExitFault
		if errors.Is(runErr, cpu.ErrNoProgram) {
			code = ExitNoProgram
		}
		m.log.Errorf("kernel: %v, killing pid %d", runErr, m.cur)
		return m.exitCurrent(code)
	}

	switch m.pending.Action {
	case sys.ActionExit:
		return m.exitCurrent(m.pending.ExitCode)
	case sys.ActionYield:
		return m.suspend(func() error {
			_, err := m.tasks.Suspend(task.StatusReady)
			return err
		})
	case sys.ActionSleep:
		return m.suspend(func() error {
			_, err := m.tasks.SleepCurrent(m.pending.Until)
			return err
		})
	}

	m.slice++
	if m.slice >= m.cfg.TimeSliceTicks {
		m.stats.Preempts++
		m.log.Tracef("kernel: pid %d time slice expired", m.cur)
		return m.suspend(func() error {
			_, err := m.tasks.Suspend(task.StatusReady)
			return err
		})
	}
	return nil
}

// ecall is the trap path of the hart. It reports whether the task keeps the
// CPU.
func (m *Machine) ecall(f *trap.Frame) bool {
	out, err := m.sys.Dispatch(f)
	if err != nil {
		_ = m.halt(err)
		return false
	}
	if out.Action != sys.ActionResume {
		m.pending = out
		return false
	}
	return true
}

func (m *Machine) dispatch() error {
	id, err := m.tasks.Dispatch()
	if err != nil {
		return err
	}
	ctx, err := m.tasks.Context(id)
	if err != nil {
		return err
	}
	space, err := m.tasks.Space(id)
	if err != nil {
		return err
	}
	m.cur = id
	m.frame = ctx
	m.space = space
	m.slice = 0
	m.running = true
	m.stats.Switches++
	return nil
}

// suspend saves the live frame and takes the current task off the CPU.
func (m *Machine) suspend(off func() error) error {
	if err := m.tasks.SaveContext(m.cur, m.frame); err != nil {
		return m.halt(err)
	}
	if err := off(); err != nil {
		return m.halt(err)
	}
	m.release()
	return nil
}

func (m *Machine) exitCurrent(code int32) error {
	id := m.cur
	m.release()
	m.hart.Forget(id)
	if err := m.tasks.MarkExited(id, code); err != nil {
		return m.halt(err)
	}
	return nil
}

func (m *Machine) release() {
	m.running = false
	m.space = nil
	m.frame = trap.Frame{}
	m.slice = 0
}

func (m *Machine) halt(err error) error {
	if m.fatal == nil {
		m.fatal = err
		m.log.Errorf("kernel: halted: %v", err)
	}
	return m.fatal
}

// Kill terminates id from outside the task.
func (m *Machine) Kill(id task.ID) error {
	if err := m.tasks.MarkExited(id, ExitKilled); err != nil {
		return err
	}
	m.hart.Forget(id)
	if m.running && m.cur == id {
		m.release()
	}
	return nil
}

// SetPriority changes the priority of id from outside the task.
func (m *Machine) SetPriority(id task.ID, prio int64) error {
	return m.tasks.SetPriority(id, prio)
}

// Current returns the task holding the CPU, if any.
func (m *Machine) Current() (task.ID, bool) {
	return m.cur, m.running
}

// Snapshot returns the accounting of every known task in id order.
func (m *Machine) Snapshot() []task.Info { return m.tasks.Snapshot() }

// Now returns the machine time in milliseconds.
func (m *Machine) Now() uint64 { return m.clock.Millis() }
