// Package cpu executes user programs on behalf of the kernel.
//
// On the host there is no instruction decoder: a task's entry point selects a
// Go program, and every time the task holds the CPU for a tick the hart runs
// one step of it against the task's trap frame and address space.
package cpu

import (
	"errors"
	"fmt"
	"sync"

	"stride/strideos/kernel/task"
	"stride/strideos/kernel/trap"
	"stride/strideos/mm"
	"stride/strideos/user"
)

var (
	ErrNoProgram    = errors.New("no program at entry point")
	ErrProgramFault = errors.New("program fault")
	ErrAlreadyBound = errors.New("entry point already bound")
)

// Hart is a single user-mode execution unit.
type Hart struct {
	mu      sync.Mutex
	entries map[uint64]func() user.Program
	running map[task.ID]user.Program
}

// NewHart returns a hart with nothing bound.
func NewHart() *Hart {
	return &Hart{
		entries: make(map[uint64]func() user.Program),
		running: make(map[task.ID]user.Program),
	}
}

// Bind makes newProgram the code found at entry.
func (h *Hart) Bind(entry uint64, newProgram func() user.Program) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.entries[entry]; ok {
		return fmt.Errorf("%#x: %w", entry, ErrAlreadyBound)
	}
	h.entries[entry] = newProgram
	return nil
}

func (h *Hart) program(id task.ID, pc uint64) (user.Program, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if p, ok := h.running[id]; ok {
		return p, nil
	}
	newProgram, ok := h.entries[pc]
	if !ok {
		return nil, fmt.Errorf("pid %d at %#x: %w", id, pc, ErrNoProgram)
	}
	p := newProgram()
	h.running[id] = p
	return p, nil
}

// Run executes one step of task id. The first run of a task starts the
// program bound at f.Sepc. A panic inside the program is returned as
// ErrProgramFault.
func (h *Hart) Run(id task.ID, f *trap.Frame, mem *mm.AddressSpace, ecall user.Ecall) (err error) {
	p, err := h.program(id, f.Sepc)
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pid %d: %w: %v", id, ErrProgramFault, r)
		}
	}()
	p.Step(user.NewEnv(f, mem, ecall))
	return nil
}

// Forget drops the program state of an exited task.
func (h *Hart) Forget(id task.ID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.running, id)
}

// Running returns the number of tasks with program state.
func (h *Hart) Running() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.running)
}
