// Package user is the user-mode runtime: the Program interface that user
// apps implement and the Env stubs they use to trap into the kernel.
package user

import (
	"encoding/binary"

	"stride/strideos/kernel/sys"
	"stride/strideos/kernel/task"
	"stride/strideos/kernel/trap"
	"stride/strideos/mm"
)

// Program is a user app. Step is called once per tick while the task holds
// the CPU; state carried between steps lives in the Program value.
type Program interface {
	Step(env *Env)
}

// ProgramFunc adapts a function to Program.
type ProgramFunc func(env *Env)

func (f ProgramFunc) Step(env *Env) { f(env) }

// Ecall traps into the kernel with the request held in f and reports whether
// the caller keeps the CPU.
type Ecall func(f *trap.Frame) bool

// ScratchSize is the window below the stack pointer that stubs use to pass
// buffers to the kernel.
const ScratchSize = mm.PageSize

// Env is the view a program has of its task for one step.
//
// A step ends at the first syscall that gives up the CPU (exit, yield,
// sleep). Calls made after that return -1 without trapping.
type Env struct {
	frame *trap.Frame
	mem   *mm.AddressSpace
	ecall Ecall
	done  bool
}

// NewEnv binds a program step to its trap frame and address space.
func NewEnv(f *trap.Frame, mem *mm.AddressSpace, ecall Ecall) *Env {
	return &Env{frame: f, mem: mem, ecall: ecall}
}

// Done reports whether the task has given up the CPU in this step.
func (e *Env) Done() bool { return e.done }

func (e *Env) syscall(id sys.Number, a0, a1, a2 uint64) int64 {
	if e.done {
		return int64(sys.ErrnoFail)
	}
	e.frame.SetSyscall(uint64(id), [3]uint64{a0, a1, a2})
	if !e.ecall(e.frame) {
		e.done = true
	}
	return e.frame.Return()
}

func (e *Env) scratch() uint64 { return e.frame.SP() - ScratchSize }

// poke stores b in the scratch window. A fault here is a fault of the
// program itself.
func (e *Env) poke(b []byte) uint64 {
	va := e.scratch()
	if err := e.mem.WriteUser(va, b); err != nil {
		panic(err)
	}
	return va
}

func (e *Env) peek(n int) []byte {
	b, err := e.mem.ReadUser(e.scratch(), n)
	if err != nil {
		panic(err)
	}
	return b
}

// Write prints s on stdout and returns the number of bytes written or -1.
func (e *Env) Write(s string) int64 {
	var total int64
	for len(s) > 0 {
		chunk := s
		if len(chunk) > ScratchSize {
			chunk = chunk[:ScratchSize]
		}
		va := e.poke([]byte(chunk))
		n := e.syscall(sys.SysWrite, sys.FDStdout, va, uint64(len(chunk)))
		if n < 0 {
			return n
		}
		total += n
		s = s[len(chunk):]
	}
	return total
}

// Exit terminates the task.
func (e *Env) Exit(code int32) {
	e.syscall(sys.SysExit, uint64(int64(code)), 0, 0)
}

// Yield gives up the rest of the time slice.
func (e *Env) Yield() int64 {
	return e.syscall(sys.SysYield, 0, 0, 0)
}

// Sleep blocks the task for at least ms milliseconds.
func (e *Env) Sleep(ms int64) int64 {
	return e.syscall(sys.SysSleep, uint64(ms), 0, 0)
}

// SetPriority changes the task's priority; values below 2 return -1.
func (e *Env) SetPriority(prio int64) int64 {
	return e.syscall(sys.SysSetPriority, uint64(prio), 0, 0)
}

// GetTime returns the kernel clock in milliseconds.
func (e *Env) GetTime() (uint64, bool) {
	va := e.scratch()
	if e.syscall(sys.SysGetTime, va, 0, 0) != 0 {
		return 0, false
	}
	b := e.peek(sys.TimeValSize)
	sec := binary.LittleEndian.Uint64(b[0:8])
	usec := binary.LittleEndian.Uint64(b[8:16])
	return sec*1000 + usec/1000, true
}

// GetPID returns the task's id.
func (e *Env) GetPID() int64 {
	return e.syscall(sys.SysGetPID, 0, 0, 0)
}

// WaitPID reaps an exited child; pid -1 matches any child. It returns the
// child's pid and exit code, -1 when there is no such child or -2 while the
// child is still running.
func (e *Env) WaitPID(pid int64) (int64, int32) {
	va := e.scratch()
	ret := e.syscall(sys.SysWaitPID, uint64(pid), va, 0)
	if ret < 0 {
		return ret, 0
	}
	return ret, int32(binary.LittleEndian.Uint32(e.peek(4)))
}

// Spawn starts the app registered as name with the given priority and
// returns its pid or -1.
func (e *Env) Spawn(name string, prio int64) int64 {
	va := e.poke(append([]byte(name), 0))
	return e.syscall(sys.SysSpawn, va, uint64(prio), 0)
}

// TaskInfo returns the task's own accounting.
func (e *Env) TaskInfo() (task.Info, bool) {
	return e.TaskInfoOf(-1)
}

// TaskInfoOf returns the accounting of pid. Kernels running in self-only
// mode ignore pid.
func (e *Env) TaskInfoOf(pid int64) (task.Info, bool) {
	va := e.scratch()
	if e.syscall(sys.SysTaskInfo, va, uint64(pid), 0) != 0 {
		return task.Info{}, false
	}
	var info task.Info
	if err := info.UnmarshalBinary(e.peek(task.InfoSize)); err != nil {
		return task.Info{}, false
	}
	return info, true
}
