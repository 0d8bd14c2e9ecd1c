// Package trap holds the register state saved when control leaves user mode.
package trap

// Register indices used by the syscall ABI.
const (
	RegSP = 2
	RegA0 = 10
	RegA1 = 11
	RegA2 = 12
	RegA7 = 17
)

// Frame is the saved user context of a task.
//
// The kernel core never interprets the registers beyond the syscall ABI; it
// only stores the frame while the task is off the CPU and hands it back on
// dispatch.
type Frame struct {
	X    [32]uint64
	Sepc uint64
}

// NewUserFrame returns the initial frame of a task that starts at entry with
// the given user stack pointer.
func NewUserFrame(entry, sp uint64) Frame {
	var f Frame
	f.Sepc = entry
	f.X[RegSP] = sp
	return f
}

// SyscallID returns the syscall number held in a7.
func (f *Frame) SyscallID() uint64 { return f.X[RegA7] }

// Args returns a0..a2.
func (f *Frame) Args() [3]uint64 {
	return [3]uint64{f.X[RegA0], f.X[RegA1], f.X[RegA2]}
}

// SetSyscall loads a syscall request into a7 and a0..a2.
func (f *Frame) SetSyscall(id uint64, args [3]uint64) {
	f.X[RegA7] = id
	f.X[RegA0] = args[0]
	f.X[RegA1] = args[1]
	f.X[RegA2] = args[2]
}

// SetReturn stores a syscall result in a0.
func (f *Frame) SetReturn(v int64) { f.X[RegA0] = uint64(v) }

// Return reads a0 as a signed syscall result.
func (f *Frame) Return() int64 { return int64(f.X[RegA0]) }

// SP returns the user stack pointer.
func (f *Frame) SP() uint64 { return f.X[RegSP] }

// SkipEcall advances sepc past the trapping ecall instruction.
func (f *Frame) SkipEcall() { f.Sepc += 4 }
