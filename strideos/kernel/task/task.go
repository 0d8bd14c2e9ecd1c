// Package task defines the task control block and the accounting snapshot
// exposed to user programs.
package task

import (
	"strconv"

	"stride/strideos/kernel/stride"
	"stride/strideos/kernel/trap"
	"stride/strideos/mm"
)

// MaxSyscallNum bounds the syscall ids that are counted per task.
const MaxSyscallNum = 500

// ID identifies a task. It is never reused while the kernel runs.
type ID uint32

func (id ID) String() string { return strconv.FormatUint(uint64(id), 10) }

// Status is a task's position in its lifecycle. The numeric values are part
// of the task_info ABI.
type Status uint32

const (
	StatusReady Status = iota + 1
	StatusRunning
	StatusExited
	StatusBlocked
)

func (s Status) String() string {
	switch s {
	case StatusReady:
		return "ready"
	case StatusRunning:
		return "running"
	case StatusExited:
		return "exited"
	case StatusBlocked:
		return "blocked"
	default:
		return "invalid"
	}
}

// CanTransition reports whether the lifecycle allows moving from s to next.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusReady:
		return next == StatusRunning || next == StatusExited
	case StatusRunning:
		return next == StatusReady || next == StatusBlocked || next == StatusExited
	case StatusBlocked:
		return next == StatusReady || next == StatusExited
	default:
		return false
	}
}

// TCB is the kernel's record of one task. It is owned by the task manager,
// which serializes every access.
type TCB struct {
	ID     ID
	Status Status

	// Context is only meaningful while the task is off the CPU.
	Context trap.Frame
	Space   *mm.AddressSpace
	Entry   uint64

	Priority int64
	Stride   uint64
	Pass     uint64

	SyscallCounts [MaxSyscallNum]uint32

	Scheduled      bool
	FirstScheduled uint64 // ms
	RunningTime    uint64 // ms

	ExitCode  int32
	Parent    ID
	HasParent bool
	Children  []ID

	WakeAt uint64 // ms, valid while blocked in sleep
}

// New creates a Ready TCB with stride 0.
func New(id ID, entry uint64, space *mm.AddressSpace, userSP uint64, priority int64) (*TCB, error) {
	pass, err := stride.Pass(priority)
	if err != nil {
		return nil, err
	}
	return &TCB{
		ID:       id,
		Status:   StatusReady,
		Context:  trap.NewUserFrame(entry, userSP),
		Space:    space,
		Entry:    entry,
		Priority: priority,
		Pass:     pass,
	}, nil
}

// RecordSyscall counts one invocation of syscall id. Ids outside the counted
// range are ignored.
func (t *TCB) RecordSyscall(id uint64) {
	if id >= MaxSyscallNum {
		return
	}
	t.SyscallCounts[id]++
}

// SetPriority changes the priority and the pass derived from it.
func (t *TCB) SetPriority(prio int64) error {
	pass, err := stride.Pass(prio)
	if err != nil {
		return err
	}
	t.Priority = prio
	t.Pass = pass
	return nil
}

// Snapshot copies the accounting state of the task.
func (t *TCB) Snapshot() Info {
	return Info{
		ID:             t.ID,
		Status:         t.Status,
		Priority:       t.Priority,
		Stride:         t.Stride,
		SyscallCounts:  t.SyscallCounts,
		Time:           t.RunningTime,
		Scheduled:      t.Scheduled,
		FirstScheduled: t.FirstScheduled,
		ExitCode:       t.ExitCode,
		Parent:         t.Parent,
		HasParent:      t.HasParent,
	}
}

// ReleaseSpace frees the address space, if any.
func (t *TCB) ReleaseSpace() {
	if t.Space == nil {
		return
	}
	t.Space.Release()
	t.Space = nil
}
