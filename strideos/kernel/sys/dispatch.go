package sys

import (
	"encoding/binary"
	"errors"
	"fmt"

	"stride/strideos/kernel"
	"stride/strideos/kernel/task"
	"stride/strideos/kernel/trap"
)

// Action tells the processor loop what to do with the caller after a
// syscall returns.
type Action uint8

const (
	// ActionResume keeps the caller running.
	ActionResume Action = iota
	// ActionYield puts the caller back in the ready set.
	ActionYield
	// ActionSleep blocks the caller until Outcome.Until.
	ActionSleep
	// ActionExit terminates the caller with Outcome.ExitCode.
	ActionExit
)

func (a Action) String() string {
	switch a {
	case ActionResume:
		return "resume"
	case ActionYield:
		return "yield"
	case ActionSleep:
		return "sleep"
	case ActionExit:
		return "exit"
	default:
		return "unknown"
	}
}

// Outcome is the scheduling effect of one syscall.
type Outcome struct {
	Caller   task.ID
	Action   Action
	Until    uint64 // ms, for ActionSleep
	ExitCode int32  // for ActionExit
}

// Dispatch serves the ecall held in f on behalf of the Running task.
//
// The caller's counter for the syscall id is bumped before anything else.
// The result is left in a0 and sepc is moved past the ecall. User errors
// never surface as a Go error; only a missing Running task does.
func (h *Handler) Dispatch(f *trap.Frame) (Outcome, error) {
	caller, err := h.tasks.Current()
	if err != nil {
		return Outcome{}, err
	}
	id := Number(f.SyscallID())
	if err := h.tasks.RecordSyscall(caller, uint64(id)); err != nil {
		return Outcome{}, err
	}
	f.SkipEcall()

	args := f.Args()
	out := Outcome{Caller: caller}
	var ret int64
	switch id {
	case SysWrite:
		ret = h.sysWrite(caller, args[0], args[1], args[2])
	case SysExit:
		h.log.Tracef("kernel:pid[%d] sys_exit", caller)
		out.Action = ActionExit
		out.ExitCode = int32(args[0])
		return out, nil
	case SysSleep:
		ret = h.sysSleep(caller, int64(args[0]), &out)
	case SysYield:
		h.log.Tracef("kernel:pid[%d] sys_yield", caller)
		out.Action = ActionYield
	case SysSetPriority:
		ret = h.sysSetPriority(caller, int64(args[0]))
	case SysGetTime:
		ret = h.sysGetTime(caller, args[0])
	case SysGetPID:
		h.log.Tracef("kernel:pid[%d] sys_getpid", caller)
		ret = int64(caller)
	case SysWaitPID:
		ret = h.sysWaitPID(caller, int64(args[0]), args[1])
	case SysSpawn:
		ret = h.sysSpawn(caller, args[0], int64(args[1]))
	case SysTaskInfo:
		ret = h.sysTaskInfo(caller, args[0], int64(args[1]))
	default:
		h.log.Warnf("kernel:pid[%d] unsupported syscall %d", caller, uint64(id))
		ret = int64(ErrnoFail)
	}
	f.SetReturn(ret)
	return out, nil
}

func (h *Handler) fail(caller task.ID, id Number, err error) int64 {
	e := ErrnoFor(err)
	if e != ErrnoAgain {
		h.log.Debugf("kernel:pid[%d] sys_%s: %v", caller, id, err)
	}
	return int64(e)
}

func (h *Handler) sysWrite(caller task.ID, fd, buf, n uint64) int64 {
	h.log.Tracef("kernel:pid[%d] sys_write", caller)
	if fd != FDStdout && fd != FDStderr {
		return h.fail(caller, SysWrite, fmt.Errorf("fd %d not supported", fd))
	}
	if n > MaxWriteLen {
		return h.fail(caller, SysWrite, fmt.Errorf("write of %d bytes exceeds %d", n, MaxWriteLen))
	}
	space, err := h.tasks.Space(caller)
	if err != nil {
		return h.fail(caller, SysWrite, err)
	}
	b, err := space.ReadUser(buf, int(n))
	if err != nil {
		return h.fail(caller, SysWrite, err)
	}
	if _, err := h.console.Write(b); err != nil {
		return h.fail(caller, SysWrite, err)
	}
	return int64(len(b))
}

func (h *Handler) sysSleep(caller task.ID, ms int64, out *Outcome) int64 {
	h.log.Tracef("kernel:pid[%d] sys_sleep", caller)
	switch {
	case ms < 0:
		return h.fail(caller, SysSleep, fmt.Errorf("negative duration %d", ms))
	case ms == 0:
		out.Action = ActionYield
	default:
		out.Action = ActionSleep
		out.Until = h.now() + uint64(ms)
	}
	return 0
}

func (h *Handler) sysSetPriority(caller task.ID, prio int64) int64 {
	h.log.Tracef("kernel:pid[%d] sys_set_priority", caller)
	if err := h.tasks.SetPriority(caller, prio); err != nil {
		return h.fail(caller, SysSetPriority, err)
	}
	return prio
}

func (h *Handler) sysGetTime(caller task.ID, ptr uint64) int64 {
	h.log.Tracef("kernel:pid[%d] sys_get_time", caller)
	ms := h.now()
	var tv [TimeValSize]byte
	binary.LittleEndian.PutUint64(tv[0:8], ms/1000)
	binary.LittleEndian.PutUint64(tv[8:16], (ms%1000)*1000)
	if err := h.copyOut(caller, ptr, tv[:]); err != nil {
		return h.fail(caller, SysGetTime, err)
	}
	return 0
}

func (h *Handler) sysWaitPID(caller task.ID, pid int64, codePtr uint64) int64 {
	h.log.Tracef("kernel:pid[%d] sys_waitpid", caller)
	child, code, err := h.tasks.Reap(caller, pid)
	if err != nil {
		return h.fail(caller, SysWaitPID, err)
	}
	if codePtr != 0 {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], uint32(code))
		if err := h.copyOut(caller, codePtr, b[:]); err != nil {
			return h.fail(caller, SysWaitPID, err)
		}
	}
	return int64(child)
}

func (h *Handler) sysSpawn(caller task.ID, pathPtr uint64, prio int64) int64 {
	h.log.Tracef("kernel:pid[%d] sys_spawn", caller)
	space, err := h.tasks.Space(caller)
	if err != nil {
		return h.fail(caller, SysSpawn, err)
	}
	name, err := space.ReadCString(pathPtr, MaxPathLen)
	if err != nil {
		return h.fail(caller, SysSpawn, err)
	}
	id, err := h.SpawnApp(caller, name, prio)
	if err != nil {
		return h.fail(caller, SysSpawn, err)
	}
	return int64(id)
}

func (h *Handler) sysTaskInfo(caller task.ID, ptr uint64, target int64) int64 {
	h.log.Tracef("kernel:pid[%d] sys_task_info", caller)
	info, err := h.TaskInfo(caller, target)
	if err != nil {
		return h.fail(caller, SysTaskInfo, err)
	}
	b, err := info.MarshalBinary()
	if err != nil {
		return h.fail(caller, SysTaskInfo, err)
	}
	if err := h.copyOut(caller, ptr, b); err != nil {
		return h.fail(caller, SysTaskInfo, err)
	}
	return 0
}

func (h *Handler) copyOut(caller task.ID, va uint64, b []byte) error {
	space, err := h.tasks.Space(caller)
	if err != nil {
		return err
	}
	return space.WriteUser(va, b)
}

// IsFatal reports whether a Dispatch error means the scheduler state is
// broken rather than the caller misbehaving.
func IsFatal(err error) bool {
	return errors.Is(err, kernel.ErrNoRunningTask) || errors.Is(err, kernel.ErrInvariant)
}
