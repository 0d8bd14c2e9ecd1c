// Package sys implements the syscall layer: numbering, the trap dispatcher
// and the handlers that call into the task manager.
package sys

// Number identifies a syscall, as passed in a7.
type Number uint64

const (
	SysWrite       Number = 64
	SysExit        Number = 93
	SysSleep       Number = 101
	SysYield       Number = 124
	SysSetPriority Number = 140
	SysGetTime     Number = 169
	SysGetPID      Number = 172
	SysWaitPID     Number = 260
	SysSpawn       Number = 400
	SysTaskInfo    Number = 410
)

func (n Number) String() string {
	switch n {
	case SysWrite:
		return "write"
	case SysExit:
		return "exit"
	case SysSleep:
		return "sleep"
	case SysYield:
		return "yield"
	case SysSetPriority:
		return "set_priority"
	case SysGetTime:
		return "get_time"
	case SysGetPID:
		return "getpid"
	case SysWaitPID:
		return "waitpid"
	case SysSpawn:
		return "spawn"
	case SysTaskInfo:
		return "task_info"
	default:
		return "unknown"
	}
}

// Errno is the value a failed syscall leaves in a0.
type Errno int64

const (
	ErrnoFail Errno = -1
	// ErrnoAgain is returned by waitpid while the child is still alive.
	ErrnoAgain Errno = -2
)

// Standard streams accepted by write.
const (
	FDStdout = 1
	FDStderr = 2
)

// TimeValSize is the size of the get_time result.
//
// Layout (little-endian):
//   - u64: seconds
//   - u64: microseconds
const TimeValSize = 16

// MaxWriteLen bounds a single write.
const MaxWriteLen = 1 << 16

// MaxPathLen bounds the app name read by spawn, terminator included.
const MaxPathLen = 256
