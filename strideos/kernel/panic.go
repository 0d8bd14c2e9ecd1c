package kernel

import (
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"stride/strideos/kernel/task"
)

// PanicInfo describes a kernel invariant violation.
type PanicInfo struct {
	TaskID  task.ID
	HasTask bool
	Value   any
	Stack   []byte
}

var (
	panicActive atomic.Bool
	panicOnce   sync.Once

	panicHandler atomic.Value // func(PanicInfo)
)

// InPanicMode reports whether an invariant violation has been observed.
func InPanicMode() bool {
	return panicActive.Load()
}

// SetPanicHandler installs a process-wide handler for invariant violations.
//
// The handler is invoked at most once (on the first violation). It must not
// call back into the Manager.
func SetPanicHandler(fn func(PanicInfo)) {
	panicHandler.Store(fn)
}

func triggerPanic(info PanicInfo) {
	panicOnce.Do(func() {
		panicActive.Store(true)
		info.Stack = debug.Stack()
		if v := panicHandler.Load(); v != nil {
			if fn, ok := v.(func(PanicInfo)); ok && fn != nil {
				fn(info)
			}
		}
	})
}

// violation reports a broken invariant and returns the error callers surface.
func violation(tcb *task.TCB, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	info := PanicInfo{Value: msg}
	if tcb != nil {
		info.TaskID = tcb.ID
		info.HasTask = true
	}
	triggerPanic(info)
	return fmt.Errorf("%w: %s", ErrInvariant, msg)
}
