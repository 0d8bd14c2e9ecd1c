package apps

import (
	"fmt"

	"stride/strideos/kernel/sys"
	"stride/strideos/kernel/task"
	"stride/strideos/user"
)

type initProc struct {
	children []Child
	next     int
}

func newInit(children []Child) *initProc {
	return &initProc{children: append([]Child(nil), children...)}
}

// Step spawns one configured child per step, then reaps until no children
// are left.
func (p *initProc) Step(env *user.Env) {
	if p.next < len(p.children) {
		c := p.children[p.next]
		p.next++
		if pid := env.Spawn(c.Name, c.Priority); pid < 0 {
			env.Write(fmt.Sprintf("init: spawn %s failed\n", c.Name))
		}
		return
	}

	pid, code := env.WaitPID(-1)
	switch pid {
	case int64(sys.ErrnoFail):
		env.Write("init: no children left\n")
		env.Exit(0)
	case int64(sys.ErrnoAgain):
		env.Yield()
	default:
		env.Write(fmt.Sprintf("init: reaped pid %d, exit code %d\n", pid, code))
	}
}

func hello(env *user.Env) {
	env.Write("Hello, world!\n")
	env.Exit(0)
}

// strideWorkload counts one unit of work per step until runFor has passed
// and exits with the count, so the exit codes of workloads started together
// are proportional to their priorities.
type strideWorkload struct {
	prio   int64
	runFor uint64

	started bool
	start   uint64
	acc     int64
}

func (w *strideWorkload) Step(env *user.Env) {
	if !w.started {
		w.started = true
		env.SetPriority(w.prio)
		w.start, _ = env.GetTime()
		return
	}
	w.acc++
	now, ok := env.GetTime()
	if !ok || now-w.start < w.runFor {
		return
	}
	env.Write(fmt.Sprintf("priority = %d, exitcode = %d\n", w.prio, w.acc))
	env.Exit(int32(w.acc))
}

type sleeper struct {
	ms    int64
	slept bool
	start uint64
}

func (s *sleeper) Step(env *user.Env) {
	if !s.slept {
		s.slept = true
		s.start, _ = env.GetTime()
		env.Sleep(s.ms)
		return
	}
	now, _ := env.GetTime()
	elapsed := now - s.start
	env.Write(fmt.Sprintf("sleeper: woke after %d ms\n", elapsed))
	if elapsed < uint64(s.ms) {
		env.Exit(1)
		return
	}
	env.Exit(0)
}

// taskInfoCheck makes a known set of syscalls and verifies that task_info
// reports them.
type taskInfoCheck struct {
	yielded bool
}

func (c *taskInfoCheck) Step(env *user.Env) {
	if !c.yielded {
		c.yielded = true
		env.GetPID()
		env.Write("taskinfo: start\n")
		env.Yield()
		return
	}

	info, ok := env.TaskInfo()
	switch {
	case !ok:
		env.Write("taskinfo: task_info failed\n")
	case info.Status != task.StatusRunning:
		env.Write(fmt.Sprintf("taskinfo: status %s, want running\n", info.Status))
	case info.SyscallCounts[sys.SysGetPID] != 1,
		info.SyscallCounts[sys.SysWrite] != 1,
		info.SyscallCounts[sys.SysYield] != 1,
		info.SyscallCounts[sys.SysTaskInfo] != 1:
		env.Write("taskinfo: unexpected syscall counts\n")
	default:
		env.Write(fmt.Sprintf("taskinfo: ok, %d ms\n", info.Time))
		env.Exit(0)
		return
	}
	env.Exit(1)
}

// spawner checks spawn from user space: a valid child, a rejected priority
// and an unknown app.
type spawner struct {
	child int64
}

func (s *spawner) Step(env *user.Env) {
	if s.child == 0 {
		s.child = env.Spawn("hello", 2)
		bad := env.Spawn("hello", 1)
		missing := env.Spawn("no_such_app", 4)
		if s.child < 0 || bad != -1 || missing != -1 {
			env.Write(fmt.Sprintf("spawner: spawn = %d, %d, %d\n", s.child, bad, missing))
			env.Exit(1)
		}
		return
	}

	pid, code := env.WaitPID(s.child)
	switch {
	case pid == int64(sys.ErrnoAgain):
		env.Yield()
	case pid != s.child || code != 0:
		env.Write(fmt.Sprintf("spawner: waitpid = %d, code %d\n", pid, code))
		env.Exit(1)
	default:
		env.Write("spawner: ok\n")
		env.Exit(0)
	}
}
