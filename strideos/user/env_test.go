package user

import (
	"encoding/binary"
	"strings"
	"testing"

	"stride/strideos/kernel/sys"
	"stride/strideos/kernel/task"
	"stride/strideos/kernel/trap"
	"stride/strideos/mm"
)

type fakeKernel struct {
	t     *testing.T
	mem   *mm.AddressSpace
	calls []sys.Number
	out   strings.Builder
}

func (k *fakeKernel) ecall(f *trap.Frame) bool {
	id := sys.Number(f.SyscallID())
	k.calls = append(k.calls, id)
	a := f.Args()
	switch id {
	case sys.SysWrite:
		b, err := k.mem.ReadUser(a[1], int(a[2]))
		if err != nil {
			k.t.Fatalf("ReadUser() err = %v", err)
		}
		k.out.Write(b)
		f.SetReturn(int64(len(b)))
	case sys.SysExit:
		return false
	case sys.SysYield:
		f.SetReturn(0)
		return false
	case sys.SysGetTime:
		var tv [16]byte
		binary.LittleEndian.PutUint64(tv[0:], 3)
		binary.LittleEndian.PutUint64(tv[8:], 250000)
		_ = k.mem.WriteUser(a[0], tv[:])
		f.SetReturn(0)
	case sys.SysWaitPID:
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], uint32(0xfffffff9))
		_ = k.mem.WriteUser(a[1], b[:])
		f.SetReturn(5)
	case sys.SysSpawn:
		name, _ := k.mem.ReadCString(a[0], sys.MaxPathLen)
		if name != "hello" || int64(a[1]) != 3 {
			f.SetReturn(-1)
			break
		}
		f.SetReturn(7)
	case sys.SysTaskInfo:
		info := task.Info{Status: task.StatusRunning, Time: 12}
		info.SyscallCounts[sys.SysTaskInfo] = 1
		b, _ := info.MarshalBinary()
		_ = k.mem.WriteUser(a[0], b)
		f.SetReturn(0)
	default:
		f.SetReturn(-1)
	}
	return true
}

func newTestEnv(t *testing.T) (*Env, *fakeKernel, *trap.Frame) {
	t.Helper()
	mem, err := mm.NewAddressSpace(mm.NewFrameAllocator(8))
	if err != nil {
		t.Fatalf("NewAddressSpace() err = %v", err)
	}
	if err := mem.Map(0x10000, 0x12000, mm.PermR|mm.PermW|mm.PermU); err != nil {
		t.Fatalf("Map() err = %v", err)
	}
	k := &fakeKernel{t: t, mem: mem}
	f := trap.NewUserFrame(0x1000, 0x12000)
	return NewEnv(&f, mem, k.ecall), k, &f
}

func TestEnvStubs(t *testing.T) {
	env, k, _ := newTestEnv(t)

	long := strings.Repeat("x", ScratchSize+10)
	if n := env.Write(long); n != int64(len(long)) {
		t.Fatalf("Write() = %d, want %d", n, len(long))
	}
	if k.out.String() != long {
		t.Fatalf("console got %d bytes, want %d", k.out.Len(), len(long))
	}
	if ms, ok := env.GetTime(); !ok || ms != 3250 {
		t.Fatalf("GetTime() = %d, %v, want 3250", ms, ok)
	}
	if pid, code := env.WaitPID(-1); pid != 5 || code != -7 {
		t.Fatalf("WaitPID() = %d, %d, want 5, -7", pid, code)
	}
	if pid := env.Spawn("hello", 3); pid != 7 {
		t.Fatalf("Spawn() = %d, want 7", pid)
	}
	info, ok := env.TaskInfo()
	if !ok || info.Status != task.StatusRunning || info.Time != 12 || info.SyscallCounts[sys.SysTaskInfo] != 1 {
		t.Fatalf("TaskInfo() = %+v, %v", info.Status, ok)
	}
}

func TestEnvStopsAfterGivingUpCPU(t *testing.T) {
	env, k, _ := newTestEnv(t)
	env.Yield()
	if !env.Done() {
		t.Fatal("Done() = false after Yield")
	}
	if got := env.GetPID(); got != -1 {
		t.Fatalf("GetPID() after yield = %d, want -1", got)
	}
	if len(k.calls) != 1 {
		t.Fatalf("kernel saw %v, want only yield", k.calls)
	}
}

func TestEnvExitArgument(t *testing.T) {
	env, _, f := newTestEnv(t)
	env.Exit(-3)
	if got := int64(f.Args()[0]); got != -3 {
		t.Fatalf("a0 = %d, want -3", got)
	}
	if f.SyscallID() != uint64(sys.SysExit) {
		t.Fatalf("a7 = %d, want %d", f.SyscallID(), sys.SysExit)
	}
}
