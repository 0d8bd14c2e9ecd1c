package sys

import (
	"errors"
	"fmt"
	"io"
	"math"

	"stride/strideos/kernel"
	"stride/strideos/kernel/klog"
	"stride/strideos/kernel/stride"
	"stride/strideos/kernel/task"
	"stride/strideos/loader"
	"stride/strideos/mm"
)

// Config selects syscall policy.
type Config struct {
	// SelfOnly makes task_info ignore its target and always report the
	// caller.
	SelfOnly bool
}

// DefaultConfig returns the policy used by the host build.
func DefaultConfig() Config {
	return Config{SelfOnly: true}
}

// Deps are the kernel services the handlers call into.
type Deps struct {
	Tasks   *kernel.Manager
	Apps    *loader.Registry
	Frames  *mm.FrameAllocator
	Console io.Writer
	Clock   kernel.Clock
	Log     *klog.Logger
}

// Handler serves syscalls for the task manager it was built with.
type Handler struct {
	cfg     Config
	tasks   *kernel.Manager
	apps    *loader.Registry
	frames  *mm.FrameAllocator
	console io.Writer
	clock   kernel.Clock
	log     *klog.Logger
}

// New returns a Handler. Console may be nil, in which case writes are
// accepted and dropped.
func New(cfg Config, d Deps) *Handler {
	console := d.Console
	if console == nil {
		console = io.Discard
	}
	return &Handler{
		cfg:     cfg,
		tasks:   d.Tasks,
		apps:    d.Apps,
		frames:  d.Frames,
		console: console,
		clock:   d.Clock,
		log:     d.Log,
	}
}

// Config returns the policy in effect.
func (h *Handler) Config() Config { return h.cfg }

func (h *Handler) now() uint64 {
	if h.clock == nil {
		return 0
	}
	return h.clock.Millis()
}

// TaskInfo returns the accounting of target as seen by caller. A negative
// target, or any target under Config.SelfOnly, means the caller itself.
// Exited tasks stay visible until they are reaped or purged.
func (h *Handler) TaskInfo(caller task.ID, target int64) (task.Info, error) {
	id := caller
	if !h.cfg.SelfOnly && target >= 0 {
		if target > math.MaxUint32 {
			return task.Info{}, fmt.Errorf("task %d: %w", target, kernel.ErrUnknownTaskID)
		}
		id = task.ID(target)
	}
	return h.tasks.Info(id)
}

// Spawn loads image into a fresh address space and registers it as a Ready
// child of caller with stride 0. The priority is checked before anything is
// allocated; on any failure no task exists and the loader's memory is
// returned.
func (h *Handler) Spawn(caller task.ID, image []byte, prio int64) (task.ID, error) {
	if err := stride.Validate(prio); err != nil {
		return 0, err
	}
	img, err := loader.Load(image, h.frames)
	if err != nil {
		return 0, err
	}
	id, err := h.tasks.CreateChild(caller, img.Entry, img.Space, img.UserSP, prio)
	if err != nil {
		img.Space.Release()
		return 0, err
	}
	h.log.Debugf("kernel: pid %d spawned pid %d prio %d", caller, id, prio)
	return id, nil
}

// SpawnApp is Spawn with the image looked up by name.
func (h *Handler) SpawnApp(caller task.ID, name string, prio int64) (task.ID, error) {
	if err := stride.Validate(prio); err != nil {
		return 0, err
	}
	if h.apps == nil {
		return 0, fmt.Errorf("%q: %w", name, loader.ErrNotFound)
	}
	image, err := h.apps.Lookup(name)
	if err != nil {
		return 0, err
	}
	return h.Spawn(caller, image, prio)
}

// ErrnoFor maps a handler error to the value returned in a0.
func ErrnoFor(err error) Errno {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, kernel.ErrChildRunning):
		return ErrnoAgain
	default:
		return ErrnoFail
	}
}
