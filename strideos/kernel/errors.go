package kernel

import (
	"errors"

	"stride/strideos/kernel/stride"
)

var (
	ErrUnknownTaskID     = errors.New("unknown task id")
	ErrInvalidPriority   = stride.ErrInvalidPriority
	ErrNoRunningTask     = errors.New("no running task")
	ErrIdle              = errors.New("no ready task")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrTooManyTasks      = errors.New("task table full")
	ErrAlreadyRegistered = errors.New("task already registered")
	ErrNoChild           = errors.New("no such child")
	ErrChildRunning      = errors.New("child still running")
	ErrInvariant         = errors.New("kernel invariant violated")
)
