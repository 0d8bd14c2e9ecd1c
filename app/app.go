package app

import (
	"fmt"
	"io"
	"sync"

	"stride/hal"
	"stride/internal/buildinfo"
	"stride/strideos/kernel/klog"
	"stride/strideos/machine"
	"stride/strideos/services/monitor"
)

var _ monitor.Machine = (*machine.Machine)(nil)

type Config struct {
	Machine  machine.Config
	LogLevel klog.Level

	// Monitor draws the task table on the display.
	Monitor    bool
	MonitorCfg monitor.Config

	// ExitWhenDone stops the runner once every task has exited.
	ExitWhenDone bool
	// HoldOnPanic keeps the runner alive after a fatal kernel error so the
	// panic screen stays visible.
	HoldOnPanic bool
}

func DefaultConfig() Config {
	return Config{
		Machine:    machine.DefaultConfig(),
		LogLevel:   klog.LevelInfo,
		Monitor:    true,
		MonitorCfg: monitor.DefaultConfig(),
	}
}

type system struct {
	cfg   Config
	log   *klog.Logger
	m     *machine.Machine
	mon   *monitor.Monitor
	ticks <-chan uint64

	finished bool
	err      error
}

// New initializes and boots the OS with default config.
func New(h hal.HAL) func() error {
	return NewWithConfig(h, DefaultConfig())
}

// NewWithConfig boots the OS and returns the host step function.
func NewWithConfig(h hal.HAL, cfg Config) func() error {
	s, err := newSystem(h, cfg)
	if err != nil {
		if l := h.Logger(); l != nil {
			l.WriteLineString(fmt.Sprintf("stride: boot failed: %v", err))
		}
		return func() error { return err }
	}
	return s.step
}

func newSystem(h hal.HAL, cfg Config) (*system, error) {
	var sink klog.Sink
	if l := h.Logger(); l != nil {
		sink = l
	}
	log := klog.New(sink, cfg.LogLevel)
	log.Infof("%s", buildinfo.Banner())
	installPanicHandler(h)

	console := &teeConsole{}
	if sr := h.Serial(); sr != nil {
		console.add(sr)
	}

	m, err := machine.New(cfg.Machine, console, log)
	if err != nil {
		return nil, err
	}
	s := &system{cfg: cfg, log: log, m: m}

	if cfg.Monitor {
		var fb hal.Framebuffer
		if d := h.Display(); d != nil {
			fb = d.Framebuffer()
		}
		var kbd hal.Keyboard
		if in := h.Input(); in != nil {
			kbd = in.Keyboard()
		}
		s.mon = monitor.New(cfg.MonitorCfg, m, fb, kbd, log)
		console.add(s.mon.Console())
	}
	if ht := h.Time(); ht != nil {
		s.ticks = ht.Ticks()
	}

	if _, err := m.Boot(); err != nil {
		return nil, err
	}
	return s, nil
}

// step runs one machine tick per pending hal tick.
func (s *system) step() error {
	if s.err != nil {
		if s.cfg.HoldOnPanic {
			return nil
		}
		return s.err
	}

	for n := s.pendingTicks(); n > 0 && !s.m.Done(); n-- {
		if err := s.m.Step(); err != nil {
			s.err = err
			if s.cfg.HoldOnPanic {
				return nil
			}
			return err
		}
	}
	if s.mon != nil {
		s.mon.Update()
	}

	if s.m.Done() {
		if !s.finished {
			s.finished = true
			st := s.m.Stats()
			s.log.Infof("kernel: all tasks exited after %d ticks (idle %d, switches %d, preempts %d)",
				st.Ticks, st.IdleTicks, st.Switches, st.Preempts)
		}
		if s.cfg.ExitWhenDone {
			return hal.ErrStop
		}
	}
	return nil
}

func (s *system) pendingTicks() int {
	if s.ticks == nil {
		return 1
	}
	n := 0
	for {
		select {
		case <-s.ticks:
			n++
		default:
			return n
		}
	}
}

// teeConsole copies task output to every attached writer.
type teeConsole struct {
	mu sync.Mutex
	ws []io.Writer
}

func (c *teeConsole) add(w io.Writer) {
	c.mu.Lock()
	c.ws = append(c.ws, w)
	c.mu.Unlock()
}

func (c *teeConsole) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, w := range c.ws {
		if _, err := w.Write(p); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}
