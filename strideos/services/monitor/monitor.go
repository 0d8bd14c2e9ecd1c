// Package monitor draws a live task table on the framebuffer and lets the
// keyboard change priorities or kill tasks.
package monitor

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"stride/hal"
	"stride/strideos/kernel/klog"
	"stride/strideos/kernel/task"

	"tinygo.org/x/tinyfont"
	"tinygo.org/x/tinyfont/proggy"
	"tinygo.org/x/tinyterm"
)

// Font and metrics shared by every text screen.
var Font = &proggy.TinySZ8pt7b

const (
	FontHeight int16 = 10
	FontOffset int16 = 6
)

// Machine is what the monitor observes and controls.
type Machine interface {
	Snapshot() []task.Info
	SetPriority(id task.ID, prio int64) error
	Kill(id task.ID) error
	Now() uint64
}

// Config tunes the monitor.
type Config struct {
	// RefreshTicks redraws the table every N updates.
	RefreshTicks uint64
	// ConsoleLines is how many lines of task output are kept on screen.
	ConsoleLines int
}

// DefaultConfig redraws ten times a second at one update per millisecond.
func DefaultConfig() Config {
	return Config{RefreshTicks: 100, ConsoleLines: 8}
}

// Monitor is the "top" screen of the kernel.
type Monitor struct {
	cfg  Config
	m    Machine
	log  *klog.Logger
	fb   hal.Framebuffer
	keys <-chan hal.KeyEvent

	term    *tinyterm.Terminal
	termCfg tinyterm.Config
	cols    int
	rows    int

	console *consoleTail

	selected task.ID
	hasSel   bool
	updates  uint64
	dirty    bool
}

// New returns a monitor drawing on fb. fb and kbd may be nil.
func New(cfg Config, m Machine, fb hal.Framebuffer, kbd hal.Keyboard, log *klog.Logger) *Monitor {
	if cfg.RefreshTicks == 0 {
		cfg.RefreshTicks = 1
	}
	mon := &Monitor{
		cfg:     cfg,
		m:       m,
		log:     log,
		fb:      fb,
		console: newConsoleTail(cfg.ConsoleLines),
		dirty:   true,
	}
	if kbd != nil {
		mon.keys = kbd.Events()
	}
	if fb != nil {
		mon.term = tinyterm.NewTerminal(newFBDisplay(fb))
		mon.termCfg = tinyterm.Config{
			Font:              Font,
			FontHeight:        FontHeight,
			FontOffset:        FontOffset,
			UseSoftwareScroll: true,
		}
		_, charWidth := tinyfont.LineWidth(Font, "0")
		if charWidth > 0 {
			mon.cols = fb.Width() / int(charWidth)
		}
		mon.rows = fb.Height() / int(FontHeight)
	}
	return mon
}

// Console returns a writer whose last lines are shown under the table.
func (mon *Monitor) Console() io.Writer { return mon.console }

// Selected returns the highlighted task.
func (mon *Monitor) Selected() (task.ID, bool) { return mon.selected, mon.hasSel }

// Update handles pending key events and redraws when due.
func (mon *Monitor) Update() {
	for done := false; !done && mon.keys != nil; {
		select {
		case ev := <-mon.keys:
			mon.HandleKey(ev)
		default:
			done = true
		}
	}
	mon.updates++
	if mon.dirty || mon.updates%mon.cfg.RefreshTicks == 0 {
		mon.Render()
	}
}

// HandleKey applies one key press.
func (mon *Monitor) HandleKey(ev hal.KeyEvent) {
	if !ev.Press {
		return
	}
	switch {
	case ev.Code == hal.KeyUp:
		mon.move(-1)
	case ev.Code == hal.KeyDown:
		mon.move(1)
	case ev.Rune == '+' || ev.Rune == '=':
		mon.adjustPriority(1)
	case ev.Rune == '-':
		mon.adjustPriority(-1)
	case ev.Rune == 'k':
		if !mon.hasSel {
			return
		}
		if err := mon.m.Kill(mon.selected); err != nil {
			mon.log.Warnf("monitor: kill pid %d: %v", mon.selected, err)
			return
		}
		mon.log.Infof("monitor: killed pid %d", mon.selected)
	default:
		return
	}
	mon.dirty = true
}

func (mon *Monitor) move(delta int) {
	infos := mon.m.Snapshot()
	if len(infos) == 0 {
		mon.hasSel = false
		return
	}
	idx := -1
	for i, in := range infos {
		if mon.hasSel && in.ID == mon.selected {
			idx = i
			break
		}
	}
	switch {
	case idx < 0:
		idx = 0
	default:
		idx = clampInt(idx+delta, 0, len(infos)-1)
	}
	mon.selected = infos[idx].ID
	mon.hasSel = true
}

func (mon *Monitor) adjustPriority(delta int64) {
	if !mon.hasSel {
		return
	}
	for _, in := range mon.m.Snapshot() {
		if in.ID != mon.selected {
			continue
		}
		if err := mon.m.SetPriority(in.ID, in.Priority+delta); err != nil {
			mon.log.Warnf("monitor: set priority of pid %d: %v", in.ID, err)
		}
		return
	}
}

// Render redraws the whole screen.
func (mon *Monitor) Render() {
	mon.dirty = false
	if mon.term == nil {
		return
	}
	lines := FormatTable(mon.m.Snapshot(), mon.selected, mon.hasSel, mon.m.Now())
	lines = append(lines, "", "console:")
	lines = append(lines, mon.console.Lines()...)
	if mon.rows > 0 && len(lines) > mon.rows {
		lines = lines[:mon.rows]
	}

	mon.fb.ClearRGB(0, 0, 0)
	mon.term.Configure(&mon.termCfg)
	for i, l := range lines {
		if mon.cols > 0 && len(l) > mon.cols {
			l = l[:mon.cols]
		}
		if i < len(lines)-1 {
			l += "\r\n"
		}
		_, _ = mon.term.Write([]byte(l))
	}
	mon.term.Display()
}

const rowFormat = "%c%3s %-7s %4s %10s %5s %6s"

// FormatTable renders the header and one row per task.
func FormatTable(infos []task.Info, selected task.ID, hasSel bool, now uint64) []string {
	live := 0
	for _, in := range infos {
		if in.Status != task.StatusExited {
			live++
		}
	}
	lines := []string{
		fmt.Sprintf("stride  t=%dms  tasks=%d live=%d", now, len(infos), live),
		fmt.Sprintf(rowFormat, ' ', "PID", "STATE", "PRIO", "STRIDE", "SYSC", "MS"),
	}
	for _, in := range infos {
		lines = append(lines, FormatRow(in, hasSel && in.ID == selected))
	}
	return lines
}

// FormatRow renders one task.
func FormatRow(in task.Info, selected bool) string {
	mark := ' '
	if selected {
		mark = '>'
	}
	return fmt.Sprintf(rowFormat, mark,
		in.ID.String(),
		in.Status.String(),
		fmt.Sprint(in.Priority),
		fmt.Sprint(in.Stride),
		fmt.Sprint(in.Syscalls()),
		fmt.Sprint(in.Time),
	)
}

// consoleTail keeps the last n complete lines written to it plus the line
// being written.
type consoleTail struct {
	mu      sync.Mutex
	n       int
	lines   []string
	partial strings.Builder
}

func newConsoleTail(n int) *consoleTail {
	if n <= 0 {
		n = 1
	}
	return &consoleTail{n: n}
}

func (c *consoleTail) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, b := range p {
		if b == '\n' {
			c.push(c.partial.String())
			c.partial.Reset()
			continue
		}
		c.partial.WriteByte(b)
	}
	return len(p), nil
}

func (c *consoleTail) push(line string) {
	c.lines = append(c.lines, line)
	if len(c.lines) > c.n {
		c.lines = c.lines[len(c.lines)-c.n:]
	}
}

// Lines returns the retained lines, oldest first.
func (c *consoleTail) Lines() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := append([]string(nil), c.lines...)
	if c.partial.Len() > 0 {
		out = append(out, c.partial.String())
		if len(out) > c.n {
			out = out[len(out)-c.n:]
		}
	}
	return out
}
