package monitor

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"

	"stride/hal"
	"stride/strideos/kernel/task"
)

type fakeMachine struct {
	infos  []task.Info
	now    uint64
	prios  []string
	killed []task.ID
	err    error
}

func (m *fakeMachine) Snapshot() []task.Info { return append([]task.Info(nil), m.infos...) }
func (m *fakeMachine) Now() uint64           { return m.now }

func (m *fakeMachine) SetPriority(id task.ID, prio int64) error {
	m.prios = append(m.prios, fmt.Sprintf("%d=%d", id, prio))
	return m.err
}

func (m *fakeMachine) Kill(id task.ID) error {
	if m.err != nil {
		return m.err
	}
	m.killed = append(m.killed, id)
	return nil
}

type fakeFB struct {
	w, h     int
	buf      []byte
	presents int
}

func newFakeFB(w, h int) *fakeFB { return &fakeFB{w: w, h: h, buf: make([]byte, w*h*2)} }

func (f *fakeFB) Width() int               { return f.w }
func (f *fakeFB) Height() int              { return f.h }
func (f *fakeFB) Format() hal.PixelFormat  { return hal.PixelFormatRGB565 }
func (f *fakeFB) StrideBytes() int         { return f.w * 2 }
func (f *fakeFB) Buffer() []byte           { return f.buf }
func (f *fakeFB) Present() error           { f.presents++; return nil }
func (f *fakeFB) ClearRGB(r, g, b uint8) {
	px := hal.RGB565(r, g, b)
	for i := 0; i+1 < len(f.buf); i += 2 {
		f.buf[i] = byte(px)
		f.buf[i+1] = byte(px >> 8)
	}
}

type fakeKeyboard struct{ ch chan hal.KeyEvent }

func (k fakeKeyboard) Events() <-chan hal.KeyEvent { return k.ch }

func threeTasks() *fakeMachine {
	return &fakeMachine{infos: []task.Info{
		{ID: 0, Status: task.StatusBlocked, Priority: 16},
		{ID: 1, Status: task.StatusRunning, Priority: 8},
		{ID: 2, Status: task.StatusExited, Priority: 2},
	}}
}

func press(r rune) hal.KeyEvent         { return hal.KeyEvent{Press: true, Rune: r} }
func pressKey(c hal.KeyCode) hal.KeyEvent { return hal.KeyEvent{Press: true, Code: c} }

func TestFormatRow(t *testing.T) {
	in := task.Info{ID: 3, Status: task.StatusRunning, Priority: 16, Stride: 12345, Time: 40}
	in.SyscallCounts[64] = 2
	in.SyscallCounts[124] = 1

	got := strings.Fields(FormatRow(in, true))
	want := []string{">", "3", "running", "16", "12345", "3", "40"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("FormatRow() fields = %q, want %q", got, want)
	}
	if row := FormatRow(in, false); row[0] != ' ' {
		t.Fatalf("FormatRow(unselected) = %q, want leading space", row)
	}
}

func TestFormatTableHeader(t *testing.T) {
	m := threeTasks()
	lines := FormatTable(m.infos, 1, true, 1500)
	if len(lines) != 5 {
		t.Fatalf("FormatTable() = %d lines, want 5", len(lines))
	}
	if want := "stride  t=1500ms  tasks=3 live=2"; lines[0] != want {
		t.Fatalf("summary = %q, want %q", lines[0], want)
	}
	if !strings.HasPrefix(lines[3], ">") || strings.HasPrefix(lines[2], ">") {
		t.Fatalf("selection marker misplaced: %q", lines[2:])
	}
	if len(lines[1]) != len(lines[2]) {
		t.Fatalf("header width %d != row width %d", len(lines[1]), len(lines[2]))
	}
}

func TestHandleKeySelection(t *testing.T) {
	m := threeTasks()
	mon := New(DefaultConfig(), m, nil, nil, nil)

	if _, ok := mon.Selected(); ok {
		t.Fatal("Selected() ok before any key")
	}
	steps := []struct {
		ev   hal.KeyEvent
		want task.ID
	}{
		{pressKey(hal.KeyDown), 0},
		{pressKey(hal.KeyDown), 1},
		{pressKey(hal.KeyDown), 2},
		{pressKey(hal.KeyDown), 2},
		{pressKey(hal.KeyUp), 1},
		{hal.KeyEvent{Code: hal.KeyUp}, 1},
	}
	for i, s := range steps {
		mon.HandleKey(s.ev)
		if got, _ := mon.Selected(); got != s.want {
			t.Fatalf("step %d: Selected() = %d, want %d", i, got, s.want)
		}
	}
}

func TestHandleKeyControls(t *testing.T) {
	m := threeTasks()
	mon := New(DefaultConfig(), m, nil, nil, nil)

	mon.HandleKey(press('k'))
	mon.HandleKey(press('+'))
	if len(m.killed) != 0 || len(m.prios) != 0 {
		t.Fatalf("controls acted without a selection: killed %v prios %v", m.killed, m.prios)
	}

	mon.HandleKey(pressKey(hal.KeyDown))
	mon.HandleKey(pressKey(hal.KeyDown))
	mon.HandleKey(press('+'))
	mon.HandleKey(press('='))
	mon.HandleKey(press('-'))
	mon.HandleKey(press('k'))
	mon.HandleKey(press('x'))

	if want := []string{"1=9", "1=9", "1=7"}; !reflect.DeepEqual(m.prios, want) {
		t.Fatalf("SetPriority calls = %q, want %q", m.prios, want)
	}
	if !reflect.DeepEqual(m.killed, []task.ID{1}) {
		t.Fatalf("Kill calls = %v, want [1]", m.killed)
	}

	m.err = errors.New("nope")
	mon.HandleKey(press('k'))
	if len(m.killed) != 1 {
		t.Fatalf("failed kill recorded: %v", m.killed)
	}
}

func TestConsoleTail(t *testing.T) {
	c := newConsoleTail(2)
	_, _ = c.Write([]byte("one\ntw"))
	_, _ = c.Write([]byte("o\nthree\nfo"))

	if got, want := c.Lines(), []string{"three", "fo"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("Lines() = %q, want %q", got, want)
	}
	_, _ = c.Write([]byte("ur\n"))
	if got, want := c.Lines(), []string{"three", "four"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("Lines() = %q, want %q", got, want)
	}
}

func TestUpdateRendersOnKeysAndRefresh(t *testing.T) {
	m := threeTasks()
	fb := newFakeFB(320, 320)
	kbd := fakeKeyboard{ch: make(chan hal.KeyEvent, 4)}
	mon := New(Config{RefreshTicks: 4, ConsoleLines: 2}, m, fb, kbd, nil)
	_, _ = mon.Console().Write([]byte("hello\n"))

	mon.Update()
	if fb.presents != 1 {
		t.Fatalf("first Update presented %d frames, want 1", fb.presents)
	}
	mon.Update()
	mon.Update()
	if fb.presents != 1 {
		t.Fatalf("idle Updates presented %d frames, want 1", fb.presents)
	}

	kbd.ch <- pressKey(hal.KeyDown)
	mon.Update()
	if fb.presents != 2 {
		t.Fatalf("key Update presented %d frames, want 2", fb.presents)
	}
	if id, ok := mon.Selected(); !ok || id != 0 {
		t.Fatalf("Selected() = %d, %v, want 0, true", id, ok)
	}

	mon.Update()
	mon.Update()
	mon.Update()
	mon.Update()
	if fb.presents != 3 {
		t.Fatalf("after refresh period presented %d frames, want 3", fb.presents)
	}
}
