//go:build !tinygo

package hal

import (
	"fmt"
	"io"
	"os"
	"sync"
)

// HostOptions selects where the host HAL sends its byte streams.
type HostOptions struct {
	// Log receives kernel log lines; nil means stderr.
	Log io.Writer
	// Console receives task output; nil means stdout.
	Console io.Writer
	Width   int
	Height  int
}

type hostHAL struct {
	logger *hostLogger
	fb     *hostFramebuffer
	kbd    *hostKeyboard
	t      *hostTime
	serial Serial
}

// New returns a host HAL implementation with default options.
func New() HAL {
	return newHost(HostOptions{})
}

func newHost(opts HostOptions) *hostHAL {
	if opts.Log == nil {
		opts.Log = os.Stderr
	}
	if opts.Console == nil {
		opts.Console = os.Stdout
	}
	if opts.Width <= 0 || opts.Height <= 0 {
		opts.Width, opts.Height = 320, 320
	}
	return &hostHAL{
		logger: &hostLogger{w: opts.Log},
		fb:     newHostFramebuffer(opts.Width, opts.Height),
		kbd:    newHostKeyboard(),
		t:      newHostTime(),
		serial: &hostSerial{w: opts.Console},
	}
}

func (h *hostHAL) Logger() Logger   { return h.logger }
func (h *hostHAL) Display() Display { return hostDisplay{fb: h.fb} }
func (h *hostHAL) Input() Input     { return hostInput{kbd: h.kbd} }
func (h *hostHAL) Time() Time       { return h.t }
func (h *hostHAL) Serial() Serial   { return h.serial }

type hostDisplay struct {
	fb *hostFramebuffer
}

func (d hostDisplay) Framebuffer() Framebuffer { return d.fb }

type hostInput struct {
	kbd *hostKeyboard
}

func (in hostInput) Keyboard() Keyboard { return in.kbd }

type hostLogger struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *hostLogger) WriteLineString(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintln(l.w, s)
}

func (l *hostLogger) WriteLineBytes(b []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.w.Write(b)
	l.w.Write([]byte{'\n'})
}
