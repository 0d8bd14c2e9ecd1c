//go:build !tinygo

package hal

import "time"

// TickDuration is the length of one hal tick.
const TickDuration = time.Millisecond

type hostTime struct {
	ch  chan uint64
	seq uint64

	last time.Time
	acc  time.Duration
}

func newHostTime() *hostTime {
	return &hostTime{ch: make(chan uint64, 1024)}
}

func (t *hostTime) Ticks() <-chan uint64 { return t.ch }

// sync emits one tick per TickDuration of wall time since the previous call.
// The first call emits a single tick.
func (t *hostTime) sync(now time.Time) {
	if t.last.IsZero() {
		t.last = now
		t.acc = 0
		t.advance(1)
		return
	}

	t.acc += now.Sub(t.last)
	t.last = now

	ticks := uint64(t.acc / TickDuration)
	if ticks == 0 {
		return
	}
	t.acc %= TickDuration
	t.advance(ticks)
}

// advance emits n ticks regardless of wall time. Ticks that do not fit in
// the channel are dropped.
func (t *hostTime) advance(n uint64) {
	for i := uint64(0); i < n; i++ {
		t.seq++
		select {
		case t.ch <- t.seq:
		default:
		}
	}
}
