//go:build !tinygo

package hal

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// HeadlessConfig controls the no-window host runner.
type HeadlessConfig struct {
	Enabled bool
	// Hz is the rate of the step loop; 0 runs unthrottled.
	Hz int
	// Ticks stops the runner after N steps (0 = run until stopped).
	Ticks uint64
	// TicksPerStep is the number of 1 ms hal ticks emitted before each step.
	TicksPerStep int
	Host         HostOptions
}

// RunHeadless runs the OS without opening a window. Time is virtual: every
// step is preceded by exactly TicksPerStep hal ticks, so runs are
// reproducible. It returns nil when the step function returns ErrStop.
func RunHeadless(ctx context.Context, newApp func(HAL) func() error, cfg HeadlessConfig) error {
	if cfg.Hz < 0 {
		return fmt.Errorf("invalid headless hz: %d", cfg.Hz)
	}
	if cfg.TicksPerStep <= 0 {
		cfg.TicksPerStep = 1
	}

	h := newHost(cfg.Host)
	step := newApp(h)

	var throttle <-chan time.Time
	if cfg.Hz > 0 {
		t := time.NewTicker(time.Second / time.Duration(cfg.Hz))
		defer t.Stop()
		throttle = t.C
	}

	var tick uint64
	for {
		if throttle != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-throttle:
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}

		h.t.advance(uint64(cfg.TicksPerStep))
		if step != nil {
			if err := step(); err != nil {
				if errors.Is(err, ErrStop) {
					return nil
				}
				return err
			}
		}
		tick++
		if cfg.Ticks > 0 && tick >= cfg.Ticks {
			return nil
		}
	}
}
