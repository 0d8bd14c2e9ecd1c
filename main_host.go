//go:build !tinygo

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"stride/app"
	"stride/hal"
	"stride/strideos/kernel/klog"
)

func main() {
	var hcfg hal.HeadlessConfig
	cfg := app.DefaultConfig()
	var logLevel string
	flag.BoolVar(&hcfg.Enabled, "headless", false, "Run without a window.")
	flag.IntVar(&hcfg.Hz, "hz", 0, "Step rate in headless mode (0 = as fast as possible).")
	flag.Uint64Var(&hcfg.Ticks, "ticks", 0, "Stop after N ticks in headless mode (0 = until every task exits).")
	flag.StringVar(&logLevel, "log", "info", "Kernel log level: off, error, warn, info, debug, trace.")
	flag.IntVar(&cfg.Machine.TimeSliceTicks, "slice", cfg.Machine.TimeSliceTicks, "Time slice in ticks.")
	flag.IntVar(&cfg.Machine.Frames, "frames", cfg.Machine.Frames, "Physical memory in 4 KiB frames.")
	flag.StringVar(&cfg.Machine.Init, "init", cfg.Machine.Init, "App started as the first task.")
	flag.BoolVar(&cfg.Machine.Sys.SelfOnly, "self-only", cfg.Machine.Sys.SelfOnly, "task_info always reports the caller.")
	flag.BoolVar(&cfg.Machine.Kernel.RetainExited, "retain-exited", cfg.Machine.Kernel.RetainExited, "Keep exited tasks until their parent reaps them.")
	flag.Uint64Var(&cfg.Machine.Apps.StrideRunMillis, "stride-ms", cfg.Machine.Apps.StrideRunMillis, "How long each prioN workload runs.")
	flag.BoolVar(&cfg.Monitor, "monitor", cfg.Monitor, "Draw the task monitor.")
	flag.Parse()

	lvl, err := klog.ParseLevel(logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	cfg.LogLevel = lvl

	newApp := func(h hal.HAL) func() error {
		return app.NewWithConfig(h, cfg)
	}

	if hcfg.Enabled {
		cfg.ExitWhenDone = true
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		if err := hal.RunHeadless(ctx, newApp, hcfg); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	cfg.HoldOnPanic = true
	if err := hal.RunWindow(newApp, hal.HostOptions{}); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
