package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"dockcron/internal/app"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.json", "path to config json")
	flag.Parse()

	bootCtx, bootCancel := context.WithTimeout(context.Background(), 30*time.Second)
	a, err := app.NewApp(bootCtx, cfgPath)
	bootCancel()
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}

	if err := a.Start(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		os.Exit(1)
	}

	quit := make(chan struct{})
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	startWatchdog(quit)

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	reason := app.StopUnknown
	select {
	case sig := <-sigCh:
		if sig == syscall.SIGTERM {
			reason = app.StopSIGTERM
		} else {
			reason = app.StopSIGINT
		}
	case <-a.Done():
		// Supervisor canceled itself: a fatal error, not an operator stop.
		reason = app.StopFatalError
	}
	close(quit)
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = a.Stop(stopCtx, reason)
	stopCancel()
	if err != nil {
		fmt.Fprintln(os.Stderr, "stop:", err)
	}
	if reason == app.StopFatalError {
		if aerr := a.Err(); aerr != nil {
			fmt.Fprintln(os.Stderr, "fatal:", aerr)
		}
		os.Exit(1)
	}
}

// startWatchdog pings systemd's watchdog at half the configured interval.
// A no-op outside a Type=notify unit with WatchdogSec set.
func startWatchdog(quit <-chan struct{}) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	go func() {
		t := time.NewTicker(interval / 2)
		defer t.Stop()
		for {
			select {
			case <-quit:
				return
			case <-t.C:
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			}
		}
	}()
}
