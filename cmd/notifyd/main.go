package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"notifyd/internal/app"
	"notifyd/pkg/logx"
	"notifyd/pkg/systemd"
)

var version = "dev"

func main() {
	var (
		cfgPath     string
		once        bool
		migrateOnly bool
		showVersion bool
	)
	flag.StringVar(&cfgPath, "config", "./config.json", "path to config json or yaml")
	flag.BoolVar(&once, "once", false, "run a single delivery cycle, print its report and exit")
	flag.BoolVar(&migrateOnly, "migrate", false, "apply the storage schema and exit")
	flag.BoolVar(&showVersion, "version", false, "print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(ctx, cfgPath, version)
	if err != nil {
		logx.NewConsole("info").Error("startup failed", logx.String("config", cfgPath), logx.Err(err))
		os.Exit(1)
	}

	if migrateOnly || once {
		os.Exit(oneShot(ctx, a, once))
	}

	log := a.Logger()
	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		_ = a.Stop(context.Background(), "start failed")
		os.Exit(1)
	}
	systemd.Ready(log)
	systemd.Status(log, "delivering")

	wdCtx, wdCancel := context.WithCancel(ctx)
	go func() { _ = systemd.Watchdog(wdCtx, a.Healthy, log) }()

	reason := "signal"
	select {
	case <-ctx.Done():
	case <-a.Done():
		reason = "fatal error"
	}
	wdCancel()
	systemd.Stopping(log)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 40*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)
	if err := a.Err(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func oneShot(ctx context.Context, a *app.App, runCycle bool) int {
	defer func() {
		c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Close(c)
	}()

	if err := a.Migrate(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		return 1
	}
	if !runCycle {
		return 0
	}
	rep, err := a.RunOnce(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "cycle:", err)
		return 1
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(rep)
	return 0
}
