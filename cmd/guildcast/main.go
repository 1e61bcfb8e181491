package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"guildcast/internal/app"
	logx "guildcast/pkg/logx"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./guildcast.yaml", "path to config (yaml or json)")
	flag.Parse()

	// Used until the configured logging service exists, and after it closes.
	boot := logx.NewConsole("info")

	a, err := app.New(cfgPath)
	if err != nil {
		boot.Error("fatal", logx.String("config", cfgPath), logx.Err(err))
		os.Exit(1)
	}

	if err := a.Start(context.Background()); err != nil {
		boot.Error("fatal start", logx.Err(err))
		stop(a, app.StopFatalError)
		os.Exit(1)
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigs)

	reason := app.StopUnknown
loop:
	for {
		select {
		case sig := <-sigs:
			switch sig {
			case syscall.SIGHUP:
				a.Reload(context.Background())
				continue
			case syscall.SIGTERM:
				reason = app.StopSIGTERM
			default:
				reason = app.StopSIGINT
			}
			break loop
		case <-a.Done():
			reason = app.StopFatalError
			break loop
		}
	}

	stop(a, reason)
	if reason == app.StopFatalError {
		if err := a.Err(); err != nil {
			boot.Error("fatal", logx.String("reason", string(reason)), logx.Err(err))
		}
		os.Exit(1)
	}
}

func stop(a *app.App, reason app.StopReason) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = a.Stop(ctx, reason)
}
