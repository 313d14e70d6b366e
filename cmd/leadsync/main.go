package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"leadsync/internal/app"
)

var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config (yaml or json)")
	flag.Parse()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	a, err := app.New(cfgPath, version)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := func(reason app.StopReason) {
		sctx, scancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer scancel()
		_ = a.Stop(sctx, reason)
	}

	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		stop(app.StopFatalError)
		return 1
	}

	select {
	case sig := <-sigs:
		reason := app.StopSIGTERM
		if sig == os.Interrupt {
			reason = app.StopSIGINT
		}
		stop(reason)
		return 0
	case <-a.Done():
		err := a.Err()
		stop(app.StopFatalError)
		if err != nil {
			fmt.Fprintln(os.Stderr, "fatal:", err)
		}
		return 1
	}
}
