package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"briefbot/internal/app"
)

func main() {
	var (
		cfgPath string
		mode    string
	)
	flag.StringVar(&cfgPath, "config", "./config.json", "path to config file (json or yaml)")
	flag.StringVar(&mode, "mode", "once", "run mode: once or schedule")
	flag.Parse()

	if mode != "once" && mode != "schedule" {
		fmt.Fprintf(os.Stderr, "fatal: unknown mode %q (want once or schedule)\n", mode)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}

	var code int
	if mode == "once" {
		code = a.RunOnce(ctx)
	} else {
		code = a.RunScheduled(ctx)
	}
	os.Exit(code)
}
