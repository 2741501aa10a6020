package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"bonusvarsel/internal/app"
	"bonusvarsel/internal/pipeline"
)

func main() {
	var (
		cfgPath string
		noCache bool
		force   bool
	)
	flag.StringVar(&cfgPath, "config", "", "path to config json/yaml (optional; env vars apply on top)")
	flag.BoolVar(&noCache, "no-cache", false, "bypass the HTTP response cache")
	flag.BoolVar(&force, "force", false, "send a message even when nothing is new")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] [run|serve]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	mode := "run"
	if flag.NArg() > 0 {
		mode = flag.Arg(0)
	}
	if mode != "run" && mode != "serve" {
		flag.Usage()
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(ctx, app.Options{ConfigPath: cfgPath, NoCache: noCache, Force: force})
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}

	code := 0
	switch mode {
	case "serve":
		if err := a.Serve(ctx); err != nil {
			fmt.Fprintln(os.Stderr, "fatal:", err)
			code = 1
		}
	default:
		rep, err := a.RunOnce(ctx, "manual")
		if err != nil {
			fmt.Fprintln(os.Stderr, "fatal:", err)
			code = 1
			break
		}
		out, err := pipeline.SummaryJSON(rep)
		if err != nil {
			fmt.Fprintln(os.Stderr, "fatal:", err)
			code = 1
			break
		}
		fmt.Println(string(out))
	}

	_ = a.Close()
	os.Exit(code)
}
