// Copyright 2024 Matt Schultz <schultz@sent.com>. All rights reserved.
// Use of this source code is governed by an ISC license that can be found in the LICENSE file.

// Command mcrcon administers game servers over RCON and polls their status.
//
// Usage:
//
//	mcrcon [-config path] [-v] <command> [arguments]
//
// Commands:
//
//	list                       show stored servers
//	add -host H [flags]        store a new server
//	remove <id>                delete a stored server
//	status [id ...]            ping servers and show their status
//	exec <id> <command ...>    run one command and print the response
//	console <id>               interactive console
//	watch                      poll servers and serve Prometheus metrics
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/schultz-is/mcrcon"
	"github.com/schultz-is/mcrcon/internal/config"
	"github.com/schultz-is/mcrcon/internal/logging"
	"github.com/schultz-is/mcrcon/serverlist"
	"github.com/schultz-is/mcrcon/slp"
)

var errUsage = errors.New("usage")

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("mcrcon", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", config.DefaultPath(), "path to the config file")
	verbose := fs.Bool("v", false, "enable debug logging")
	fs.Usage = func() { printUsage(stderr) }

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() == 0 {
		printUsage(stderr)
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	opts := logging.Options{Level: cfg.Logging.Level, Console: cfg.Logging.Console, Out: stderr}
	if *verbose {
		opts.Level = zerolog.LevelDebugValue
	}
	logger := logging.New(opts)

	a, err := newApp(cfg, logger, stdout)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer a.registry.CloseAll()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.dispatch(ctx, fs.Arg(0), fs.Args()[1:]); err != nil {
		if errors.Is(err, errUsage) {
			printUsage(stderr)
			return 2
		}
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// app wires the server list, the session registry and the pinger for one invocation.
type app struct {
	cfg      config.Config
	logger   zerolog.Logger
	out      io.Writer
	store    *serverlist.Store
	registry *rcon.Registry
	pinger   *slp.Pinger
	metrics  *rcon.Metrics
	gatherer prometheus.Gatherer
}

func newApp(cfg config.Config, logger zerolog.Logger, out io.Writer) (*app, error) {
	path, err := cfg.ServersFile()
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	metrics := rcon.NewMetrics(reg)

	return &app{
		cfg:      cfg,
		logger:   logging.Component(logger, "cli"),
		out:      out,
		store:    serverlist.Open(path, &logger),
		registry: rcon.NewRegistry(cfg.SessionConfig(&logger, metrics)),
		pinger:   slp.NewPinger(cfg.PingerConfig(&logger, metrics)),
		metrics:  metrics,
		gatherer: reg,
	}, nil
}

func (a *app) dispatch(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "list", "ls":
		return a.cmdList()
	case "add":
		return a.cmdAdd(args)
	case "remove", "rm":
		return a.cmdRemove(args)
	case "status":
		return a.cmdStatus(ctx, args)
	case "exec":
		return a.cmdExec(ctx, args)
	case "console":
		return a.cmdConsole(ctx, args)
	case "watch":
		return a.cmdWatch(ctx)
	case "help":
		return errUsage
	}
	return fmt.Errorf("unknown command %q, run 'mcrcon help' for usage", cmd)
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `Usage: mcrcon [-config path] [-v] <command> [arguments]

Commands:
  list                       show stored servers
  add -host H [flags]        store a new server (-name, -rcon-port, -status-port, -password)
  remove <id>                delete a stored server
  status [id ...]            ping servers and show their status
  exec <id> <command ...>    run one command and print the response
  console <id>               interactive console
  watch                      poll servers and serve Prometheus metrics
`)
}
