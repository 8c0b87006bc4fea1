// Package main provides the pipelaunch CLI entry point.
//
// pipelaunch supervises a single worker process: it creates a pair of
// named IPC channels, launches the worker with the channel names on its
// command line, relays the worker's output to this console in real time,
// keeps a periodic heartbeat flowing toward the worker, forwards host
// termination notifications as a shutdown request, and exits with the
// worker's exit code.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pipelaunch/pipelaunch/internal/config"
	"github.com/pipelaunch/pipelaunch/internal/logging"
	"github.com/pipelaunch/pipelaunch/internal/metrics"
	"github.com/pipelaunch/pipelaunch/internal/preflight"
	"github.com/pipelaunch/pipelaunch/internal/process"
	"github.com/pipelaunch/pipelaunch/internal/stats"
	"github.com/pipelaunch/pipelaunch/internal/supervisor"
)

// version is set at build time via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0" ./cmd/pipelaunch
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// Handle version flag early (before flag parsing)
	if len(os.Args) > 1 {
		arg := os.Args[1]
		if arg == "-version" || arg == "--version" || arg == "version" {
			fmt.Printf("pipelaunch %s\n", version)
			return 0
		}
	}

	cfg, err := config.ParseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		return 1
	}

	logger := logging.NewLogger(cfg.LogFormat, "info", cfg.Verbose)
	logging.SetDefault(logger)

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		return 1
	}

	builder := process.NewWorkerBuilder(cfg.WorkerPath, cfg.ScriptPath)

	// Handle -print-cmd mode
	if cfg.PrintCmd {
		fmt.Println("# Worker command that would be run:")
		fmt.Println()
		fmt.Println(builder.CommandString())
		return 0
	}

	if !cfg.SkipPreflight {
		pf := preflight.RunAll(cfg.WorkerPath, cfg.ScriptPath, cfg.ChannelDir)
		for _, check := range pf.Checks {
			fmt.Fprintln(os.Stderr, check)
		}
		if !pf.Passed {
			fmt.Fprintln(os.Stderr, "Preflight checks failed (use -skip-preflight to override).")
			return 1
		}
	}

	logger.Info("starting",
		"version", version,
		"worker", cfg.WorkerPath,
		"script", cfg.ScriptPath,
		"heartbeat_interval", cfg.HeartbeatInterval.String(),
		"poll_interval", cfg.PollInterval.String(),
		"metrics_addr", cfg.MetricsAddr,
	)

	printBanner(cfg)

	// Relay statistics for the final summary.
	recorder := stats.NewRecorder()
	callbacks := supervisor.Callbacks{
		OnRelay: recorder.RecordChunk,
	}

	// Optional Prometheus metrics.
	if cfg.MetricsAddr != "" {
		collector := metrics.NewCollector(metrics.CollectorConfig{
			Version: version,
			Worker:  cfg.WorkerPath,
			Script:  cfg.ScriptPath,
		})
		callbacks = collector.Callbacks(callbacks)

		server := metrics.NewServer(cfg.MetricsAddr, logger)
		server.Start()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			server.Shutdown(ctx)
		}()
	}

	// Worker output goes to stdout; a tail of it is kept so a nonzero
	// exit can be reported with the output that preceded it.
	tail := logging.NewTail(logging.DefaultTailLines)
	sink := io.MultiWriter(os.Stdout, tail)

	sup := supervisor.New(supervisor.Config{
		Builder:           builder,
		Sink:              sink,
		Logger:            logger,
		Callbacks:         callbacks,
		ChannelDir:        cfg.ChannelDir,
		ConnectTimeout:    cfg.ConnectTimeout,
		HeartbeatInterval: cfg.HeartbeatInterval,
		PollInterval:      cfg.PollInterval,
		ReadBufferSize:    cfg.ReadBufferSize,
	})

	result, err := sup.Run(context.Background())
	if err != nil {
		logger.Error("supervision_failed", "error", err, "state", sup.State().String())
		return result.ExitCode
	}

	printSummary(result, recorder.Summarize())

	if result.ExitCode != 0 {
		printFailureTail(tail)
	}

	return result.ExitCode
}
