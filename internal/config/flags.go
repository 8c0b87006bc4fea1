package config

import (
	"flag"
	"fmt"
	"os"
)

// ParseFlags parses command-line flags and returns a Config.
// Positional arguments override -worker and -script:
//
//	pipelaunch [flags] <worker> <script>
func ParseFlags() (*Config, error) {
	cfg := DefaultConfig()

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `pipelaunch - single-worker process supervisor with duplex IPC channels

Usage:
  pipelaunch [flags] <worker> <script>

Launches <worker> <script> with --output-pipe and --shutdown-pipe channel
names appended, relays the worker's output to this console, emits a
periodic heartbeat, and forwards a shutdown request when this process is
asked to terminate. pipelaunch exits with the worker's exit code.

Worker Flags:
`)
		printFlagCategory([]string{"worker", "script"})

		fmt.Fprintf(os.Stderr, "\nChannels:\n")
		printFlagCategory([]string{"channel-dir", "connect-timeout", "read-buffer"})

		fmt.Fprintf(os.Stderr, "\nRun Loop:\n")
		printFlagCategory([]string{"heartbeat-interval", "poll-interval"})

		fmt.Fprintf(os.Stderr, "\nObservability:\n")
		printFlagCategory([]string{"metrics", "v", "log-format"})

		fmt.Fprintf(os.Stderr, "\nDiagnostics:\n")
		printFlagCategory([]string{"print-cmd", "skip-preflight"})

		fmt.Fprintf(os.Stderr, `
Examples:
  # Launch a python script under supervision
  pipelaunch python3 ./launcher.py

  # Bounded startup: fail if the worker never connects
  pipelaunch -connect-timeout 30s python3 ./launcher.py

  # Expose Prometheus metrics while supervising
  pipelaunch -metrics 127.0.0.1:17092 python3 ./launcher.py

`)
	}

	// Worker
	flag.StringVar(&cfg.WorkerPath, "worker", cfg.WorkerPath, "Path to the worker executable")
	flag.StringVar(&cfg.ScriptPath, "script", cfg.ScriptPath, "Script/argument path passed to the worker")

	// Channels
	flag.StringVar(&cfg.ChannelDir, "channel-dir", cfg.ChannelDir, "Directory for channel sockets")
	flag.DurationVar(&cfg.ConnectTimeout, "connect-timeout", cfg.ConnectTimeout,
		"Max wait for the worker to connect to the control channel (0 = wait forever)")
	flag.IntVar(&cfg.ReadBufferSize, "read-buffer", cfg.ReadBufferSize, "Output relay read buffer size in bytes")

	// Run loop
	flag.DurationVar(&cfg.HeartbeatInterval, "heartbeat-interval", cfg.HeartbeatInterval,
		"Interval between heartbeat tokens on the control channel")
	flag.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval,
		"Run loop sleep when the worker is idle (bounds exit-detection latency)")

	// Observability
	flag.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "Prometheus metrics address (empty = disabled)")
	flag.BoolVar(&cfg.Verbose, "v", cfg.Verbose, "Verbose logging")
	flag.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, `Log format: "json" or "text"`)

	// Diagnostics
	flag.BoolVar(&cfg.PrintCmd, "print-cmd", cfg.PrintCmd, "Print the worker command line and exit")
	flag.BoolVar(&cfg.SkipPreflight, "skip-preflight", cfg.SkipPreflight, "Skip preflight checks")

	flag.Parse()

	// Positional arguments: worker executable, then script path.
	args := flag.Args()
	if len(args) >= 1 {
		cfg.WorkerPath = args[0]
	}
	if len(args) >= 2 {
		cfg.ScriptPath = args[1]
	}

	return cfg, nil
}

// printFlagCategory prints flags matching the given names (helper for usage).
func printFlagCategory(names []string) {
	flag.VisitAll(func(f *flag.Flag) {
		for _, name := range names {
			if f.Name == name {
				fmt.Fprintf(os.Stderr, "  -%s\n    \t%s", f.Name, f.Usage)
				if f.DefValue != "" && f.DefValue != "false" && f.DefValue != "0" && f.DefValue != "0s" {
					fmt.Fprintf(os.Stderr, " (default %s)", f.DefValue)
				}
				fmt.Fprintln(os.Stderr)
				return
			}
		}
	})
}
