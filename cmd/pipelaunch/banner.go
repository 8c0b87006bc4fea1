package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/pipelaunch/pipelaunch/internal/config"
	"github.com/pipelaunch/pipelaunch/internal/logging"
	"github.com/pipelaunch/pipelaunch/internal/stats"
	"github.com/pipelaunch/pipelaunch/internal/supervisor"
)

var (
	styleTitle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#06B6D4")) // Cyan

	styleLabel = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#9CA3AF")) // Medium gray

	styleOK = lipgloss.NewStyle().
		Foreground(lipgloss.Color("#10B981")) // Green

	styleFail = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#EF4444")) // Red

	styleRule = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#374151")) // Border gray
)

// Banner and summary go to stderr: stdout belongs to the worker's
// relayed output.

func printBanner(cfg *config.Config) {
	rule := styleRule.Render(strings.Repeat("─", 60))
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, styleTitle.Render("pipelaunch"), styleLabel.Render("— worker process supervisor"))
	fmt.Fprintln(os.Stderr, rule)
	fmt.Fprintf(os.Stderr, "  %s %s\n", styleLabel.Render("Worker: "), cfg.WorkerPath)
	fmt.Fprintf(os.Stderr, "  %s %s\n", styleLabel.Render("Script: "), cfg.ScriptPath)
	fmt.Fprintf(os.Stderr, "  %s %s heartbeat, %s poll\n",
		styleLabel.Render("Cadence:"), cfg.HeartbeatInterval, cfg.PollInterval)
	if cfg.MetricsAddr != "" {
		fmt.Fprintf(os.Stderr, "  %s http://%s/metrics\n", styleLabel.Render("Metrics:"), cfg.MetricsAddr)
	}
	fmt.Fprintln(os.Stderr, rule)
	fmt.Fprintln(os.Stderr)
}

func printSummary(result *supervisor.Result, s stats.Summary) {
	rule := styleRule.Render(strings.Repeat("─", 60))
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, rule)

	if result.ExitCode == 0 {
		fmt.Fprintln(os.Stderr, styleOK.Render("Worker completed successfully."))
	} else {
		fmt.Fprintln(os.Stderr, styleFail.Render(fmt.Sprintf("Worker exited with code %d.", result.ExitCode)))
	}

	fmt.Fprintf(os.Stderr, "  %s %s\n", styleLabel.Render("Uptime:    "), result.Uptime.Round(10*time.Millisecond))
	fmt.Fprintf(os.Stderr, "  %s %d bytes in %d chunks (%.0f B/s)\n",
		styleLabel.Render("Relayed:   "), s.Bytes, s.Chunks, s.ThroughputBps)
	if s.Chunks > 0 {
		fmt.Fprintf(os.Stderr, "  %s p50=%.0f p95=%.0f p99=%.0f bytes\n",
			styleLabel.Render("Chunk size:"), s.ChunkSizeP50, s.ChunkSizeP95, s.ChunkSizeP99)
	}
	fmt.Fprintf(os.Stderr, "  %s %d sent, %d failed\n",
		styleLabel.Render("Heartbeats:"), result.HeartbeatsSent, result.HeartbeatErrors)
	if result.ShutdownDelivered {
		fmt.Fprintf(os.Stderr, "  %s shutdown token delivered\n", styleLabel.Render("Shutdown:  "))
	}
	fmt.Fprintln(os.Stderr, rule)
}

func printFailureTail(tail *logging.Tail) {
	lines := tail.Lines()
	if len(lines) == 0 {
		return
	}
	fmt.Fprintln(os.Stderr, styleLabel.Render("Last worker output:"))
	for _, line := range lines {
		fmt.Fprintf(os.Stderr, "  %s\n", line)
	}
}
