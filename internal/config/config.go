// Package config provides configuration management for pipelaunch.
package config

import (
	"os"
	"time"
)

// Config holds all configuration options for the supervisor.
type Config struct {
	// Worker
	WorkerPath string `json:"worker_path"`
	ScriptPath string `json:"script_path"`

	// Channels
	ChannelDir     string        `json:"channel_dir"`
	ConnectTimeout time.Duration `json:"connect_timeout"` // 0 = wait forever
	ReadBufferSize int           `json:"read_buffer_size"`

	// Run loop
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`
	PollInterval      time.Duration `json:"poll_interval"`

	// Observability
	MetricsAddr string `json:"metrics_addr"` // empty = disabled
	Verbose     bool   `json:"verbose"`
	LogFormat   string `json:"log_format"` // json, text

	// Diagnostic modes
	PrintCmd      bool `json:"print_cmd"`
	SkipPreflight bool `json:"skip_preflight"`
}

// DefaultConfig returns a Config with sensible defaults. The intervals
// mirror the reference supervisor: a 1s heartbeat and a 10ms poll.
func DefaultConfig() *Config {
	return &Config{
		// Worker
		WorkerPath: "python3",

		// Channels
		ChannelDir:     os.TempDir(),
		ConnectTimeout: 0, // Wait forever, matching the reference behavior
		ReadBufferSize: 4096,

		// Run loop
		HeartbeatInterval: 1000 * time.Millisecond,
		PollInterval:      10 * time.Millisecond,

		// Observability
		MetricsAddr: "", // Disabled unless requested
		Verbose:     false,
		LogFormat:   "text",
	}
}
