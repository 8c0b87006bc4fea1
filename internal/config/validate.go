package config

import (
	"errors"
	"fmt"
	"time"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks the configuration for errors and inconsistencies.
// Returns nil if valid, or an error describing every problem found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.WorkerPath == "" {
		errs = append(errs, ValidationError{
			Field:   "worker",
			Message: "worker executable path is required",
		})
	}

	// The script is what the worker runs; -print-cmd without one is
	// still useful for inspecting the channel arguments.
	if cfg.ScriptPath == "" && !cfg.PrintCmd {
		errs = append(errs, ValidationError{
			Field:   "script",
			Message: "script path is required",
		})
	}

	if cfg.ChannelDir == "" {
		errs = append(errs, ValidationError{
			Field:   "channel_dir",
			Message: "channel directory is required",
		})
	}

	if cfg.ConnectTimeout < 0 {
		errs = append(errs, ValidationError{
			Field:   "connect_timeout",
			Message: "must be zero (wait forever) or positive",
		})
	}

	if cfg.ReadBufferSize < 1 {
		errs = append(errs, ValidationError{
			Field:   "read_buffer",
			Message: "must be at least 1 byte",
		})
	}

	if cfg.HeartbeatInterval < 10*time.Millisecond {
		errs = append(errs, ValidationError{
			Field:   "heartbeat_interval",
			Message: "must be at least 10ms",
		})
	}

	if cfg.PollInterval < time.Millisecond {
		errs = append(errs, ValidationError{
			Field:   "poll_interval",
			Message: "must be at least 1ms",
		})
	}

	if cfg.PollInterval > cfg.HeartbeatInterval {
		errs = append(errs, ValidationError{
			Field:   "poll_interval",
			Message: "must not exceed the heartbeat interval",
		})
	}

	switch cfg.LogFormat {
	case "json", "text":
	default:
		errs = append(errs, ValidationError{
			Field:   "log_format",
			Message: `must be "json" or "text"`,
		})
	}

	return errors.Join(errs...)
}
