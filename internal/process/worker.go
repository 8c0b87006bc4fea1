// Package process provides abstractions for building the worker command.
package process

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
)

// Builder creates the executable command for the worker process. The
// interface keeps the supervisor decoupled from the concrete worker type
// and lets tests substitute trivial processes.
type Builder interface {
	// BuildCommand returns a ready-to-start command with the channel
	// names embedded as arguments. The command is NOT started yet.
	BuildCommand(ctx context.Context, outputChannel, controlChannel string) (*exec.Cmd, error)

	// Name returns a human-readable name for this worker type.
	Name() string
}

// WorkerBuilder builds the canonical worker command line:
//
//	<worker> <script> --output-pipe <outputChannel> --shutdown-pipe <controlChannel>
type WorkerBuilder struct {
	// WorkerPath is the worker executable (e.g. a script interpreter).
	WorkerPath string

	// ScriptPath is the script/argument handed to the worker.
	ScriptPath string

	// ExtraArgs are appended before the channel arguments.
	ExtraArgs []string
}

// NewWorkerBuilder creates a builder for the given worker and script.
func NewWorkerBuilder(workerPath, scriptPath string) *WorkerBuilder {
	return &WorkerBuilder{
		WorkerPath: workerPath,
		ScriptPath: scriptPath,
	}
}

// BuildCommand implements Builder. The worker is placed in its own
// process group so a supervisor signal does not reach it directly; the
// shutdown token on the control channel is the worker's cue to exit.
func (b *WorkerBuilder) BuildCommand(ctx context.Context, outputChannel, controlChannel string) (*exec.Cmd, error) {
	if b.WorkerPath == "" {
		return nil, fmt.Errorf("worker path is empty")
	}

	args := b.args(outputChannel, controlChannel)
	cmd := exec.CommandContext(ctx, b.WorkerPath, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
	return cmd, nil
}

// Name implements Builder.
func (b *WorkerBuilder) Name() string {
	return "worker"
}

// CommandString returns the command line that BuildCommand would run,
// with placeholder channel names. Used by -print-cmd.
func (b *WorkerBuilder) CommandString() string {
	parts := append([]string{b.WorkerPath}, b.args("<output-channel>", "<control-channel>")...)
	return strings.Join(parts, " ")
}

// args assembles the worker argument list.
func (b *WorkerBuilder) args(outputChannel, controlChannel string) []string {
	var args []string
	if b.ScriptPath != "" {
		args = append(args, b.ScriptPath)
	}
	args = append(args, b.ExtraArgs...)
	args = append(args,
		"--output-pipe", outputChannel,
		"--shutdown-pipe", controlChannel,
	)
	return args
}
