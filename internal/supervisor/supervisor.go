package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/pipelaunch/pipelaunch/internal/channel"
	"github.com/pipelaunch/pipelaunch/internal/process"
	"github.com/pipelaunch/pipelaunch/internal/relay"
)

// Callbacks contains optional callback functions for supervisor events.
type Callbacks struct {
	// OnStateChange is called when the supervisor state changes.
	OnStateChange func(oldState, newState State)

	// OnStart is called when the worker process starts.
	OnStart func(pid int)

	// OnExit is called when the worker process exits.
	OnExit func(exitCode int, uptime time.Duration)

	// OnHeartbeat is called after each successfully sent heartbeat.
	OnHeartbeat func()

	// OnHeartbeatError is called after each failed heartbeat write.
	OnHeartbeatError func()

	// OnShutdownToken is called when the shutdown token is delivered.
	OnShutdownToken func()

	// OnRelay is called with the size of each forwarded output chunk.
	OnRelay func(n int)
}

// Config holds configuration for creating a new Supervisor.
type Config struct {
	Builder   process.Builder
	Sink      io.Writer // Host output sink; defaults to os.Stdout
	Logger    *slog.Logger
	Callbacks Callbacks

	ChannelDir     string
	ConnectTimeout time.Duration // 0 = wait forever

	HeartbeatInterval time.Duration
	PollInterval      time.Duration
	ReadBufferSize    int
}

// Result captures the outcome of a supervision run.
type Result struct {
	ExitCode          int
	Uptime            time.Duration
	BytesRelayed      int64
	Chunks            int64
	HeartbeatsSent    int64
	HeartbeatErrors   int64
	ShutdownDelivered bool
}

// Supervisor launches one worker process, relays its output channel to
// the host sink, keeps a heartbeat flowing on the control channel, and
// propagates the worker's exit code. One Supervisor supervises exactly
// one worker for one run; it is not reusable.
type Supervisor struct {
	builder   process.Builder
	sink      io.Writer
	logger    *slog.Logger
	callbacks Callbacks

	channelDir     string
	connectTimeout time.Duration
	hbInterval     time.Duration
	pollInterval   time.Duration
	bufSize        int

	state   State
	stateMu sync.RWMutex

	output  *channel.Channel
	control *channel.Channel
	cmd     *exec.Cmd

	startTime time.Time
}

// New creates a new Supervisor with the given configuration.
func New(cfg Config) *Supervisor {
	sink := cfg.Sink
	if sink == nil {
		sink = os.Stdout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	channelDir := cfg.ChannelDir
	if channelDir == "" {
		channelDir = channel.DefaultDir()
	}
	hbInterval := cfg.HeartbeatInterval
	if hbInterval <= 0 {
		hbInterval = 1000 * time.Millisecond
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = 10 * time.Millisecond
	}

	return &Supervisor{
		builder:        cfg.Builder,
		sink:           sink,
		logger:         logger,
		callbacks:      cfg.Callbacks,
		channelDir:     channelDir,
		connectTimeout: cfg.ConnectTimeout,
		hbInterval:     hbInterval,
		pollInterval:   pollInterval,
		bufSize:        cfg.ReadBufferSize,
		state:          StateInit,
	}
}

// waitResult carries the outcome of cmd.Wait across the exit-detection
// channel.
type waitResult struct {
	err error
}

// Run performs the whole supervision lifecycle and returns the worker's
// exit code as the supervisor's own result. Startup failures return a
// nonzero exit code and a wrapped sentinel error (ErrChannelCreation,
// ErrSpawn, ErrChannelConnection).
//
// Context cancellation is translated into a shutdown-token delivery, the
// same advisory path a host termination notification takes; the run still
// ends only when the worker exits.
func (s *Supervisor) Run(ctx context.Context) (*Result, error) {
	// Channel creation. Output carries worker bytes to us; control
	// carries heartbeat and shutdown tokens to the worker.
	output, err := channel.Create(s.channelDir, "output", channel.Inbound)
	if err != nil {
		s.setState(StateChannelCreationFailed)
		s.logger.Error("channel_creation_failed", "channel", "output", "error", err)
		return &Result{ExitCode: 1}, fmt.Errorf("%w: output: %v", ErrChannelCreation, err)
	}
	s.output = output

	control, err := channel.Create(s.channelDir, "control", channel.Duplex)
	if err != nil {
		output.Close()
		s.setState(StateChannelCreationFailed)
		s.logger.Error("channel_creation_failed", "channel", "control", "error", err)
		return &Result{ExitCode: 1}, fmt.Errorf("%w: control: %v", ErrChannelCreation, err)
	}
	s.control = control
	s.setState(StateChannelsCreated)

	s.logger.Debug("channels_created",
		"output", output.Name(),
		"control", control.Name(),
	)

	// Pre-connect the output channel to ourselves and hand the peer end
	// to the worker as stdout/stderr. Workers that never parse
	// --output-pipe still stream through the output channel; workers
	// that do can open it from their own subprocesses.
	stdout, err := output.Dial()
	if err != nil {
		s.releaseChannels()
		s.setState(StateChannelCreationFailed)
		s.logger.Error("channel_creation_failed", "channel", "output", "error", err)
		return &Result{ExitCode: 1}, fmt.Errorf("%w: output self-connect: %v", ErrChannelCreation, err)
	}

	// Spawn.
	cmd, err := s.builder.BuildCommand(ctx, output.Name(), control.Name())
	if err != nil {
		stdout.Close()
		s.releaseChannels()
		s.setState(StateSpawnFailed)
		s.logger.Error("worker_spawn_failed", "error", err)
		return &Result{ExitCode: 1}, fmt.Errorf("%w: %v", ErrSpawn, err)
	}
	cmd.Stdout = stdout
	cmd.Stderr = stdout

	s.startTime = time.Now()
	if err := cmd.Start(); err != nil {
		stdout.Close()
		s.releaseChannels()
		s.setState(StateSpawnFailed)
		s.logger.Error("worker_spawn_failed", "error", err)
		return &Result{ExitCode: 1}, fmt.Errorf("%w: %v", ErrSpawn, err)
	}

	// The child holds its own copy; keeping ours open would mask the
	// peer-closed signal when the worker exits.
	stdout.Close()

	s.cmd = cmd
	pid := cmd.Process.Pid
	s.setState(StateWorkerSpawned)
	s.logger.Info("worker_started",
		"worker", s.builder.Name(),
		"pid", pid,
		"output_channel", output.Name(),
		"control_channel", control.Name(),
	)
	if s.callbacks.OnStart != nil {
		s.callbacks.OnStart(pid)
	}

	// Connection wait. The output channel peer is our own pre-connect;
	// the control channel accept is the worker's liveness confirmation.
	// With a zero timeout this can block forever if the worker never
	// connects.
	s.setState(StateAwaitingConnections)
	if err := output.AwaitPeer(s.connectTimeout); err != nil {
		s.setState(StateConnectionFailed)
		s.logger.Error("channel_connection_failed", "channel", "output", "error", err)
		s.releaseChannels()
		return &Result{ExitCode: 1}, fmt.Errorf("%w: output: %v", ErrChannelConnection, err)
	}
	if err := control.AwaitPeer(s.connectTimeout); err != nil {
		s.setState(StateConnectionFailed)
		// The worker is not forcibly killed here; supervision is simply
		// abandoned.
		s.logger.Error("channel_connection_failed",
			"channel", "control",
			"error", err,
			"worker_pid", pid,
		)
		s.releaseChannels()
		return &Result{ExitCode: 1}, fmt.Errorf("%w: control: %v", ErrChannelConnection, err)
	}
	s.logger.Debug("worker_connected", "pid", pid)

	// Signal bridge, relay, heartbeat.
	bridge := NewShutdownSignalBridge(control, s.logger)
	bridge.SetObserver(s.callbacks.OnShutdownToken)
	bridge.Install()
	defer bridge.Stop()

	out := relay.New(output, s.sink, s.bufSize, s.logger, s.callbacks.OnRelay)

	hb := NewHeartbeatEmitter(control, s.hbInterval, s.logger)
	hb.SetObservers(s.callbacks.OnHeartbeat, s.callbacks.OnHeartbeatError)
	hb.Start(time.Now())

	// Exit detection: Wait runs in its own goroutine; the loop polls the
	// result channel without blocking.
	waitCh := make(chan waitResult, 1)
	go func() {
		waitCh <- waitResult{err: cmd.Wait()}
	}()

	s.setState(StateRunning)
	res, exited := s.runLoop(ctx, out, hb, bridge, waitCh)

	s.setState(StateDraining)
	drained := out.DrainFinal()
	if drained > 0 {
		s.logger.Debug("final_drain", "bytes", drained)
	}

	// Blocking wait for the final exit code if the loop left early
	// (output channel failure rather than observed exit).
	if !exited {
		res = <-waitCh
	}

	s.releaseChannels()

	uptime := time.Since(s.startTime)
	exitCode := extractExitCode(res.err)
	s.logger.Info("worker_exited",
		"pid", pid,
		"exit_code", exitCode,
		"uptime", uptime.String(),
	)
	if s.callbacks.OnExit != nil {
		s.callbacks.OnExit(exitCode, uptime)
	}
	s.setState(StateTerminated)

	return &Result{
		ExitCode:          exitCode,
		Uptime:            uptime,
		BytesRelayed:      out.BytesRelayed(),
		Chunks:            out.Chunks(),
		HeartbeatsSent:    hb.Sent(),
		HeartbeatErrors:   hb.Errors(),
		ShutdownDelivered: bridge.Delivered(),
	}, nil
}

// runLoop drives the Running state: drain output, tick the heartbeat,
// poll for worker exit, sleep briefly when idle. Exit-detection latency
// is bounded by one poll interval. Returns exited=false when the loop
// left because the output channel failed before the exit was observed;
// the caller then still owes a blocking wait.
func (s *Supervisor) runLoop(ctx context.Context, out *relay.Relay, hb *HeartbeatEmitter, bridge *ShutdownSignalBridge, waitCh <-chan waitResult) (res waitResult, exited bool) {
	ctxDone := ctx.Done()

	for {
		moved, err := out.Pump()
		if err != nil {
			// On a normal exit the peer-closed signal and the process
			// exit arrive together; give exit detection one interval
			// before treating this as a mid-run channel failure.
			select {
			case res = <-waitCh:
				return res, true
			case <-time.After(s.pollInterval):
			}
			s.logger.Warn("output_channel_failed", "error", err)
			return waitResult{}, false
		}

		hb.Tick(time.Now())

		select {
		case res = <-waitCh:
			return res, true
		case <-ctxDone:
			// Same advisory path as a host termination notification.
			s.logger.Info("context_cancelled_forwarding_shutdown")
			bridge.Trigger()
			ctxDone = nil
		default:
		}

		// A busy stream skips the sleep so delivery stays prompt; an
		// idle one sleeps to bound CPU without delaying exit detection
		// by more than one interval.
		if moved == 0 {
			time.Sleep(s.pollInterval)
		}
	}
}

// State returns the current supervisor state.
func (s *Supervisor) State() State {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

// OutputChannelName returns the output channel name, or "" before
// channel creation.
func (s *Supervisor) OutputChannelName() string {
	if s.output == nil {
		return ""
	}
	return s.output.Name()
}

// ControlChannelName returns the control channel name, or "" before
// channel creation.
func (s *Supervisor) ControlChannelName() string {
	if s.control == nil {
		return ""
	}
	return s.control.Name()
}

// setState updates the state and calls the callback if registered.
func (s *Supervisor) setState(newState State) {
	s.stateMu.Lock()
	oldState := s.state
	s.state = newState
	s.stateMu.Unlock()

	if s.callbacks.OnStateChange != nil && oldState != newState {
		s.callbacks.OnStateChange(oldState, newState)
	}
}

// releaseChannels closes both channels. Close is idempotent, so a control
// channel already closed by the signal bridge is fine.
func (s *Supervisor) releaseChannels() {
	if s.output != nil {
		s.output.Close()
	}
	if s.control != nil {
		s.control.Close()
	}
}

// extractExitCode extracts the exit code from a Wait() error.
func extractExitCode(err error) int {
	if err == nil {
		return 0
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if status.Signaled() {
				// Signal exit: 128 + signal number
				return 128 + int(status.Signal())
			}
			return status.ExitStatus()
		}
	}

	// Unknown error, assume exit code 1
	return 1
}
