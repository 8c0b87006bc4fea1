package supervisor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"
)

// =============================================================================
// Mock process builder
// =============================================================================

// mockBuilder implements process.Builder and records the channel names
// it was handed, so tests can connect to the control channel the way a
// real worker would.
type mockBuilder struct {
	mu          sync.Mutex
	outputName  string
	controlName string
	built       bool

	buildErr error
	buildFn  func(ctx context.Context) *exec.Cmd
}

func (m *mockBuilder) BuildCommand(ctx context.Context, outputChannel, controlChannel string) (*exec.Cmd, error) {
	m.mu.Lock()
	m.outputName = outputChannel
	m.controlName = controlChannel
	m.built = true
	m.mu.Unlock()

	if m.buildErr != nil {
		return nil, m.buildErr
	}
	return m.buildFn(ctx), nil
}

func (m *mockBuilder) Name() string { return "mock" }

func (m *mockBuilder) names() (output, control string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outputName, m.controlName
}

func (m *mockBuilder) wasBuilt() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.built
}

// newShellBuilder creates a builder running sh -c script. The command
// deliberately ignores the context: cancellation must reach the worker
// through the shutdown token, not through a process kill.
func newShellBuilder(script string) *mockBuilder {
	return &mockBuilder{
		buildFn: func(ctx context.Context) *exec.Cmd {
			return exec.Command("sh", "-c", script)
		},
	}
}

// connectControl stands in for the worker's control connection: it polls
// for the control channel name, dials it, and collects tokens.
func connectControl(t *testing.T, m *mockBuilder) *tokenCollector {
	t.Helper()

	result := make(chan *tokenCollector, 1)
	go func() {
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			_, name := m.names()
			if name != "" {
				if conn, err := net.Dial("unix", name); err == nil {
					result <- newTokenCollector(conn)
					return
				}
			}
			time.Sleep(5 * time.Millisecond)
		}
		result <- nil
	}()

	tc := <-result
	if tc == nil {
		t.Fatal("worker stand-in never connected to the control channel")
	}
	return tc
}

// runSupervised runs a supervisor over the given builder with a
// connected control peer and returns everything a test needs.
func runSupervised(t *testing.T, builder *mockBuilder, cfg Config) (*Result, error, *tokenCollector, *bytes.Buffer) {
	t.Helper()

	sink := &bytes.Buffer{}
	var sinkMu sync.Mutex
	cfg.Builder = builder
	cfg.Sink = writerFunc(func(p []byte) (int, error) {
		sinkMu.Lock()
		defer sinkMu.Unlock()
		return sink.Write(p)
	})
	cfg.Logger = testLogger()
	if cfg.ChannelDir == "" {
		cfg.ChannelDir = t.TempDir()
	}

	sup := New(cfg)

	type runOutcome struct {
		result *Result
		err    error
	}
	done := make(chan runOutcome, 1)
	go func() {
		result, err := sup.Run(context.Background())
		done <- runOutcome{result, err}
	}()

	tc := connectControl(t, builder)

	select {
	case out := <-done:
		sinkMu.Lock()
		defer sinkMu.Unlock()
		return out.result, out.err, tc, sink
	case <-time.After(10 * time.Second):
		t.Fatal("supervision run did not finish")
		return nil, nil, nil, nil
	}
}

// writerFunc adapts a function to io.Writer.
type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }

// =============================================================================
// Tests
// =============================================================================

func TestExitCodePropagation(t *testing.T) {
	tests := []struct {
		name string
		code int
	}{
		{"clean exit", 0},
		{"exit 2", 2},
		{"exit 7", 7},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			builder := newShellBuilder(fmt.Sprintf("exit %d", tt.code))
			result, err, _, _ := runSupervised(t, builder, Config{})
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if result.ExitCode != tt.code {
				t.Errorf("ExitCode = %d, want %d", result.ExitCode, tt.code)
			}
		})
	}
}

func TestOutputForwarded(t *testing.T) {
	builder := newShellBuilder(`printf "hello\n"`)
	result, err, _, sink := runSupervised(t, builder, Config{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := sink.String(); got != "hello\n" {
		t.Errorf("forwarded output = %q, want %q", got, "hello\n")
	}
	if result.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", result.ExitCode)
	}
	if result.BytesRelayed != int64(len("hello\n")) {
		t.Errorf("BytesRelayed = %d, want %d", result.BytesRelayed, len("hello\n"))
	}
}

func TestOutputOrderingPreserved(t *testing.T) {
	// Many small writes from the worker: forwarded content and order
	// must match exactly, regardless of how reads chunked them.
	builder := newShellBuilder(`i=1; while [ $i -le 50 ]; do echo "line $i"; i=$((i+1)); done`)
	_, err, _, sink := runSupervised(t, builder, Config{ReadBufferSize: 16})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	var want strings.Builder
	for i := 1; i <= 50; i++ {
		fmt.Fprintf(&want, "line %d\n", i)
	}
	if sink.String() != want.String() {
		t.Errorf("forwarded output does not match worker output:\ngot:  %q\nwant: %q",
			sink.String(), want.String())
	}
}

func TestStderrAlsoForwarded(t *testing.T) {
	builder := newShellBuilder(`printf "to stderr\n" 1>&2`)
	_, err, _, sink := runSupervised(t, builder, Config{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := sink.String(); got != "to stderr\n" {
		t.Errorf("forwarded stderr = %q, want %q", got, "to stderr\n")
	}
}

func TestChannelCreationFailureIsFailFast(t *testing.T) {
	builder := newShellBuilder("exit 0")
	sup := New(Config{
		Builder:    builder,
		Sink:       &bytes.Buffer{},
		Logger:     testLogger(),
		ChannelDir: "/nonexistent-dir-for-supervision-test",
	})

	result, err := sup.Run(context.Background())
	if !errors.Is(err, ErrChannelCreation) {
		t.Fatalf("Run error = %v, want ErrChannelCreation", err)
	}
	if result.ExitCode == 0 {
		t.Error("ExitCode = 0 on channel creation failure, want nonzero")
	}
	if builder.wasBuilt() {
		t.Error("worker command was built despite channel creation failure")
	}
	if got := sup.State(); got != StateChannelCreationFailed {
		t.Errorf("state = %v, want %v", got, StateChannelCreationFailed)
	}
}

func TestSpawnFailureReleasesChannels(t *testing.T) {
	builder := &mockBuilder{
		buildFn: func(ctx context.Context) *exec.Cmd {
			return exec.CommandContext(ctx, "/nonexistent/worker/binary")
		},
	}
	sup := New(Config{
		Builder:    builder,
		Sink:       &bytes.Buffer{},
		Logger:     testLogger(),
		ChannelDir: t.TempDir(),
	})

	result, err := sup.Run(context.Background())
	if !errors.Is(err, ErrSpawn) {
		t.Fatalf("Run error = %v, want ErrSpawn", err)
	}
	if result.ExitCode == 0 {
		t.Error("ExitCode = 0 on spawn failure, want nonzero")
	}
	if got := sup.State(); got != StateSpawnFailed {
		t.Errorf("state = %v, want %v", got, StateSpawnFailed)
	}
}

func TestBuildErrorIsSpawnError(t *testing.T) {
	builder := &mockBuilder{buildErr: errors.New("bad arguments")}
	sup := New(Config{
		Builder:    builder,
		Sink:       &bytes.Buffer{},
		Logger:     testLogger(),
		ChannelDir: t.TempDir(),
	})

	if _, err := sup.Run(context.Background()); !errors.Is(err, ErrSpawn) {
		t.Fatalf("Run error = %v, want ErrSpawn", err)
	}
}

func TestControlConnectTimeout(t *testing.T) {
	// The worker runs but never connects to the control channel.
	builder := newShellBuilder("sleep 0.3")
	sup := New(Config{
		Builder:        builder,
		Sink:           &bytes.Buffer{},
		Logger:         testLogger(),
		ChannelDir:     t.TempDir(),
		ConnectTimeout: 100 * time.Millisecond,
	})

	result, err := sup.Run(context.Background())
	if !errors.Is(err, ErrChannelConnection) {
		t.Fatalf("Run error = %v, want ErrChannelConnection", err)
	}
	if result.ExitCode == 0 {
		t.Error("ExitCode = 0 on connection failure, want nonzero")
	}
	if got := sup.State(); got != StateConnectionFailed {
		t.Errorf("state = %v, want %v", got, StateConnectionFailed)
	}
}

func TestContextCancelDeliversShutdownOnce(t *testing.T) {
	builder := newShellBuilder("sleep 0.5")

	sup := New(Config{
		Builder:    builder,
		Sink:       &bytes.Buffer{},
		Logger:     testLogger(),
		ChannelDir: t.TempDir(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	type runOutcome struct {
		result *Result
		err    error
	}
	done := make(chan runOutcome, 1)
	go func() {
		result, err := sup.Run(ctx)
		done <- runOutcome{result, err}
	}()

	tc := connectControl(t, builder)

	time.Sleep(100 * time.Millisecond)
	cancel()

	out := <-done
	if out.err != nil {
		t.Fatalf("Run: %v", out.err)
	}
	if !out.result.ShutdownDelivered {
		t.Error("ShutdownDelivered = false after context cancel")
	}

	tc.waitEOF(t)
	if got := tc.count("shutdown"); got != 1 {
		t.Errorf("peer received %d shutdown tokens, want exactly 1", got)
	}
}

func TestHeartbeatsDuringRun(t *testing.T) {
	builder := newShellBuilder("sleep 0.65")
	result, err, tc, _ := runSupervised(t, builder, Config{
		HeartbeatInterval: 100 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	// ~650ms at 100ms cadence: floor(D/T) ± 1.
	if result.HeartbeatsSent < 4 || result.HeartbeatsSent > 8 {
		t.Errorf("HeartbeatsSent = %d, want 4..8 for a ~650ms run at 100ms", result.HeartbeatsSent)
	}
	tc.waitEOF(t)
	if got := int64(tc.count("HEARTBEAT")); got != result.HeartbeatsSent {
		t.Errorf("peer saw %d heartbeats, supervisor counted %d", got, result.HeartbeatsSent)
	}
}

func TestStateSequence(t *testing.T) {
	var mu sync.Mutex
	var sequence []State

	builder := newShellBuilder("exit 0")
	_, err, _, _ := runSupervised(t, builder, Config{
		Callbacks: Callbacks{
			OnStateChange: func(_, newState State) {
				mu.Lock()
				sequence = append(sequence, newState)
				mu.Unlock()
			},
		},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []State{
		StateChannelsCreated,
		StateWorkerSpawned,
		StateAwaitingConnections,
		StateRunning,
		StateDraining,
		StateTerminated,
	}

	mu.Lock()
	defer mu.Unlock()
	if len(sequence) != len(want) {
		t.Fatalf("state sequence = %v, want %v", sequence, want)
	}
	for i := range want {
		if sequence[i] != want[i] {
			t.Fatalf("state sequence = %v, want %v", sequence, want)
		}
	}
}

func TestStartAndExitCallbacks(t *testing.T) {
	var mu sync.Mutex
	var gotPID, gotCode int
	var gotUptime time.Duration

	builder := newShellBuilder("exit 3")
	_, err, _, _ := runSupervised(t, builder, Config{
		Callbacks: Callbacks{
			OnStart: func(pid int) {
				mu.Lock()
				gotPID = pid
				mu.Unlock()
			},
			OnExit: func(code int, uptime time.Duration) {
				mu.Lock()
				gotCode = code
				gotUptime = uptime
				mu.Unlock()
			},
		},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if gotPID <= 0 {
		t.Errorf("OnStart pid = %d, want > 0", gotPID)
	}
	if gotCode != 3 {
		t.Errorf("OnExit code = %d, want 3", gotCode)
	}
	if gotUptime <= 0 {
		t.Errorf("OnExit uptime = %v, want > 0", gotUptime)
	}
}

func TestWorkerCommandLineEmbedsChannelNames(t *testing.T) {
	builder := newShellBuilder("exit 0")
	_, err, _, _ := runSupervised(t, builder, Config{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	output, control := builder.names()
	if output == "" || control == "" {
		t.Fatal("builder never received channel names")
	}
	if output == control {
		t.Error("output and control channels share a name")
	}
	if !strings.Contains(output, "output-") || !strings.Contains(control, "control-") {
		t.Errorf("channel names missing prefixes: %q, %q", output, control)
	}
}

func TestExtractExitCode(t *testing.T) {
	if got := extractExitCode(nil); got != 0 {
		t.Errorf("extractExitCode(nil) = %d, want 0", got)
	}
	if got := extractExitCode(errors.New("not an exit error")); got != 1 {
		t.Errorf("extractExitCode(opaque) = %d, want 1", got)
	}

	// A real signal death maps to 128+signal.
	cmd := exec.Command("sh", "-c", "kill -TERM $$")
	err := cmd.Run()
	if got := extractExitCode(err); got != 128+15 {
		t.Errorf("extractExitCode(SIGTERM death) = %d, want %d", got, 128+15)
	}
}
