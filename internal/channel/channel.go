// Package channel provides named byte-stream endpoints for communication
// between the supervisor and its worker process.
//
// A Channel is a Unix domain socket listener plus at most one accepted
// peer connection. The socket path is the channel's name; it is passed to
// the worker on its command line so the worker (or any of its
// subprocesses) can connect back by name.
//
// Critical Invariants:
//   - I1: Close() is idempotent and safe to call from more than one
//     goroutine (the run loop and the signal bridge both reach it).
//   - I2: A Write racing a Close fails with ErrClosed; it never writes to
//     a released handle.
//   - I3: Socket paths MUST be ≤104 bytes (sockaddr_un.sun_path limit).
package channel

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"
)

// maxSocketPathLen is the safe maximum path length for Unix sockets.
// sun_path is typically 108 bytes; 104 leaves headroom.
const maxSocketPathLen = 104

// Direction describes which way bytes flow relative to the supervisor.
type Direction int

const (
	// Inbound channels carry bytes from the worker to the supervisor.
	Inbound Direction = iota

	// Outbound channels carry bytes from the supervisor to the worker.
	Outbound

	// Duplex channels carry bytes both ways.
	Duplex
)

// String returns a human-readable name for the direction.
func (d Direction) String() string {
	switch d {
	case Inbound:
		return "inbound"
	case Outbound:
		return "outbound"
	case Duplex:
		return "duplex"
	default:
		return "unknown"
	}
}

// State is the connection state of a channel endpoint.
type State int

const (
	// StateCreated means the listener exists but AwaitPeer has not run.
	StateCreated State = iota

	// StateAwaitingPeer means AwaitPeer is blocked in Accept.
	StateAwaitingPeer

	// StateConnected means a peer connection has been accepted.
	StateConnected

	// StateClosed means the channel has been released. Terminal.
	StateClosed
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateAwaitingPeer:
		return "awaiting_peer"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var (
	// ErrClosed is returned by reads and writes after Close.
	ErrClosed = errors.New("channel closed")

	// ErrNotConnected is returned by reads and writes before a peer has
	// connected.
	ErrNotConnected = errors.New("channel has no peer")

	// ErrPeerClosed is returned by TryRead once the peer has disconnected
	// and all buffered bytes have been drained.
	ErrPeerClosed = errors.New("channel peer disconnected")

	// ErrDirection is returned when an operation does not match the
	// channel's direction (e.g. a write on an inbound channel).
	ErrDirection = errors.New("operation not permitted by channel direction")

	// ErrAwaitPeerTimeout is returned by AwaitPeer when the peer does not
	// connect within the configured timeout.
	ErrAwaitPeerTimeout = errors.New("timed out waiting for channel peer")
)

// Channel is a named endpoint. The zero value is not usable; call Create.
//
// The mutex serializes conn access between the run loop (reads, heartbeat
// writes) and the signal bridge (a final write plus Close), satisfying
// I1/I2.
type Channel struct {
	name      string
	direction Direction
	listener  *net.UnixListener

	mu    sync.Mutex
	conn  net.Conn
	state State

	closeOnce sync.Once
}

// Create allocates a channel endpoint named dir/prefix-<pid>-<salt>.sock
// and starts listening. The peer is not awaited; call AwaitPeer.
func Create(dir, prefix string, direction Direction) (*Channel, error) {
	name := UniqueName(dir, prefix)
	if len(name) > maxSocketPathLen {
		return nil, fmt.Errorf("channel name too long (%d > %d bytes): use a shorter channel dir: %s",
			len(name), maxSocketPathLen, name)
	}

	// Salted names should never collide, but a stale socket from a
	// crashed run with the same pid is still possible.
	if _, err := os.Stat(name); err == nil {
		os.Remove(name)
	}

	addr, err := net.ResolveUnixAddr("unix", name)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", name, err)
	}
	listener, err := net.ListenUnix("unix", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", name, err)
	}

	return &Channel{
		name:      name,
		direction: direction,
		listener:  listener,
		state:     StateCreated,
	}, nil
}

// Name returns the channel's socket path. This is the identifier handed
// to the worker on its command line.
func (c *Channel) Name() string {
	return c.name
}

// Direction returns the channel's direction.
func (c *Channel) Direction() Direction {
	return c.direction
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// AwaitPeer blocks until the opposite endpoint connects, or until timeout
// elapses. A timeout of 0 waits forever, matching the reference behavior;
// callers that want bounded startup pass a positive timeout and receive
// ErrAwaitPeerTimeout on expiry. Returns immediately if a peer is already
// connected.
func (c *Channel) AwaitPeer(timeout time.Duration) error {
	c.mu.Lock()
	switch c.state {
	case StateConnected:
		c.mu.Unlock()
		return nil
	case StateClosed:
		c.mu.Unlock()
		return ErrClosed
	}
	c.state = StateAwaitingPeer
	listener := c.listener
	c.mu.Unlock()

	if timeout > 0 {
		if err := listener.SetDeadline(time.Now().Add(timeout)); err != nil {
			return fmt.Errorf("set accept deadline on %s: %w", c.name, err)
		}
	}

	conn, err := listener.Accept()
	if err != nil {
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			return fmt.Errorf("%w: %s after %s", ErrAwaitPeerTimeout, c.name, timeout)
		}
		return fmt.Errorf("accept on %s: %w", c.name, err)
	}

	// Accept deadlines do not apply to the accepted conn, but clear any
	// inherited state to be certain reads are governed only by TryRead.
	conn.SetDeadline(time.Time{})

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		conn.Close()
		return ErrClosed
	}
	c.conn = conn
	c.state = StateConnected
	return nil
}

// Dial connects to this channel's own socket and returns the connection's
// file, suitable for wiring into a child's stdout/stderr. The caller owns
// the returned file; AwaitPeer picks up the corresponding accepted end.
func (c *Channel) Dial() (*os.File, error) {
	conn, err := net.Dial("unix", c.name)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.name, err)
	}
	defer conn.Close()

	f, err := conn.(*net.UnixConn).File()
	if err != nil {
		return nil, fmt.Errorf("file for %s: %w", c.name, err)
	}
	return f, nil
}

// TryRead returns any available bytes without blocking beyond a
// single-millisecond poll. It returns (0, nil) when the channel is open
// but idle, and ErrPeerClosed once the peer has gone away and the
// buffered data is exhausted.
func (c *Channel) TryRead(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateClosed {
		return 0, ErrClosed
	}
	if c.direction == Outbound {
		return 0, fmt.Errorf("%w: read on %s channel %s", ErrDirection, c.direction, c.name)
	}
	if c.conn == nil {
		return 0, ErrNotConnected
	}

	// A short positive deadline makes already-buffered bytes visible
	// immediately while bounding the wait when the peer is idle.
	if err := c.conn.SetReadDeadline(time.Now().Add(time.Millisecond)); err != nil {
		return 0, fmt.Errorf("set read deadline on %s: %w", c.name, err)
	}

	n, err := c.conn.Read(p)
	if err != nil {
		var nerr net.Error
		switch {
		case errors.As(err, &nerr) && nerr.Timeout():
			return n, nil
		case errors.Is(err, net.ErrClosed):
			return n, ErrClosed
		default:
			// EOF or a transport failure: the peer is gone.
			if n > 0 {
				return n, nil
			}
			return 0, fmt.Errorf("%w: %s", ErrPeerClosed, c.name)
		}
	}
	return n, nil
}

// Write sends p to the peer. It fails cleanly with ErrClosed after Close,
// including a Close issued concurrently from the signal bridge (I2).
func (c *Channel) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateClosed {
		return 0, ErrClosed
	}
	if c.direction == Inbound {
		return 0, fmt.Errorf("%w: write on %s channel %s", ErrDirection, c.direction, c.name)
	}
	if c.conn == nil {
		return 0, ErrNotConnected
	}

	n, err := c.conn.Write(p)
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return n, ErrClosed
		}
		return n, fmt.Errorf("write %s: %w", c.name, err)
	}
	return n, nil
}

// Close releases the connection, the listener, and the socket file.
// Idempotent (I1): later calls and concurrent calls are no-ops, and any
// in-flight Write observes ErrClosed rather than a freed handle.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = StateClosed
		conn := c.conn
		c.conn = nil
		c.mu.Unlock()

		if conn != nil {
			conn.Close()
		}
		if c.listener != nil {
			// Unlinks the socket file; unblocks a pending Accept.
			c.listener.Close()
		}
		// Stale-file cleanup in case the listener did not unlink.
		if err := os.Remove(c.name); err != nil && !os.IsNotExist(err) {
			return
		}
	})
	return nil
}
