// Package relay forwards worker output bytes to the host sink.
package relay

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/pipelaunch/pipelaunch/internal/channel"
)

// DefaultBufferSize bounds a single read from the output channel.
// Matches the pipe buffer the reference supervisor drained with.
const DefaultBufferSize = 4096

// ErrOutputChannelFailed is returned by Pump when the output channel
// itself has failed (worker disappeared or transport error). The caller
// should perform a final drain and exit its loop.
var ErrOutputChannelFailed = errors.New("output channel failed")

// OnChunk observes each forwarded chunk. Used for metrics and stats;
// never called with n == 0.
type OnChunk func(n int)

// Relay drains an inbound channel and forwards bytes verbatim, in order,
// to the sink. It is byte-oriented and binary safe: no framing, no line
// splitting, partial chunks are forwarded as they arrive.
//
// Relay is driven from a single goroutine (the supervisor run loop); only
// the counters are safe for concurrent readers.
type Relay struct {
	ch      *channel.Channel
	sink    io.Writer
	buf     []byte
	logger  *slog.Logger
	onChunk OnChunk

	bytes  atomic.Int64
	chunks atomic.Int64
}

// New creates a relay from ch to sink. bufSize <= 0 selects
// DefaultBufferSize. onChunk may be nil.
func New(ch *channel.Channel, sink io.Writer, bufSize int, logger *slog.Logger, onChunk OnChunk) *Relay {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	return &Relay{
		ch:      ch,
		sink:    sink,
		buf:     make([]byte, bufSize),
		logger:  logger,
		onChunk: onChunk,
	}
}

// Pump performs one drain pass: it repeatedly reads available bytes and
// forwards them until the channel reports no more data. Returns the
// number of bytes moved. ErrOutputChannelFailed means the worker side is
// gone and the loop should move to its draining phase.
func (r *Relay) Pump() (int, error) {
	moved := 0
	for {
		n, err := r.ch.TryRead(r.buf)
		if n > 0 {
			if werr := r.forward(r.buf[:n]); werr != nil {
				return moved, werr
			}
			moved += n
		}
		if err != nil {
			if errors.Is(err, channel.ErrPeerClosed) || errors.Is(err, channel.ErrClosed) {
				return moved, fmt.Errorf("%w: %v", ErrOutputChannelFailed, err)
			}
			return moved, err
		}
		if n == 0 {
			return moved, nil
		}
	}
}

// DrainFinal forwards whatever is still buffered after the worker has
// exited. Errors are expected here (the peer is gone) and only logged;
// bytes read before the error are still delivered.
func (r *Relay) DrainFinal() int {
	moved := 0
	for {
		n, err := r.ch.TryRead(r.buf)
		if n > 0 {
			if werr := r.forward(r.buf[:n]); werr != nil {
				r.logger.Warn("final_drain_write_failed", "error", werr)
				return moved
			}
			moved += n
		}
		if err != nil {
			if !errors.Is(err, channel.ErrPeerClosed) && !errors.Is(err, channel.ErrClosed) {
				r.logger.Debug("final_drain_read_stopped", "error", err)
			}
			return moved
		}
		if n == 0 {
			return moved
		}
	}
}

// forward writes p fully to the sink, preserving ordering across calls.
func (r *Relay) forward(p []byte) error {
	if _, err := r.sink.Write(p); err != nil {
		return fmt.Errorf("write to host sink: %w", err)
	}
	r.bytes.Add(int64(len(p)))
	r.chunks.Add(1)
	if r.onChunk != nil {
		r.onChunk(len(p))
	}
	return nil
}

// BytesRelayed returns the total bytes forwarded so far.
func (r *Relay) BytesRelayed() int64 {
	return r.bytes.Load()
}

// Chunks returns the number of chunks forwarded so far.
func (r *Relay) Chunks() int64 {
	return r.chunks.Load()
}
