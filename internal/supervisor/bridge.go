package supervisor

import (
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/pipelaunch/pipelaunch/internal/channel"
)

// ShutdownToken is the graceful-termination sentinel written on the
// control channel, at most once per supervisor lifetime.
const ShutdownToken = "shutdown\n"

// ShutdownSignalBridge converts host termination notifications into a
// best-effort shutdown token on the control channel. Delivery is advisory
// and unacknowledged: the write happens, the channel is closed, and the
// host's own termination proceeds. A failed token write is swallowed —
// the host is already going down and there is nothing left to retry.
//
// The bridge shares the control channel with the run loop's heartbeat
// writes. The channel's internal locking makes the token write and the
// close safe against a concurrent heartbeat.
type ShutdownSignalBridge struct {
	ctl    *channel.Channel
	logger *slog.Logger

	sigCh chan os.Signal
	done  chan struct{}

	deliverOnce sync.Once
	delivered   atomic.Bool
	stopOnce    sync.Once

	// onDelivered is an optional observation hook.
	onDelivered func()
}

// NewShutdownSignalBridge creates a bridge for the given control channel.
// Call Install to begin listening for signals.
func NewShutdownSignalBridge(ctl *channel.Channel, logger *slog.Logger) *ShutdownSignalBridge {
	return &ShutdownSignalBridge{
		ctl:    ctl,
		logger: logger,
		sigCh:  make(chan os.Signal, 1),
		done:   make(chan struct{}),
	}
}

// SetObserver registers an optional callback fired when the token is
// delivered (or delivery was attempted).
func (b *ShutdownSignalBridge) SetObserver(onDelivered func()) {
	b.onDelivered = onDelivered
}

// Install registers for interrupt, terminate, and hangup — the
// interactive-close, interrupt, and session-end notifications of a Unix
// host — and handles the first one in a background goroutine.
func (b *ShutdownSignalBridge) Install() {
	signal.Notify(b.sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	go func() {
		select {
		case sig := <-b.sigCh:
			b.logger.Info("termination_notification", "signal", sig.String())
			b.Trigger()
		case <-b.done:
		}
	}()
}

// Trigger performs the shutdown delivery directly. Used by the signal
// goroutine and by callers that must translate their own cancellation
// (e.g. a cancelled context) into a shutdown request. Idempotent: only
// the first call writes the token, and no write is ever attempted after
// the control channel is closed.
func (b *ShutdownSignalBridge) Trigger() {
	b.deliverOnce.Do(func() {
		if _, err := b.ctl.Write([]byte(ShutdownToken)); err != nil {
			// Best effort only. The worker either sees the token or
			// notices the heartbeats stop.
			b.logger.Debug("shutdown_token_write_failed", "error", err)
		}
		b.ctl.Close()
		b.delivered.Store(true)
		if b.onDelivered != nil {
			b.onDelivered()
		}
	})
}

// Delivered reports whether the shutdown token delivery has run.
func (b *ShutdownSignalBridge) Delivered() bool {
	return b.delivered.Load()
}

// Stop unregisters the signal handler and releases the goroutine. Safe to
// call multiple times.
func (b *ShutdownSignalBridge) Stop() {
	b.stopOnce.Do(func() {
		signal.Stop(b.sigCh)
		close(b.done)
	})
}
