package supervisor

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/pipelaunch/pipelaunch/internal/channel"
)

// HeartbeatToken is the liveness sentinel written on the control channel.
// The worker watches for it and self-terminates when the supervisor
// disappears without delivering a shutdown token.
const HeartbeatToken = "HEARTBEAT\n"

// HeartbeatEmitter writes HeartbeatToken on the control channel at a
// fixed cadence. A failed write is non-fatal: it is logged and retried on
// the next due tick.
//
// Tick is called from the run loop with the loop's notion of now; the
// emitter owns no goroutine. A slow iteration delays a due heartbeat but
// never skips it, because the next due time advances by whole intervals
// from the previous due time, not from the send time.
type HeartbeatEmitter struct {
	ctl      *channel.Channel
	interval time.Duration
	logger   *slog.Logger

	next time.Time

	sent   atomic.Int64
	errors atomic.Int64

	// onSent and onError are optional observation hooks.
	onSent  func()
	onError func()
}

// NewHeartbeatEmitter creates an emitter for the given control channel.
// The first heartbeat is due one interval after start.
func NewHeartbeatEmitter(ctl *channel.Channel, interval time.Duration, logger *slog.Logger) *HeartbeatEmitter {
	return &HeartbeatEmitter{
		ctl:      ctl,
		interval: interval,
		logger:   logger,
	}
}

// SetObservers registers optional callbacks fired after a successful send
// and after a failed send.
func (h *HeartbeatEmitter) SetObservers(onSent, onError func()) {
	h.onSent = onSent
	h.onError = onError
}

// Start arms the emitter relative to now.
func (h *HeartbeatEmitter) Start(now time.Time) {
	h.next = now.Add(h.interval)
}

// Tick emits a heartbeat if one is due. Safe to call every loop
// iteration.
func (h *HeartbeatEmitter) Tick(now time.Time) {
	if h.next.IsZero() || now.Before(h.next) {
		return
	}

	if _, err := h.ctl.Write([]byte(HeartbeatToken)); err != nil {
		h.errors.Add(1)
		h.logger.Warn("heartbeat_write_failed", "error", err)
		if h.onError != nil {
			h.onError()
		}
	} else {
		h.sent.Add(1)
		if h.onSent != nil {
			h.onSent()
		}
	}

	// Advance by whole intervals so a late tick still accounts for the
	// beat it just made up, without bursting to catch up further.
	h.next = h.next.Add(h.interval)
	if !now.Before(h.next) {
		h.next = now.Add(h.interval)
	}
}

// Sent returns the number of heartbeats successfully written.
func (h *HeartbeatEmitter) Sent() int64 {
	return h.sent.Load()
}

// Errors returns the number of failed heartbeat writes.
func (h *HeartbeatEmitter) Errors() int64 {
	return h.errors.Load()
}
