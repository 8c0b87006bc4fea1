package supervisor

import "errors"

// Startup failures are fatal: the supervisor aborts the whole invocation
// rather than retrying. Each is wrapped around the underlying OS error.
var (
	// ErrChannelCreation means a channel endpoint could not be
	// allocated. The worker is never spawned.
	ErrChannelCreation = errors.New("channel creation failed")

	// ErrSpawn means the worker process could not be started. Channels
	// are released before returning.
	ErrSpawn = errors.New("worker spawn failed")

	// ErrChannelConnection means the worker did not connect to the
	// control channel within the configured timeout. Supervision is
	// aborted; the worker is not forcibly killed and may be left
	// running.
	ErrChannelConnection = errors.New("worker never connected to channel")
)
