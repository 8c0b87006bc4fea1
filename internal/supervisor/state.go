// Package supervisor manages the lifecycle of a single worker process and
// its communication channels.
package supervisor

// State represents the supervisor's position in its run lifecycle.
type State int

const (
	// StateInit is the initial state before channels exist.
	StateInit State = iota

	// StateChannelsCreated means both channels are listening.
	StateChannelsCreated

	// StateWorkerSpawned means the worker process has started.
	StateWorkerSpawned

	// StateAwaitingConnections means the supervisor is waiting for the
	// worker to connect to its channels.
	StateAwaitingConnections

	// StateRunning means the run loop is active.
	StateRunning

	// StateDraining means the worker exited and remaining output is
	// being flushed.
	StateDraining

	// StateTerminated means supervision finished. Terminal.
	StateTerminated

	// StateChannelCreationFailed means a channel could not be allocated.
	// Terminal; the worker was never spawned.
	StateChannelCreationFailed

	// StateSpawnFailed means the worker process could not be started.
	// Terminal.
	StateSpawnFailed

	// StateConnectionFailed means the worker never connected within the
	// configured timeout. Terminal; the worker may still be running.
	StateConnectionFailed
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateChannelsCreated:
		return "channels_created"
	case StateWorkerSpawned:
		return "worker_spawned"
	case StateAwaitingConnections:
		return "awaiting_connections"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateTerminated:
		return "terminated"
	case StateChannelCreationFailed:
		return "channel_creation_failed"
	case StateSpawnFailed:
		return "spawn_failed"
	case StateConnectionFailed:
		return "connection_failed"
	default:
		return "unknown"
	}
}

// IsTerminal returns true if no further state transitions can occur.
func (s State) IsTerminal() bool {
	switch s {
	case StateTerminated, StateChannelCreationFailed, StateSpawnFailed, StateConnectionFailed:
		return true
	default:
		return false
	}
}

// IsFailure returns true for the terminal failure states.
func (s State) IsFailure() bool {
	switch s {
	case StateChannelCreationFailed, StateSpawnFailed, StateConnectionFailed:
		return true
	default:
		return false
	}
}
