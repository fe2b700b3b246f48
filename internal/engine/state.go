// Package engine supervises the external VPN engine process. It owns the
// process lifecycle, validates configuration before launch, and is the
// single source of truth for whether the tunnel is up.
package engine

import "time"

// LifecycleState represents the current state of the supervised engine.
type LifecycleState string

const (
	// StateUninitialized indicates the supervisor has not been prepared yet.
	StateUninitialized LifecycleState = "uninitialized"
	// StateInitialized indicates the engine executable was located and the
	// supervisor is ready to start the process.
	StateInitialized LifecycleState = "initialized"
	// StateStarting indicates the engine process is launching and has not
	// reported readiness yet.
	StateStarting LifecycleState = "starting"
	// StateRunning indicates the engine process is up and responsive.
	StateRunning LifecycleState = "running"
	// StateStopping indicates a termination request is in progress.
	StateStopping LifecycleState = "stopping"
	// StateStopped indicates the engine process has exited.
	StateStopped LifecycleState = "stopped"
)

// IsRunning returns true if the state represents a live engine process.
func (s LifecycleState) IsRunning() bool {
	return s == StateRunning
}

// CanStart returns true if a new engine process can be launched from this state.
func (s LifecycleState) CanStart() bool {
	return s == StateInitialized || s == StateStopped
}

// CanStop returns true if the engine process can be terminated from this state.
func (s LifecycleState) CanStop() bool {
	return s == StateStarting || s == StateRunning
}

// validTransitions defines the allowed state transitions.
var validTransitions = map[LifecycleState][]LifecycleState{
	StateUninitialized: {
		StateInitialized,
	},
	StateInitialized: {
		StateStarting,
	},
	StateStarting: {
		StateRunning,
		StateStopping,
		StateStopped, // Startup failure or early process exit
	},
	StateRunning: {
		StateStopping,
		StateStopped, // Crash detection path
	},
	StateStopping: {
		StateStopped,
	},
	StateStopped: {
		StateStarting,
	},
}

// IsValidTransition checks if transitioning from one state to another is allowed.
func IsValidTransition(from, to LifecycleState) bool {
	allowed, ok := validTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// AllStates returns all possible lifecycle states.
func AllStates() []LifecycleState {
	return []LifecycleState{
		StateUninitialized,
		StateInitialized,
		StateStarting,
		StateRunning,
		StateStopping,
		StateStopped,
	}
}

// Status is a snapshot of the engine's observable state. It is owned by the
// supervisor and handed out by value; callers never mutate it.
type Status struct {
	// SessionID identifies the current (or most recent) engine launch.
	SessionID string
	// State is the current lifecycle state.
	State LifecycleState
	// IsRunning reports whether the engine process is alive and responsive.
	IsRunning bool
	// LastError is the most recent error classification, ErrNone if healthy.
	LastError ErrorKind
	// ErrorMessage is a human-readable description of LastError.
	ErrorMessage string
	// StartedAt is when the current session's process reported readiness.
	// Zero when the engine has never run or is stopped.
	StartedAt time.Time
}

// Counters holds raw cumulative traffic counters read from the engine's
// reporting surface. Byte and packet counts are monotonically non-decreasing
// while a single engine process runs; a process restart resets them.
type Counters struct {
	BytesReceived   uint64
	BytesSent       uint64
	PacketsReceived uint64
	PacketsSent     uint64

	// Duration is the time elapsed since the engine reported readiness.
	Duration time.Duration
	// Timestamp is when these counters were read.
	Timestamp time.Time
}
