// Package connection implements the per-connection lifecycle: a state
// machine owning one external broker connection, the isolator that keeps
// blocking driver calls off the machine's control loop, the supervisor for
// the workers depending on an established connection, and the status
// reporter translating driver health events into typed reports.
package connection

import (
	"broker-bridge/internal/stats"
)

// State is the lifecycle phase of a connection.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateConnecting    State = "connecting"
	StateConnected     State = "connected"
	StateDisconnecting State = "disconnecting"
	StateTesting       State = "testing"
	StateFailed        State = "failed"
)

// ConnectivityStatus is the externally reported connection status, distinct
// from the lifecycle phase: a connected machine whose driver reports trouble
// is phase connected but status failed until the report clears.
type ConnectivityStatus string

const (
	StatusOpen   ConnectivityStatus = "open"
	StatusClosed ConnectivityStatus = "closed"
	StatusFailed ConnectivityStatus = "failed"
)

// Status pairs the reported status with human-readable detail text.
type Status struct {
	Connectivity ConnectivityStatus
	Detail       string
}

// Result answers a lifecycle command. A nil Err means success.
type Result struct {
	Err error
}

// Origin is the optional reply target of a command; nil means
// fire-and-forget. Callers should pass a buffered channel.
type Origin chan<- Result

type commandKind string

const (
	kindTest       commandKind = "test"
	kindConnect    commandKind = "connect"
	kindDisconnect commandKind = "disconnect"
)

// Snapshot is a point-in-time view of the machine, answered from inside the
// control loop so it is always consistent.
type Snapshot struct {
	ID            string
	State         State
	Status        Status
	Consumers     []string
	ActiveWorkers int
	Stats         stats.Snapshot
}
