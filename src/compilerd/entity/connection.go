package entity

import (
	"time"

	"github.com/gofrs/uuid"
)

type keyType string

// ConnectionContextKey indicates the key to be used to identify the connection UUID in the context.
const ConnectionContextKey keyType = "ConnectionUUID"

// Connection entity representing a single client connection.
type Connection struct {
	UUID         uuid.UUID      `json:"uuid" zap:"uuid"`
	ConnectedAt  time.Time      `json:"connectedAt" zap:"connectedAt"`
	KeepAlive    *time.Duration `json:"keepAlive" zap:"-"`
	RequestCount int            `json:"requestCount" zap:"requestCount"`
}

// ServerPhase is the lifecycle phase of the server.
type ServerPhase int

const (
	// PhaseStarting is the phase before the endpoint is bound.
	PhaseStarting ServerPhase = iota
	// PhaseListening is the phase while at least one connection may be served.
	PhaseListening
	// PhaseIdle is the phase while no connection is active and the idle timer runs.
	PhaseIdle
	// PhaseShuttingDown is the phase after shutdown has been requested.
	PhaseShuttingDown
	// PhaseStopped is the terminal phase.
	PhaseStopped
)

// String implements fmt.Stringer.
func (p ServerPhase) String() string {
	switch p {
	case PhaseStarting:
		return "starting"
	case PhaseListening:
		return "listening"
	case PhaseIdle:
		return "idle"
	case PhaseShuttingDown:
		return "shutting-down"
	case PhaseStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ServerState is a point in time view of the server lifecycle.
type ServerState struct {
	Phase             ServerPhase `json:"phase" zap:"phase"`
	ActiveConnections int         `json:"activeConnections" zap:"activeConnections"`
	LastIdle          time.Time   `json:"lastIdle" zap:"lastIdle"`
	EndpointName      string      `json:"endpointName" zap:"endpointName"`
	LockHeld          bool        `json:"lockHeld" zap:"lockHeld"`
}
