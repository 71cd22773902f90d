package session

// This file implements the client-side session state machine used by the
// station bridge terminal. The machine is a pure function over a small
// condition set -- no side effects, no Terminal dependency -- evaluated on
// a periodic tick or on gate status events.
//
// State diagram:
//
//	Default -> Connecting -> Connected -> Handshaking -> Running
//	   ^                                      |   ^          |
//	   |          (30s retry) ----------------+---+          |
//	   +------------------ (key cleared) --------------------+
//
//	any connected state -> Error on gate failure; Error -> Default once
//	the gate recovers.

import (
	"time"

	"github.com/dim-network/godim/internal/gate"
)

// State is a client session lifecycle state.
type State uint8

const (
	// StateDefault means no connection attempt is in flight.
	StateDefault State = iota

	// StateConnecting means the gate is being prepared.
	StateConnecting

	// StateConnected means frames are flowing but no handshake happened.
	StateConnected

	// StateHandshaking means the handshake offer is outstanding.
	StateHandshaking

	// StateRunning means the handshake was accepted.
	StateRunning

	// StateError means the gate reported a failure.
	StateError
)

// String returns the human-readable state name.
func (s State) String() string {
	switch s {
	case StateDefault:
		return "default"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateHandshaking:
		return "handshaking"
	case StateRunning:
		return "running"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// handshakeTimeout is how long the machine stays in Handshaking before
// falling back to Connected for a retry.
const handshakeTimeout = 30 * time.Second

// StateInput is the condition snapshot the machine is evaluated against.
type StateInput struct {
	// HasUser reports whether a local user identifier is configured.
	HasUser bool

	// GateStatus is the current transport gate status.
	GateStatus gate.Status

	// HasKey reports whether a session key was accepted by the station.
	HasKey bool

	// TimeInState is how long the machine has been in the current state.
	TimeInState time.Duration
}

// NextState evaluates one transition. It returns the current state when no
// transition applies; callers compare against the input state to detect a
// change and run the entry action (send handshake, broadcast documents).
func NextState(current State, in StateInput) State {
	// Gate failure preempts everything; Default is not connected, so an
	// error cannot occur there.
	if in.GateStatus == gate.StatusError {
		if current == StateDefault {
			return StateDefault
		}
		return StateError
	}

	switch current {
	case StateDefault:
		if in.HasUser && (in.GateStatus == gate.StatusPreparing || in.GateStatus == gate.StatusReady) {
			return StateConnecting
		}
	case StateConnecting:
		if in.GateStatus == gate.StatusReady {
			return StateConnected
		}
	case StateConnected:
		if !in.HasKey {
			return StateHandshaking
		}
		// Key already present (fast reconnect): skip straight to Running.
		return StateRunning
	case StateHandshaking:
		if in.HasKey {
			return StateRunning
		}
		if in.TimeInState > handshakeTimeout && in.GateStatus == gate.StatusReady {
			return StateConnected
		}
	case StateRunning:
		if !in.HasKey {
			// Session key cleared: user switch, start over.
			return StateDefault
		}
	case StateError:
		return StateDefault
	}
	return current
}
