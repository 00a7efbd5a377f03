// Package server defines the session lifecycle states and utility helpers
// shared by the session pumps and the HTTP handlers.
package server

import (
	"fmt"
	"strings"
)

// State is the lifecycle state of a Session.
type State int

const (
	// StateConnecting is entered on handshake, before authentication.
	StateConnecting State = iota
	// StateAuthenticated means the credential resolved to an identity.
	StateAuthenticated
	// StateActive means the session is attached to its audiences and
	// registered as present. Only Active sessions process events.
	StateActive
	// StateClosed is terminal.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// canTransition lists the legal edges of the session state machine.
func canTransition(from, to State) bool {
	switch from {
	case StateConnecting:
		return to == StateAuthenticated || to == StateClosed
	case StateAuthenticated:
		return to == StateActive || to == StateClosed
	case StateActive:
		return to == StateClosed
	default:
		return false
	}
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
