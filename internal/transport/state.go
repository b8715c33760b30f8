package transport

// State is the lifecycle state of the transport client.
type State int

const (
	// StateIdle means no call has been started yet.
	StateIdle State = iota

	// StateConnecting covers credential exchange, dialing, and session
	// configuration, including the wait before a reconnect attempt.
	StateConnecting

	// StateConnected means the session is configured and audio may flow.
	StateConnected

	// StateSpeaking means the local VAD currently hears the user.
	StateSpeaking

	// StateListening means the user paused after speaking.
	StateListening

	// StateDisconnected means the call ended, locally or remotely, or the
	// reconnect budget ran out.
	StateDisconnected

	// StateError means the call failed with an unrecoverable error.
	StateError
)

// String returns the lower-case name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateSpeaking:
		return "speaking"
	case StateListening:
		return "listening"
	case StateDisconnected:
		return "disconnected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Live reports whether a call is in progress in this state.
func (s State) Live() bool {
	switch s {
	case StateConnecting, StateConnected, StateSpeaking, StateListening:
		return true
	}
	return false
}

// Open reports whether the transport is configured and can carry audio.
func (s State) Open() bool {
	switch s {
	case StateConnected, StateSpeaking, StateListening:
		return true
	}
	return false
}

// validTransition is the complete transition table. Any pair not listed is
// rejected.
func validTransition(from, to State) bool {
	switch to {
	case StateConnecting:
		// Start from rest, or reconnect after an unexpected close.
		return from == StateIdle || from == StateDisconnected || from == StateError || from.Open()
	case StateConnected:
		return from == StateConnecting
	case StateSpeaking:
		return from == StateConnected || from == StateListening
	case StateListening:
		return from == StateSpeaking
	case StateDisconnected:
		return from.Live()
	case StateError:
		return from != StateIdle && from != StateError
	}
	return false
}
