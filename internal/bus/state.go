package bus

// State is the gateway's connection lifecycle state.
//
//	Disconnected -> Connecting -> Connected
//	Connected -> Reconnecting -> Connected | FatalDisconnected
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFatalDisconnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFatalDisconnected:
		return "fatal_disconnected"
	}
	return "unknown"
}

// ValidTransition reports whether moving from one state to another is a
// legal lifecycle step.
func ValidTransition(from, to State) bool {
	switch from {
	case StateDisconnected:
		return to == StateConnecting
	case StateConnecting:
		return to == StateConnected || to == StateFatalDisconnected
	case StateConnected:
		return to == StateReconnecting || to == StateDisconnected
	case StateReconnecting:
		return to == StateConnected || to == StateFatalDisconnected || to == StateDisconnected
	}
	return false
}
