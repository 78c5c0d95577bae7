package connection

// State is derived from the physical socket; nothing else mutates it.
type State int32

const (
	StateClosed     State = iota // not started, or torn down
	StateConnecting              // socket dialing
	StateOpen                    // socket connected, requests allowed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return "closed"
	}
}

// isValidTransition defines which state changes are legal.
// A connection is single-use: once it leaves Connecting or Open for
// Closed it never comes back.
func isValidTransition(from, to State, started bool) bool {
	switch from {
	case StateClosed:
		return to == StateConnecting && !started
	case StateConnecting:
		return to == StateOpen || to == StateClosed
	case StateOpen:
		return to == StateClosed
	}
	return false
}
