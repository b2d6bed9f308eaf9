package transport

// State is the lifecycle state of a [Session].
type State int

const (
	// Connecting is the initial state. The handshake is in flight.
	Connecting State = iota

	// Connected means the handshake was acknowledged. Packets flow both ways.
	Connected

	// Disconnected is terminal. The channel was closed cleanly, either by the
	// remote side or locally.
	Disconnected

	// Error is terminal. The handshake failed, the remote side violated the
	// protocol, or the transport faulted.
	Error
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// Terminal reports whether s has no outgoing transitions.
func (s State) Terminal() bool {
	return s == Disconnected || s == Error
}

// Change describes one state transition.
type Change struct {
	From State
	To   State

	// Err is the cause when To is Error.
	Err error
}

// trigger is an input to the state machine.
type trigger int

const (
	triggerOpened trigger = iota
	triggerRemoteClose
	triggerFault
	triggerLocalClose
	triggerAbort
)

func (t trigger) String() string {
	switch t {
	case triggerOpened:
		return "opened"
	case triggerRemoteClose:
		return "remote_close"
	case triggerFault:
		return "fault"
	case triggerLocalClose:
		return "local_close"
	case triggerAbort:
		return "abort"
	default:
		return "unknown"
	}
}

// transitions is the complete state machine. Pairs missing from the table are
// ignored, and terminal states have no row at all.
var transitions = map[State]map[trigger]State{
	Connecting: {
		triggerOpened:      Connected,
		triggerRemoteClose: Error,
		triggerFault:       Error,
		triggerLocalClose:  Disconnected,
		triggerAbort:       Error,
	},
	Connected: {
		triggerRemoteClose: Disconnected,
		triggerFault:       Error,
		triggerLocalClose:  Disconnected,
	},
}

// next returns the state reached from s on t, or false if t is not accepted
// in s.
func next(s State, t trigger) (State, bool) {
	to, ok := transitions[s][t]
	return to, ok
}
