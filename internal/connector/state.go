// Package connector owns the client side of a multiplayer session: the
// connect/handshake state machine with its read loop and heartbeat, the
// dispatcher that hands inbound messages to the frame loop, and the
// supervisor that reconnects with backoff.
package connector

// State is the connection lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateHandshaking
	StateConnected
)

var stateStrings = map[State]string{
	StateDisconnected: "disconnected",
	StateConnecting:   "connecting",
	StateHandshaking:  "handshaking",
	StateConnected:    "connected",
}

// String returns the lowercase state name.
func (s State) String() string {
	if str, ok := stateStrings[s]; ok {
		return str
	}
	return "unknown"
}

// MarshalJSON serializes State as a JSON string (e.g. "connected").
func (s State) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}
