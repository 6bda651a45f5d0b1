package network

// State is the lifecycle state of a Connection.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateChallenged
	StateReady
	StateFailed
)

var stateStrings = map[State]string{
	StateDisconnected: "disconnected",
	StateConnecting:   "connecting",
	StateChallenged:   "challenged",
	StateReady:        "ready",
	StateFailed:       "failed",
}

// String returns the string representation of State.
func (s State) String() string {
	if str, ok := stateStrings[s]; ok {
		return str
	}
	return "unknown"
}

// MarshalJSON serializes State as a JSON string (e.g. "ready").
func (s State) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// transitions lists the legal successor states. Failed is terminal.
var transitions = map[State][]State{
	StateDisconnected: {StateConnecting, StateFailed},
	StateConnecting:   {StateChallenged, StateFailed, StateDisconnected},
	StateChallenged:   {StateReady, StateFailed, StateDisconnected},
	StateReady:        {StateReady, StateFailed, StateDisconnected},
	StateFailed:       {},
}

// CanTransition reports whether from → to is a legal transition.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// transition records a state change to report to observers.
type transition struct {
	from, to State
	changed  bool
}
