package session

// State is the lifecycle phase of a recognition session.
type State int32

const (
	// StateIdle: no stream is open; Start is the only lifecycle operation
	// with an effect.
	StateIdle State = iota

	// StateStarting: a stream is being opened and preconditions validated.
	StateStarting

	// StateActive: audio is flowing and results are being published.
	StateActive

	// StatePaused: the stream is cancelled but language, context, and
	// vocabulary are retained for Resume.
	StatePaused

	// StateStopping: the stream is being torn down on the way back to idle.
	StateStopping
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateActive:
		return "active"
	case StatePaused:
		return "paused"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// transitions lists the legal successor states of each state.
var transitions = map[State][]State{
	StateIdle:     {StateStarting},
	StateStarting: {StateActive, StateIdle},
	StateActive:   {StatePaused, StateStopping},
	StatePaused:   {StateActive, StateStopping},
	StateStopping: {StateIdle},
}

// CanTransition reports whether moving from one state to another is legal.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
