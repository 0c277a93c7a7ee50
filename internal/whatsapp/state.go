package whatsapp

// State is the lifecycle position of a session's connection.
type State string

const (
	StateCreated          State = "created"
	StateChallengePending State = "challenge_pending"
	StateReady            State = "ready"
	StateDisconnected     State = "disconnected"
)

// transitions lists the states reachable from each state through adapter events.
// Ready only ever leaves through a disconnect.
var transitions = map[State]map[State]bool{
	StateCreated:          {StateChallengePending: true, StateReady: true, StateDisconnected: true},
	StateChallengePending: {StateChallengePending: true, StateReady: true, StateDisconnected: true},
	StateReady:            {StateDisconnected: true},
	StateDisconnected:     {StateChallengePending: true, StateReady: true},
}

// CanTransition reports whether an event may move a session from s to next.
func (s State) CanTransition(next State) bool {
	return transitions[s][next]
}

// targetState maps an event to the state it drives the session into.
func targetState(k EventKind) (State, bool) {
	switch k {
	case EventChallenge:
		return StateChallengePending, true
	case EventReady:
		return StateReady, true
	case EventDisconnected:
		return StateDisconnected, true
	default:
		return "", false
	}
}
