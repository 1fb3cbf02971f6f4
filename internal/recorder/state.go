package recorder

// State is a recording lifecycle state.
type State int

const (
	StateIdle State = iota
	StateArmed
	StateRecording
	StateFinalizing
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateArmed:
		return "armed"
	case StateRecording:
		return "recording"
	case StateFinalizing:
		return "finalizing"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// transitions lists the legal successors of each state. Armed goes to
// Stopped directly only when devices fail to open and there is nothing to
// finalize; Idle goes to Stopped when the session ends before it starts.
var transitions = map[State][]State{
	StateIdle:       {StateArmed, StateStopped},
	StateArmed:      {StateRecording, StateFinalizing, StateStopped},
	StateRecording:  {StateFinalizing},
	StateFinalizing: {StateStopped},
}

// CanTransition reports whether s may move to next.
func (s State) CanTransition(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return len(transitions[s]) == 0
}
