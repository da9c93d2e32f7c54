package session

// State is a call session lifecycle state.
type State string

const (
	StateIdle      State = "Idle"
	StateDialed    State = "Dialed"
	StateInitiated State = "Initiated"
	StateAnswered  State = "Answered"
	StateStreaming State = "Streaming"
	StateEnded     State = "Ended"
	StateError     State = "Error"
)

func (s State) String() string {
	return string(s)
}

// InCall reports whether a call is between a successful dial and hangup.
func (s State) InCall() bool {
	switch s {
	case StateDialed, StateInitiated, StateAnswered, StateStreaming:
		return true
	}
	return false
}

// CanDial reports whether a new call may be placed from s.
func (s State) CanDial() bool {
	return s == StateIdle || s == StateEnded
}
