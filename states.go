package laneq

// State represents a queue state used to inspect jobs.
// Use the exported constants (StateReady, StateProcessing, StateDelayed)
// instead of raw strings to avoid typos.
type State string

const (
	// StateReady contains jobs waiting to be consumed (LIST).
	StateReady State = "ready"
	// StateProcessing contains jobs currently leased by a consumer (ZSET).
	StateProcessing State = "processing"
	// StateDelayed contains jobs held back by the rate check (ZSET).
	StateDelayed State = "delayed"
)

// AllStates lists every valid queue state in a stable order.
var AllStates = []State{StateReady, StateProcessing, StateDelayed}

// String returns the raw string value of the state.
func (s State) String() string { return string(s) }

// ParseState converts a string into a State, returning an error for unknown values.
func ParseState(s string) (State, error) {
	switch s {
	case string(StateReady):
		return StateReady, nil
	case string(StateProcessing):
		return StateProcessing, nil
	case string(StateDelayed):
		return StateDelayed, nil
	default:
		return "", ErrUnknownState
	}
}
