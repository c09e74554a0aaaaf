package game

// State is a match lifecycle state.
type State string

const (
	StateWaiting         State = "waiting"
	StateMatched         State = "matched"
	StatePaymentRequired State = "payment_required"
	StatePaymentPartial  State = "payment_partial"
	StateActive          State = "active"
	StateCompleted       State = "completed"
	StateCancelled       State = "cancelled"
	StateError           State = "error"
)

var allStates = []State{
	StateWaiting,
	StateMatched,
	StatePaymentRequired,
	StatePaymentPartial,
	StateActive,
	StateCompleted,
	StateCancelled,
	StateError,
}

// AllStates lists every lifecycle state.
func AllStates() []State {
	out := make([]State, len(allStates))
	copy(out, allStates)
	return out
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	for _, known := range allStates {
		if s == known {
			return true
		}
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateError
}

// AwaitingDeposits reports whether the match is inside its deposit window.
func (s State) AwaitingDeposits() bool {
	return s == StatePaymentRequired || s == StatePaymentPartial
}

func (s State) String() string { return string(s) }
