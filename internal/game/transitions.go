package game

import (
	"time"
)

type guard func(m *Match, now time.Time) string

func always(*Match, time.Time) string { return "" }

// table maps from -> to -> guard. A guard returns "" when it holds, otherwise
// the reason it does not.
var table = map[State]map[State]guard{
	StateWaiting: {
		StateMatched: func(m *Match, _ time.Time) string {
			if m.PlayerB == "" {
				return "second player missing"
			}
			if m.PlayerB == m.PlayerA {
				return "self-match"
			}
			return ""
		},
		StateCancelled: always,
	},
	StateMatched: {
		StatePaymentRequired: always,
		StateCancelled:       always,
	},
	StatePaymentRequired: {
		StatePaymentPartial: exactlyOneDeposit,
		StateActive:         bothDeposits,
		StateCancelled:      deadlineElapsed,
	},
	StatePaymentPartial: {
		StateActive:    bothDeposits,
		StateCancelled: deadlineElapsed,
	},
	// An active match leaves only through an outcome or the error state.
	StateActive: {
		StateCompleted: func(m *Match, _ time.Time) string {
			if m.Outcome == nil {
				return "no outcome attached"
			}
			return ""
		},
	},
}

func exactlyOneDeposit(m *Match, _ time.Time) string {
	if m.DepositCount() != 1 {
		return "exactly one deposit required"
	}
	return ""
}

func bothDeposits(m *Match, _ time.Time) string {
	if !m.DepositA || !m.DepositB {
		return "both deposits required"
	}
	return ""
}

func deadlineElapsed(m *Match, now time.Time) string {
	if !m.DeadlineElapsed(now) {
		return "deposit deadline not reached"
	}
	return ""
}

func check(from, to State, m *Match, now time.Time) string {
	if m == nil {
		return "no match"
	}
	if to == StateError {
		if from.Terminal() {
			return "source state is terminal"
		}
		return ""
	}
	g, ok := table[from][to]
	if !ok {
		return "not in transition table"
	}
	return g(m, now)
}

// CanTransition reports whether m may move from one state to another at now.
// It has no side effects.
func CanTransition(from, to State, m *Match, now time.Time) bool {
	return check(from, to, m, now) == ""
}

// Transition moves m to the target state in place, or returns an
// *IllegalTransitionError and leaves m untouched.
func Transition(m *Match, to State, now time.Time) error {
	var id string
	var from State
	if m != nil {
		id, from = m.ID, m.State
	}
	if reason := check(from, to, m, now); reason != "" {
		return &IllegalTransitionError{MatchID: id, From: from, To: to, Reason: reason}
	}

	m.State = to
	m.UpdatedAt = now
	if to == StateActive && m.GameStartTime == nil {
		start := now
		m.GameStartTime = &start
	}
	return nil
}

// ValidateState checks the structural invariants of m for its current state.
func ValidateState(m *Match) error {
	if m == nil {
		return &DataIntegrityError{Violation: "nil match"}
	}
	fail := func(v string) error {
		return &DataIntegrityError{MatchID: m.ID, State: m.State, Violation: v}
	}

	if m.ID == "" {
		return fail("missing id")
	}
	if !m.State.Valid() {
		return fail("unknown state")
	}
	if m.State == StateError {
		// Quarantined matches are kept as found.
		return nil
	}
	if m.PlayerA == "" {
		return fail("missing player A")
	}
	if m.StakeTier == "" {
		return fail("missing stake tier")
	}
	if m.PlayerB != "" && m.PlayerB == m.PlayerA {
		return fail("self-match")
	}
	if m.PlayerB == "" && (m.DepositB || (m.State != StateWaiting && m.State != StateCancelled)) {
		return fail("second player missing")
	}
	if m.State == StateWaiting && m.PlayerB != "" {
		return fail("waiting match already has a second player")
	}
	if m.Outcome != nil {
		if err := m.Outcome.Validate(m); err != nil {
			return fail(err.Error())
		}
	}

	switch m.State {
	case StateWaiting, StateMatched, StatePaymentRequired:
		if m.DepositCount() != 0 {
			return fail("deposits recorded before payment window")
		}
		if m.Outcome != nil || m.GameStartTime != nil {
			return fail("game data present before start")
		}
	case StatePaymentPartial:
		if m.DepositCount() != 1 {
			return fail("partial payment needs exactly one deposit")
		}
		if m.Outcome != nil || m.GameStartTime != nil {
			return fail("game data present before start")
		}
	case StateActive:
		if !m.DepositA || !m.DepositB {
			return fail("active match without both deposits")
		}
		if m.GameStartTime == nil {
			return fail("active match without game start time")
		}
	case StateCompleted:
		if m.Outcome == nil {
			return fail("completed match without outcome")
		}
		if !m.DepositA || !m.DepositB || m.GameStartTime == nil {
			return fail("completed match never started")
		}
	case StateCancelled:
		if m.Outcome != nil {
			return fail("cancelled match carries an outcome")
		}
	}
	return nil
}
