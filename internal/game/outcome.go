package game

import "fmt"

// OutcomeKind tags an Outcome.
type OutcomeKind string

const (
	OutcomeDecisiveWin OutcomeKind = "decisive_win"
	OutcomeWinningTie  OutcomeKind = "winning_tie"
	OutcomeLosingTie   OutcomeKind = "losing_tie"
	OutcomeTimeout     OutcomeKind = "timeout"
	OutcomeError       OutcomeKind = "error"
)

// Action is the financial conclusion an outcome leads to.
type Action string

const (
	ActionPayout Action = "payout"
	ActionRefund Action = "refund"
)

// Outcome is how a duel ended. Only DecisiveWin carries a winner.
type Outcome struct {
	Kind   OutcomeKind `json:"kind"`
	Winner string      `json:"winner,omitempty"`
}

func DecisiveWin(winner string) Outcome { return Outcome{Kind: OutcomeDecisiveWin, Winner: winner} }
func WinningTie() Outcome               { return Outcome{Kind: OutcomeWinningTie} }
func LosingTie() Outcome                { return Outcome{Kind: OutcomeLosingTie} }
func Timeout() Outcome                  { return Outcome{Kind: OutcomeTimeout} }
func ErrorOutcome() Outcome             { return Outcome{Kind: OutcomeError} }

// Action maps the outcome to payout or refund.
func (o Outcome) Action() Action {
	switch o.Kind {
	case OutcomeDecisiveWin, OutcomeWinningTie:
		return ActionPayout
	default:
		return ActionRefund
	}
}

// Validate checks the outcome's shape against the match it is attached to.
func (o Outcome) Validate(m *Match) error {
	switch o.Kind {
	case OutcomeDecisiveWin:
		if o.Winner == "" {
			return fmt.Errorf("%w: decisive win needs a winner", ErrInvalidOutcome)
		}
		if m != nil && !m.IsPlayer(o.Winner) {
			return fmt.Errorf("%w: winner %s is not a player in match %s", ErrInvalidOutcome, o.Winner, m.ID)
		}
	case OutcomeWinningTie, OutcomeLosingTie, OutcomeTimeout, OutcomeError:
		if o.Winner != "" {
			return fmt.Errorf("%w: %s outcome cannot name a winner", ErrInvalidOutcome, o.Kind)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidOutcome, o.Kind)
	}
	return nil
}

// ParseOutcome builds an Outcome from its wire parts.
func ParseOutcome(kind, winner string) (Outcome, error) {
	o := Outcome{Kind: OutcomeKind(kind), Winner: winner}
	if err := o.Validate(nil); err != nil {
		return Outcome{}, err
	}
	return o, nil
}
