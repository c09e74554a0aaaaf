package game

import (
	"errors"
	"fmt"
)

var (
	ErrMatchNotFound    = errors.New("match not found")
	ErrVersionConflict  = errors.New("match was modified concurrently")
	ErrNotAPlayer       = errors.New("wallet is not a player in this match")
	ErrOutcomeImmutable = errors.New("match already has a different outcome")
	ErrSelfMatch        = errors.New("a wallet cannot be matched against itself")
	ErrInvalidOutcome   = errors.New("invalid outcome")
)

// IllegalTransitionError is the expected rejection when a transition's guard
// does not hold, usually because another actor moved the match first.
type IllegalTransitionError struct {
	MatchID string
	From    State
	To      State
	Reason  string
}

func (e *IllegalTransitionError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("match %s: illegal transition %s -> %s", e.MatchID, e.From, e.To)
	}
	return fmt.Sprintf("match %s: illegal transition %s -> %s: %s", e.MatchID, e.From, e.To, e.Reason)
}

// DataIntegrityError means a match violates a structural invariant. It is
// never retried and never repaired automatically.
type DataIntegrityError struct {
	MatchID   string
	State     State
	Violation string
}

func (e *DataIntegrityError) Error() string {
	return fmt.Sprintf("match %s in state %s violates integrity: %s", e.MatchID, e.State, e.Violation)
}

// IsIllegalTransition reports whether err wraps an IllegalTransitionError.
func IsIllegalTransition(err error) bool {
	var target *IllegalTransitionError
	return errors.As(err, &target)
}

// IsDataIntegrity reports whether err wraps a DataIntegrityError.
func IsDataIntegrity(err error) bool {
	var target *DataIntegrityError
	return errors.As(err, &target)
}
