package game

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/playmatatu/wordduel/internal/lock"
	"github.com/playmatatu/wordduel/internal/notify"
)

// Repository is the narrow durable store for matches.
type Repository interface {
	GetMatch(ctx context.Context, id string) (*Match, error)
	// SaveMatch inserts a match with Version 0 and otherwise updates it only
	// if the stored version still equals m.Version. On success m.Version is
	// advanced. A stale version yields ErrVersionConflict.
	SaveMatch(ctx context.Context, m *Match) error
	// FindMatchByWallet returns the most recent non-terminal match the
	// wallet plays in, or ErrMatchNotFound.
	FindMatchByWallet(ctx context.Context, wallet string) (*Match, error)
	// ListOverdue returns matches still awaiting deposits whose deadline is
	// at or before now.
	ListOverdue(ctx context.Context, now time.Time, limit int) ([]*Match, error)
	// ListUnarchived returns unarchived matches in any of the given states.
	ListUnarchived(ctx context.Context, states []State, limit int) ([]*Match, error)
	ArchiveMatch(ctx context.Context, id string, at time.Time) error
}

// Scheduler enqueues the settlement work that follows a transition.
type Scheduler interface {
	SchedulePayout(ctx context.Context, matchID string) error
	ScheduleRefund(ctx context.Context, matchID string) error
	ScheduleCleanup(ctx context.Context, matchID string) error
}

// Options tunes a Manager.
type Options struct {
	DepositDeadline time.Duration
	LockAttempts    int
	LockBackoff     time.Duration
	SweepBatch      int
	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}

// Manager applies lifecycle transitions to persisted matches. Every mutation
// holds the match's settlement lock from read to durable write.
type Manager struct {
	repo      Repository
	locks     *lock.Locker
	sink      notify.Sink
	scheduler Scheduler
	opts      Options
	log       *logrus.Entry
	now       func() time.Time
}

// NewManager wires a Manager. locks must be a settlement-family Locker.
func NewManager(repo Repository, locks *lock.Locker, sink notify.Sink, opts Options, logger *logrus.Entry) *Manager {
	if opts.LockAttempts < 1 {
		opts.LockAttempts = 5
	}
	if opts.LockBackoff <= 0 {
		opts.LockBackoff = 100 * time.Millisecond
	}
	if opts.SweepBatch <= 0 {
		opts.SweepBatch = 100
	}
	if sink == nil {
		sink = notify.Discard{}
	}
	now := opts.Clock
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Manager{
		repo:  repo,
		locks: locks,
		sink:  sink,
		opts:  opts,
		log:   logger.WithField("component", "lifecycle"),
		now:   now,
	}
}

// SetScheduler attaches the settlement scheduler. The job queue is built
// after the Manager, so this is not a constructor argument.
func (m *Manager) SetScheduler(s Scheduler) {
	m.scheduler = s
}

// errUnchanged tells mutate the match is already in the requested shape.
var errUnchanged = errors.New("unchanged")

type mutation func(next *Match, now time.Time) ([]notify.Event, error)

// mutate runs fn under the match's settlement lock: read, validate, clone,
// apply, validate, save. Events are published after the lock is released.
func (m *Manager) mutate(ctx context.Context, id string, validateRead bool, fn mutation) (*Match, error) {
	var (
		result *Match
		events []notify.Event
	)

	err := m.locks.WithLockRetry(ctx, lock.SettlementKey(id), m.opts.LockAttempts, m.opts.LockBackoff, func(ctx context.Context) error {
		current, err := m.repo.GetMatch(ctx, id)
		if err != nil {
			return err
		}
		if validateRead {
			if err := ValidateState(current); err != nil {
				m.alertIntegrity(current, err)
				return err
			}
		}

		now := m.now()
		next := current.Clone()
		evs, err := fn(next, now)
		if errors.Is(err, errUnchanged) {
			result = current
			return nil
		}
		if err != nil {
			return err
		}
		if err := ValidateState(next); err != nil {
			m.alertIntegrity(next, err)
			return err
		}
		next.UpdatedAt = now
		if err := m.repo.SaveMatch(ctx, next); err != nil {
			return err
		}
		result = next
		events = evs
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, ev := range events {
		m.publish(ctx, result, ev)
	}
	return result, nil
}

func (m *Manager) publish(ctx context.Context, match *Match, ev notify.Event) {
	if ev.MatchID == "" {
		ev.MatchID = match.ID
	}
	if len(ev.Wallets) == 0 {
		ev.Wallets = match.Players()
	}
	if ev.Payload == nil {
		ev.Payload = map[string]interface{}{}
	}
	ev.Payload["state"] = string(match.State)
	if ev.At.IsZero() {
		ev.At = m.now()
	}
	m.sink.Publish(ctx, ev)
}

func (m *Manager) alertIntegrity(match *Match, err error) {
	fields := logrus.Fields{"alert": true}
	if match != nil {
		fields["match_id"] = match.ID
		fields["state"] = match.State
	}
	m.log.WithFields(fields).WithError(err).Error("match failed integrity validation")
}

// CreateMatch records a freshly paired match in payment_required.
func (m *Manager) CreateMatch(ctx context.Context, playerA, playerB, tier string) (*Match, error) {
	if playerA == playerB {
		return nil, ErrSelfMatch
	}
	now := m.now()
	match := &Match{
		ID:        uuid.NewString(),
		PlayerA:   playerA,
		StakeTier: tier,
		State:     StateWaiting,
		CreatedAt: now,
		UpdatedAt: now,
	}
	match.PlayerB = playerB
	for _, to := range []State{StateMatched, StatePaymentRequired} {
		if err := Transition(match, to, now); err != nil {
			return nil, err
		}
	}
	match.ExpiresAt = now.Add(m.opts.DepositDeadline)
	if err := ValidateState(match); err != nil {
		return nil, err
	}
	if err := m.repo.SaveMatch(ctx, match); err != nil {
		return nil, fmt.Errorf("save new match: %w", err)
	}

	m.log.WithFields(logrus.Fields{
		"match_id": match.ID, "player_a": playerA, "player_b": playerB, "tier": tier,
	}).Info("match created")
	m.publish(ctx, match, notify.Event{
		Type:    notify.EventMatchCreated,
		Payload: map[string]interface{}{"stake_tier": tier, "expires_at": match.ExpiresAt},
	})
	return match, nil
}

// Get reads a match and validates it.
func (m *Manager) Get(ctx context.Context, id string) (*Match, error) {
	match, err := m.repo.GetMatch(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := ValidateState(match); err != nil {
		m.alertIntegrity(match, err)
		return match, err
	}
	return match, nil
}

// FindByWallet returns the wallet's live match.
func (m *Manager) FindByWallet(ctx context.Context, wallet string) (*Match, error) {
	match, err := m.repo.FindMatchByWallet(ctx, wallet)
	if err != nil {
		return nil, err
	}
	if err := ValidateState(match); err != nil {
		m.alertIntegrity(match, err)
		return match, err
	}
	return match, nil
}

// ConfirmDeposit records a verified deposit and advances the match. A deposit
// that lands after the deadline is still recorded and the match is cancelled
// so the refund covers it. Repeat confirmations are no-ops.
func (m *Manager) ConfirmDeposit(ctx context.Context, id, wallet string) (*Match, error) {
	cancelled := false
	match, err := m.mutate(ctx, id, true, func(next *Match, now time.Time) ([]notify.Event, error) {
		if !next.IsPlayer(wallet) {
			return nil, ErrNotAPlayer
		}
		if next.HasDeposited(wallet) {
			return nil, errUnchanged
		}
		if !next.State.AwaitingDeposits() {
			return nil, &IllegalTransitionError{MatchID: next.ID, From: next.State, To: StatePaymentPartial, Reason: "match is not accepting deposits"}
		}

		if wallet == next.PlayerA {
			next.DepositA = true
		} else {
			next.DepositB = true
		}
		deposit := notify.Event{Type: notify.EventDepositConfirmed, Payload: map[string]interface{}{"wallet": wallet}}

		if next.DeadlineElapsed(now) {
			next.Reason = "deposit deadline elapsed"
			if err := Transition(next, StateCancelled, now); err != nil {
				return nil, err
			}
			cancelled = true
			return []notify.Event{deposit, {Type: notify.EventMatchCancelled, Payload: map[string]interface{}{"reason": next.Reason}}}, nil
		}

		if next.DepositA && next.DepositB {
			if err := Transition(next, StateActive, now); err != nil {
				return nil, err
			}
			return []notify.Event{deposit, {Type: notify.EventMatchStarted, Payload: map[string]interface{}{"game_start_time": next.GameStartTime}}}, nil
		}
		if next.State == StatePaymentRequired {
			if err := Transition(next, StatePaymentPartial, now); err != nil {
				return nil, err
			}
		}
		return []notify.Event{deposit}, nil
	})
	if err != nil {
		return nil, err
	}
	if cancelled {
		m.scheduleAfterCancel(ctx, match)
	}
	return match, nil
}

// AttachOutcome sets the immutable outcome on an active match and schedules
// its payout or refund. Re-attaching the same outcome is a no-op.
func (m *Manager) AttachOutcome(ctx context.Context, id string, outcome Outcome) (*Match, error) {
	match, err := m.mutate(ctx, id, true, func(next *Match, now time.Time) ([]notify.Event, error) {
		if next.Outcome != nil {
			if *next.Outcome == outcome {
				return nil, errUnchanged
			}
			return nil, ErrOutcomeImmutable
		}
		if next.State != StateActive {
			return nil, &IllegalTransitionError{MatchID: next.ID, From: next.State, To: StateCompleted, Reason: "outcome can only be attached to an active match"}
		}
		if err := outcome.Validate(next); err != nil {
			return nil, err
		}
		o := outcome
		next.Outcome = &o
		return []notify.Event{{
			Type:    notify.EventOutcomeAttached,
			Payload: map[string]interface{}{"outcome": o.Kind, "winner": o.Winner, "action": o.Action()},
		}}, nil
	})
	if err != nil {
		return nil, err
	}
	if match.State == StateActive && match.Outcome != nil {
		m.scheduleSettlement(ctx, match)
	}
	return match, nil
}

// Complete moves an active match with an outcome to completed once its funds
// have been disbursed.
func (m *Manager) Complete(ctx context.Context, id, txRef string) (*Match, error) {
	match, err := m.mutate(ctx, id, true, func(next *Match, now time.Time) ([]notify.Event, error) {
		if next.State == StateCompleted {
			return nil, errUnchanged
		}
		if err := Transition(next, StateCompleted, now); err != nil {
			return nil, err
		}
		next.SettlementTx = txRef
		payload := map[string]interface{}{"tx_ref": txRef, "outcome": next.Outcome.Kind, "action": next.Outcome.Action()}
		if next.Outcome.Winner != "" {
			payload["winner"] = next.Outcome.Winner
		}
		return []notify.Event{{Type: notify.EventMatchCompleted, Payload: payload}}, nil
	})
	if err != nil {
		return nil, err
	}
	m.schedule(ctx, match.ID, jobCleanup)
	return match, nil
}

// RecordRefund stores the refund transaction of a cancelled match.
func (m *Manager) RecordRefund(ctx context.Context, id, txRef string) (*Match, error) {
	match, err := m.mutate(ctx, id, true, func(next *Match, now time.Time) ([]notify.Event, error) {
		if next.State != StateCancelled {
			return nil, &IllegalTransitionError{MatchID: next.ID, From: next.State, To: StateCancelled, Reason: "refund recorded on a match that is not cancelled"}
		}
		if next.SettlementTx != "" {
			return nil, errUnchanged
		}
		next.SettlementTx = txRef
		return []notify.Event{{Type: notify.EventRefundIssued, Payload: map[string]interface{}{"tx_ref": txRef}}}, nil
	})
	if err != nil {
		return nil, err
	}
	m.schedule(ctx, match.ID, jobCleanup)
	return match, nil
}

// Cancel cancels a match if the lifecycle allows it at this moment.
func (m *Manager) Cancel(ctx context.Context, id, reason string) (*Match, error) {
	changed := false
	match, err := m.mutate(ctx, id, true, func(next *Match, now time.Time) ([]notify.Event, error) {
		if next.State == StateCancelled {
			return nil, errUnchanged
		}
		if err := Transition(next, StateCancelled, now); err != nil {
			return nil, err
		}
		next.Reason = reason
		changed = true
		return []notify.Event{{Type: notify.EventMatchCancelled, Payload: map[string]interface{}{"reason": reason}}}, nil
	})
	if err != nil {
		return nil, err
	}
	if changed {
		m.log.WithFields(logrus.Fields{"match_id": id, "reason": reason}).Info("match cancelled")
		m.scheduleAfterCancel(ctx, match)
	}
	return match, nil
}

// MarkError quarantines a match. The stored record is not validated first,
// since an integrity failure is the usual reason to get here.
func (m *Manager) MarkError(ctx context.Context, id string, cause error) (*Match, error) {
	reason := "unrecoverable error"
	if cause != nil {
		reason = cause.Error()
	}
	match, err := m.mutate(ctx, id, false, func(next *Match, now time.Time) ([]notify.Event, error) {
		if next.State == StateError {
			return nil, errUnchanged
		}
		if err := Transition(next, StateError, now); err != nil {
			return nil, err
		}
		next.Reason = reason
		return []notify.Event{{Type: notify.EventMatchError, Payload: map[string]interface{}{"reason": reason}}}, nil
	})
	if err != nil {
		return nil, err
	}
	m.log.WithFields(logrus.Fields{"match_id": id, "alert": true}).WithError(cause).Error("match moved to error state, manual recovery required")
	return match, nil
}

// Archive stamps archivedAt on a terminal match.
func (m *Manager) Archive(ctx context.Context, id string) error {
	match, err := m.repo.GetMatch(ctx, id)
	if err != nil {
		return err
	}
	if !match.State.Terminal() {
		return &IllegalTransitionError{MatchID: id, From: match.State, To: match.State, Reason: "only terminal matches can be archived"}
	}
	if match.ArchivedAt != nil {
		return nil
	}
	now := m.now()
	if err := m.repo.ArchiveMatch(ctx, id, now); err != nil {
		return err
	}
	m.publish(ctx, match, notify.Event{Type: notify.EventMatchArchived})
	return nil
}

func (m *Manager) scheduleSettlement(ctx context.Context, match *Match) {
	if match.Outcome.Action() == ActionPayout {
		m.schedule(ctx, match.ID, jobPayout)
	} else {
		m.schedule(ctx, match.ID, jobRefund)
	}
}

func (m *Manager) scheduleAfterCancel(ctx context.Context, match *Match) {
	if match.DepositCount() > 0 {
		m.schedule(ctx, match.ID, jobRefund)
		return
	}
	m.schedule(ctx, match.ID, jobCleanup)
}

const (
	jobPayout  = "payout"
	jobRefund  = "refund"
	jobCleanup = "cleanup"
)

// schedule enqueues follow-up work. Failures are logged; the backstop sweep
// picks up anything that was not enqueued.
func (m *Manager) schedule(ctx context.Context, matchID, kind string) {
	if m.scheduler == nil {
		return
	}
	var err error
	switch kind {
	case jobPayout:
		err = m.scheduler.SchedulePayout(ctx, matchID)
	case jobRefund:
		err = m.scheduler.ScheduleRefund(ctx, matchID)
	case jobCleanup:
		err = m.scheduler.ScheduleCleanup(ctx, matchID)
	}
	if err != nil {
		m.log.WithError(err).WithFields(logrus.Fields{"match_id": matchID, "job": kind}).Warn("failed to schedule follow-up job")
	}
}
