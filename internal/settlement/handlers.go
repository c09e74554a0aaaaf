package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/playmatatu/wordduel/internal/chain"
	"github.com/playmatatu/wordduel/internal/game"
	"github.com/playmatatu/wordduel/internal/ledger"
	"github.com/playmatatu/wordduel/internal/lock"
	"github.com/playmatatu/wordduel/internal/notify"
)

// Handlers executes settlement tasks. Every handler takes the job's
// execution lock before any external effect and re-reads the match right
// before acting on it.
type Handlers struct {
	mgr          *game.Manager
	ledger       ledger.Repository
	chain        chain.Client
	execLocks    *lock.Locker
	cleanupLocks *lock.Locker
	sink         notify.Sink
	policies     Policies
	log          *logrus.Entry
}

// HandlerDeps bundles the collaborators of Handlers.
type HandlerDeps struct {
	Manager *game.Manager
	Ledger  ledger.Repository
	Chain   chain.Client
	// ExecLocks must be a fail-closed settlement-family Locker.
	ExecLocks *lock.Locker
	// CleanupLocks must be a cleanup-family Locker.
	CleanupLocks *lock.Locker
	Sink         notify.Sink
	Policies     Policies
	Logger       *logrus.Entry
}

func NewHandlers(d HandlerDeps) (*Handlers, error) {
	if d.ExecLocks.Policy().FailOpen || d.CleanupLocks.Policy().FailOpen {
		return nil, errors.New("settlement locks must fail closed")
	}
	// A lock past its stale threshold can be taken over, so a delivery
	// still inside a chain call must never reach it.
	bound := d.Policies.TaskTimeout
	if bound < d.Policies.ChainTimeout {
		bound = d.Policies.ChainTimeout
	}
	if stale := d.ExecLocks.Policy().StaleThreshold; stale <= bound {
		return nil, fmt.Errorf("execution lock stale threshold %s must exceed the task timeout %s", stale, bound)
	}
	sink := d.Sink
	if sink == nil {
		sink = notify.Discard{}
	}
	return &Handlers{
		mgr:          d.Manager,
		ledger:       d.Ledger,
		chain:        d.Chain,
		execLocks:    d.ExecLocks,
		cleanupLocks: d.CleanupLocks,
		sink:         sink,
		policies:     d.Policies,
		log:          d.Logger.WithField("component", "settlement"),
	}, nil
}

// Register wires every task type into mux.
func (h *Handlers) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(TypeVerify, h.HandleVerify)
	mux.HandleFunc(TypePayout, h.HandleSettle)
	mux.HandleFunc(TypeRefund, h.HandleSettle)
	mux.HandleFunc(TypeCleanup, h.HandleCleanup)
}

// withExecLock runs fn under the execution lock for dedupeKey. A held lock
// becomes ErrJobInFlight.
func (h *Handlers) withExecLock(ctx context.Context, locker *lock.Locker, dedupeKey string, fn func(ctx context.Context) error) error {
	lease, err := locker.Acquire(ctx, lock.ExecutionKey(dedupeKey))
	if errors.Is(err, lock.ErrBusy) {
		return ErrJobInFlight
	}
	if err != nil {
		return err
	}
	defer locker.ReleaseQuietly(ctx, lease)
	if lease.StaleRecovered {
		h.log.WithField("job_id", dedupeKey).Warn("took over execution lock from a dead worker")
	}
	return fn(ctx)
}

// quarantine moves a match that failed an integrity check to the error state.
func (h *Handlers) quarantine(ctx context.Context, id string, cause error) {
	if _, err := h.mgr.MarkError(ctx, id, cause); err != nil {
		h.log.WithError(err).WithFields(logrus.Fields{"match_id": id, "cause": cause.Error(), "alert": true}).
			Error("failed to quarantine match")
	}
}

// loadMatch reads the live match. A missing match or an integrity failure
// is final for the job; integrity failures quarantine the match.
func (h *Handlers) loadMatch(ctx context.Context, id string) (*game.Match, error) {
	m, err := h.mgr.Get(ctx, id)
	if errors.Is(err, game.ErrMatchNotFound) {
		return nil, fmt.Errorf("match %s: %w", id, errors.Join(err, asynq.SkipRetry))
	}
	if game.IsDataIntegrity(err) {
		h.quarantine(ctx, id, err)
		return nil, errors.Join(err, asynq.SkipRetry)
	}
	if err != nil {
		return nil, ledgerErr("get match", err)
	}
	return m, nil
}

func (h *Handlers) chainContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, h.policies.ChainTimeout)
}

func classifyChain(op string, err error) error {
	if chain.IsPermanent(err) {
		return errors.Join(chainErr(op, err), asynq.SkipRetry)
	}
	return chainErr(op, err)
}

// HandleVerify checks a deposit proof with the chain and records it.
func (h *Handlers) HandleVerify(ctx context.Context, t *asynq.Task) error {
	var p VerifyPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil || p.MatchID == "" || p.Wallet == "" {
		return fmt.Errorf("invalid verify payload: %w", asynq.SkipRetry)
	}
	entry := h.log.WithFields(logrus.Fields{"job_id": VerifyKey(p.MatchID, p.Wallet), "match_id": p.MatchID, "wallet": p.Wallet})

	return h.withExecLock(ctx, h.execLocks, VerifyKey(p.MatchID, p.Wallet), func(ctx context.Context) error {
		m, err := h.loadMatch(ctx, p.MatchID)
		if err != nil {
			return err
		}
		if !m.IsPlayer(p.Wallet) {
			return fmt.Errorf("%w: %w", game.ErrNotAPlayer, asynq.SkipRetry)
		}
		if m.HasDeposited(p.Wallet) || !m.State.AwaitingDeposits() {
			entry.WithField("state", m.State).Info("deposit no longer needed, skipping verification")
			return nil
		}

		callCtx, cancel := h.chainContext(ctx)
		v, err := h.chain.VerifyDeposit(callCtx, p.MatchID, p.Wallet, p.Proof)
		cancel()
		if err != nil {
			return classifyChain("verify deposit", err)
		}
		if !v.Confirmed {
			entry.WithField("reason", v.Reason).Info("deposit proof rejected")
			h.sink.Publish(ctx, notify.Event{
				Type:    notify.EventDepositRejected,
				MatchID: p.MatchID,
				Wallets: []string{p.Wallet},
				Payload: map[string]interface{}{"reason": v.Reason},
			})
			return nil
		}

		_, err = h.mgr.ConfirmDeposit(ctx, p.MatchID, p.Wallet)
		switch {
		case err == nil:
			entry.Info("deposit confirmed")
			return nil
		case game.IsIllegalTransition(err):
			entry.WithError(err).WithField("alert", true).Error("deposit confirmed on chain for a match that stopped accepting deposits")
			return nil
		case game.IsDataIntegrity(err):
			h.quarantine(ctx, p.MatchID, err)
			return errors.Join(err, asynq.SkipRetry)
		case errors.Is(err, lock.ErrBusy):
			return err
		default:
			return ledgerErr("confirm deposit", err)
		}
	})
}

// settleAction describes what a payout-queue task should do to a match.
type settleAction struct {
	kind     string // ledger.IntentPayout or ledger.IntentRefund
	complete bool   // advance active -> completed afterwards
}

// planSettlement decides whether a payout or refund still applies to m.
func planSettlement(taskType string, m *game.Match) (settleAction, bool) {
	switch taskType {
	case TypePayout:
		if m.State == game.StateActive && m.Outcome != nil && m.Outcome.Action() == game.ActionPayout {
			return settleAction{kind: ledger.IntentPayout, complete: true}, true
		}
	case TypeRefund:
		if m.State == game.StateActive && m.Outcome != nil && m.Outcome.Action() == game.ActionRefund {
			return settleAction{kind: ledger.IntentRefund, complete: true}, true
		}
		if m.State == game.StateCancelled && m.DepositCount() > 0 && m.SettlementTx == "" {
			return settleAction{kind: ledger.IntentRefund}, true
		}
	}
	return settleAction{}, false
}

// HandleSettle executes a payout or refund. The intent row makes the
// broadcast happen at most once per match and kind even across crashes
// between broadcast and lifecycle update.
func (h *Handlers) HandleSettle(ctx context.Context, t *asynq.Task) error {
	var p MatchPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil || p.MatchID == "" {
		return fmt.Errorf("invalid settlement payload: %w", asynq.SkipRetry)
	}
	dedupe := PayoutKey(p.MatchID)
	if t.Type() == TypeRefund {
		dedupe = RefundKey(p.MatchID)
	}
	entry := h.log.WithFields(logrus.Fields{"job_id": dedupe, "match_id": p.MatchID})

	return h.withExecLock(ctx, h.execLocks, dedupe, func(ctx context.Context) error {
		m, err := h.loadMatch(ctx, p.MatchID)
		if err != nil {
			return err
		}
		action, ok := planSettlement(t.Type(), m)
		if !ok {
			entry.WithField("state", m.State).Info("match not in a settleable state, skipping")
			return nil
		}

		intent, err := h.ledger.RecordIntent(ctx, m.ID, action.kind)
		if err != nil {
			return ledgerErr("record intent", err)
		}

		txRef := intent.TxRef
		if intent.Completed() {
			entry.WithField("tx_ref", txRef).Info("broadcast already recorded, finishing lifecycle only")
		} else {
			callCtx, cancel := h.chainContext(ctx)
			var ref chain.TxRef
			if action.kind == ledger.IntentPayout {
				ref, err = h.chain.BroadcastPayout(callCtx, m.ID, *m.Outcome)
			} else {
				ref, err = h.chain.BroadcastRefund(callCtx, m.ID)
			}
			cancel()
			if err != nil {
				return classifyChain("broadcast "+action.kind, err)
			}
			txRef = string(ref)
			if err := h.ledger.CompleteIntent(ctx, m.ID, action.kind, txRef); err != nil {
				return ledgerErr("complete intent", err)
			}
			entry.WithFields(logrus.Fields{"tx_ref": txRef, "attempt": intent.Attempts}).Info(action.kind + " broadcast")
		}

		if action.complete {
			_, err = h.mgr.Complete(ctx, m.ID, txRef)
		} else {
			_, err = h.mgr.RecordRefund(ctx, m.ID, txRef)
		}
		switch {
		case err == nil:
			return nil
		case game.IsIllegalTransition(err):
			entry.WithError(err).Warn("lifecycle moved on after broadcast")
			return nil
		case errors.Is(err, lock.ErrBusy):
			return err
		case game.IsDataIntegrity(err):
			h.quarantine(ctx, m.ID, err)
			return errors.Join(err, asynq.SkipRetry)
		default:
			return ledgerErr("advance lifecycle", err)
		}
	})
}

// HandleCleanup archives a settled terminal match and clears locks its
// jobs left behind.
func (h *Handlers) HandleCleanup(ctx context.Context, t *asynq.Task) error {
	var p MatchPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil || p.MatchID == "" {
		return fmt.Errorf("invalid cleanup payload: %w", asynq.SkipRetry)
	}
	entry := h.log.WithFields(logrus.Fields{"job_id": CleanupKey(p.MatchID), "match_id": p.MatchID})

	return h.withExecLock(ctx, h.cleanupLocks, CleanupKey(p.MatchID), func(ctx context.Context) error {
		m, err := h.mgr.Get(ctx, p.MatchID)
		if errors.Is(err, game.ErrMatchNotFound) {
			return nil
		}
		if err != nil && !game.IsDataIntegrity(err) {
			return ledgerErr("get match", err)
		}
		if err != nil || m.State == game.StateError {
			entry.Warn("match needs manual recovery, not archiving")
			return nil
		}
		if !m.State.Terminal() {
			entry.WithField("state", m.State).Info("match still live, skipping cleanup")
			return nil
		}
		if m.State == game.StateCancelled && m.DepositCount() > 0 && m.SettlementTx == "" {
			entry.Info("refund outstanding, cleanup deferred")
			return nil
		}

		h.releaseResidualLocks(ctx, m)
		if err := h.mgr.Archive(ctx, m.ID); err != nil {
			return ledgerErr("archive match", err)
		}
		entry.Info("match archived")
		return nil
	})
}

func (h *Handlers) releaseResidualLocks(ctx context.Context, m *game.Match) {
	keys := []string{
		lock.SettlementKey(m.ID),
		lock.ExecutionKey(PayoutKey(m.ID)),
		lock.ExecutionKey(RefundKey(m.ID)),
	}
	for _, w := range m.Players() {
		keys = append(keys, lock.ExecutionKey(VerifyKey(m.ID, w)))
	}
	for _, key := range keys {
		stale, err := h.execLocks.IsStale(ctx, key)
		if err != nil || !stale {
			continue
		}
		if _, err := h.execLocks.ForceRelease(ctx, key); err != nil {
			h.log.WithError(err).WithField("key", key).Warn("failed to release residual lock")
		}
	}
}
