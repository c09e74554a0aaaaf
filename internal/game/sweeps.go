package game

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/playmatatu/wordduel/internal/lock"
)

// ExpireOverdue cancels matches whose deposit deadline has passed. Matches
// that moved on or are locked by a concurrent mutation are skipped and picked
// up by the next run if still overdue.
func (m *Manager) ExpireOverdue(ctx context.Context) (int, error) {
	overdue, err := m.repo.ListOverdue(ctx, m.now(), m.opts.SweepBatch)
	if err != nil {
		return 0, err
	}

	cancelled := 0
	for _, match := range overdue {
		if ctx.Err() != nil {
			return cancelled, ctx.Err()
		}
		_, err := m.Cancel(ctx, match.ID, "deposit deadline elapsed")
		switch {
		case err == nil:
			cancelled++
		case IsIllegalTransition(err), errors.Is(err, lock.ErrBusy):
			m.log.WithError(err).WithField("match_id", match.ID).Debug("overdue match skipped")
		case IsDataIntegrity(err):
			if _, qerr := m.MarkError(ctx, match.ID, err); qerr != nil {
				m.log.WithError(qerr).WithField("match_id", match.ID).Error("failed to quarantine match")
			}
		default:
			m.log.WithError(err).WithField("match_id", match.ID).Warn("failed to cancel overdue match")
		}
	}
	if cancelled > 0 {
		m.log.WithField("count", cancelled).Info("cancelled matches past their deposit deadline")
	}
	return cancelled, nil
}

// RecoverUnsettled re-enqueues settlement and cleanup work for matches whose
// follow-up job was lost. Job deduplication makes repeated runs harmless.
func (m *Manager) RecoverUnsettled(ctx context.Context) (int, error) {
	if m.scheduler == nil {
		return 0, nil
	}
	matches, err := m.repo.ListUnarchived(ctx, []State{StateActive, StateCompleted, StateCancelled}, m.opts.SweepBatch)
	if err != nil {
		return 0, err
	}

	scheduled := 0
	for _, match := range matches {
		switch match.State {
		case StateActive:
			if match.Outcome == nil {
				continue
			}
			m.scheduleSettlement(ctx, match)
		case StateCancelled:
			if match.DepositCount() > 0 && match.SettlementTx == "" {
				m.schedule(ctx, match.ID, jobRefund)
			} else {
				m.schedule(ctx, match.ID, jobCleanup)
			}
		case StateCompleted:
			m.schedule(ctx, match.ID, jobCleanup)
		default:
			continue
		}
		scheduled++
	}
	if scheduled > 0 {
		m.log.WithFields(logrus.Fields{"count": scheduled}).Info("re-enqueued follow-up jobs")
	}
	return scheduled, nil
}
