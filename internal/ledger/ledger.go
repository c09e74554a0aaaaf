// Package ledger is the durable record of matches and settlement intents.
package ledger

import (
	"context"
	"database/sql"
	"errors"

	"github.com/playmatatu/wordduel/internal/game"
	"github.com/playmatatu/wordduel/internal/models"
)

// ErrIntentNotFound is returned when completing an intent that was never recorded.
var ErrIntentNotFound = errors.New("settlement intent not found")

// Intent kinds.
const (
	IntentPayout = "payout"
	IntentRefund = "refund"
)

// Repository is everything the core and the settlement workers persist.
type Repository interface {
	game.Repository
	// RecordIntent inserts an intent for (matchID, kind) if none exists and
	// returns the stored row, bumping its attempt counter.
	RecordIntent(ctx context.Context, matchID, kind string) (*models.SettlementIntent, error)
	// CompleteIntent stores the transaction reference and completion time.
	CompleteIntent(ctx context.Context, matchID, kind, txRef string) error
	GetIntent(ctx context.Context, matchID, kind string) (*models.SettlementIntent, error)
}

var nonTerminalStates = []string{
	string(game.StateWaiting),
	string(game.StateMatched),
	string(game.StatePaymentRequired),
	string(game.StatePaymentPartial),
	string(game.StateActive),
}

func toRecord(m *game.Match) models.MatchRecord {
	rec := models.MatchRecord{
		ID:           m.ID,
		PlayerA:      m.PlayerA,
		PlayerB:      m.PlayerB,
		StakeTier:    m.StakeTier,
		State:        string(m.State),
		CreatedAt:    m.CreatedAt,
		ExpiresAt:    m.ExpiresAt,
		DepositA:     m.DepositA,
		DepositB:     m.DepositB,
		SettlementTx: m.SettlementTx,
		Reason:       m.Reason,
		Version:      m.Version,
		UpdatedAt:    m.UpdatedAt,
	}
	if m.GameStartTime != nil {
		rec.GameStartTime = sql.NullTime{Time: *m.GameStartTime, Valid: true}
	}
	if m.Outcome != nil {
		rec.OutcomeKind = sql.NullString{String: string(m.Outcome.Kind), Valid: true}
		rec.OutcomeWinner = sql.NullString{String: m.Outcome.Winner, Valid: m.Outcome.Winner != ""}
	}
	if m.ArchivedAt != nil {
		rec.ArchivedAt = sql.NullTime{Time: *m.ArchivedAt, Valid: true}
	}
	return rec
}

func fromRecord(rec *models.MatchRecord) *game.Match {
	m := &game.Match{
		ID:           rec.ID,
		PlayerA:      rec.PlayerA,
		PlayerB:      rec.PlayerB,
		StakeTier:    rec.StakeTier,
		State:        game.State(rec.State),
		CreatedAt:    rec.CreatedAt,
		ExpiresAt:    rec.ExpiresAt,
		DepositA:     rec.DepositA,
		DepositB:     rec.DepositB,
		SettlementTx: rec.SettlementTx,
		Reason:       rec.Reason,
		Version:      rec.Version,
		UpdatedAt:    rec.UpdatedAt,
	}
	if rec.GameStartTime.Valid {
		t := rec.GameStartTime.Time
		m.GameStartTime = &t
	}
	if rec.OutcomeKind.Valid {
		m.Outcome = &game.Outcome{Kind: game.OutcomeKind(rec.OutcomeKind.String), Winner: rec.OutcomeWinner.String}
	}
	if rec.ArchivedAt.Valid {
		t := rec.ArchivedAt.Time
		m.ArchivedAt = &t
	}
	return m
}
