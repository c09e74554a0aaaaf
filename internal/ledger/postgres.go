package ledger

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/playmatatu/wordduel/internal/game"
	"github.com/playmatatu/wordduel/internal/models"
)

const matchColumns = `id, player_a, player_b, stake_tier, state, created_at, expires_at, deposit_a, deposit_b,
	game_start_time, outcome_kind, outcome_winner, settlement_tx, reason, version, updated_at, archived_at`

// Postgres implements Repository on PostgreSQL through sqlx.
type Postgres struct {
	db *sqlx.DB
}

func NewPostgres(db *sqlx.DB) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) GetMatch(ctx context.Context, id string) (*game.Match, error) {
	var rec models.MatchRecord
	err := p.db.GetContext(ctx, &rec, `SELECT `+matchColumns+` FROM matches WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, game.ErrMatchNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get match %s", id)
	}
	return fromRecord(&rec), nil
}

func (p *Postgres) SaveMatch(ctx context.Context, m *game.Match) error {
	rec := toRecord(m)

	if m.Version == 0 {
		_, err := p.db.ExecContext(ctx, `INSERT INTO matches (`+matchColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, 1, $15, $16)`,
			rec.ID, rec.PlayerA, rec.PlayerB, rec.StakeTier, rec.State, rec.CreatedAt, rec.ExpiresAt,
			rec.DepositA, rec.DepositB, rec.GameStartTime, rec.OutcomeKind, rec.OutcomeWinner,
			rec.SettlementTx, rec.Reason, rec.UpdatedAt, rec.ArchivedAt)
		if err != nil {
			return errors.Wrapf(err, "insert match %s", m.ID)
		}
		m.Version = 1
		return nil
	}

	res, err := p.db.ExecContext(ctx, `UPDATE matches SET
			player_b = $2, state = $3, expires_at = $4, deposit_a = $5, deposit_b = $6, game_start_time = $7,
			outcome_kind = $8, outcome_winner = $9, settlement_tx = $10, reason = $11, updated_at = $12,
			version = version + 1
		WHERE id = $1 AND version = $13`,
		rec.ID, rec.PlayerB, rec.State, rec.ExpiresAt, rec.DepositA, rec.DepositB, rec.GameStartTime,
		rec.OutcomeKind, rec.OutcomeWinner, rec.SettlementTx, rec.Reason, rec.UpdatedAt, rec.Version)
	if err != nil {
		return errors.Wrapf(err, "update match %s", m.ID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if n == 0 {
		return game.ErrVersionConflict
	}
	m.Version++
	return nil
}

func (p *Postgres) FindMatchByWallet(ctx context.Context, wallet string) (*game.Match, error) {
	var rec models.MatchRecord
	err := p.db.GetContext(ctx, &rec, `SELECT `+matchColumns+` FROM matches
		WHERE (player_a = $1 OR player_b = $1) AND state = ANY($2)
		ORDER BY created_at DESC LIMIT 1`, wallet, pq.Array(nonTerminalStates))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, game.ErrMatchNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "find match by wallet")
	}
	return fromRecord(&rec), nil
}

func (p *Postgres) ListOverdue(ctx context.Context, now time.Time, limit int) ([]*game.Match, error) {
	var recs []models.MatchRecord
	err := p.db.SelectContext(ctx, &recs, `SELECT `+matchColumns+` FROM matches
		WHERE state IN ('payment_required', 'payment_partial') AND expires_at <= $1
		ORDER BY expires_at LIMIT $2`, now, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list overdue matches")
	}
	return fromRecords(recs), nil
}

func (p *Postgres) ListUnarchived(ctx context.Context, states []game.State, limit int) ([]*game.Match, error) {
	names := make([]string, len(states))
	for i, s := range states {
		names[i] = string(s)
	}
	var recs []models.MatchRecord
	err := p.db.SelectContext(ctx, &recs, `SELECT `+matchColumns+` FROM matches
		WHERE archived_at IS NULL AND state = ANY($1)
		ORDER BY updated_at LIMIT $2`, pq.Array(names), limit)
	if err != nil {
		return nil, errors.Wrap(err, "list unarchived matches")
	}
	return fromRecords(recs), nil
}

func (p *Postgres) ArchiveMatch(ctx context.Context, id string, at time.Time) error {
	_, err := p.db.ExecContext(ctx, `UPDATE matches SET archived_at = $2 WHERE id = $1 AND archived_at IS NULL`, id, at)
	if err != nil {
		return errors.Wrapf(err, "archive match %s", id)
	}
	return nil
}

func (p *Postgres) RecordIntent(ctx context.Context, matchID, kind string) (*models.SettlementIntent, error) {
	var intent models.SettlementIntent
	err := p.db.GetContext(ctx, &intent, `INSERT INTO settlement_intents (match_id, kind, attempts, created_at)
		VALUES ($1, $2, 1, NOW())
		ON CONFLICT (match_id, kind) DO UPDATE SET attempts = settlement_intents.attempts + 1
		RETURNING match_id, kind, tx_ref, attempts, created_at, completed_at`, matchID, kind)
	if err != nil {
		return nil, errors.Wrapf(err, "record %s intent for %s", kind, matchID)
	}
	return &intent, nil
}

func (p *Postgres) CompleteIntent(ctx context.Context, matchID, kind, txRef string) error {
	res, err := p.db.ExecContext(ctx, `UPDATE settlement_intents SET tx_ref = $3, completed_at = NOW()
		WHERE match_id = $1 AND kind = $2 AND completed_at IS NULL`, matchID, kind, txRef)
	if err != nil {
		return errors.Wrapf(err, "complete %s intent for %s", kind, matchID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Either already complete or never recorded.
		if _, err := p.GetIntent(ctx, matchID, kind); err != nil {
			return err
		}
	}
	return nil
}

func (p *Postgres) GetIntent(ctx context.Context, matchID, kind string) (*models.SettlementIntent, error) {
	var intent models.SettlementIntent
	err := p.db.GetContext(ctx, &intent, `SELECT match_id, kind, tx_ref, attempts, created_at, completed_at
		FROM settlement_intents WHERE match_id = $1 AND kind = $2`, matchID, kind)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrIntentNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get %s intent for %s", kind, matchID)
	}
	return &intent, nil
}

func fromRecords(recs []models.MatchRecord) []*game.Match {
	out := make([]*game.Match, 0, len(recs))
	for i := range recs {
		out = append(out, fromRecord(&recs[i]))
	}
	return out
}
