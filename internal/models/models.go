package models

import (
	"database/sql"
	"time"
)

// MatchRecord is a row of the matches table.
type MatchRecord struct {
	ID            string         `db:"id" json:"id"`
	PlayerA       string         `db:"player_a" json:"player_a"`
	PlayerB       string         `db:"player_b" json:"player_b"`
	StakeTier     string         `db:"stake_tier" json:"stake_tier"`
	State         string         `db:"state" json:"state"`
	CreatedAt     time.Time      `db:"created_at" json:"created_at"`
	ExpiresAt     time.Time      `db:"expires_at" json:"expires_at"`
	DepositA      bool           `db:"deposit_a" json:"deposit_a"`
	DepositB      bool           `db:"deposit_b" json:"deposit_b"`
	GameStartTime sql.NullTime   `db:"game_start_time" json:"game_start_time,omitempty"`
	OutcomeKind   sql.NullString `db:"outcome_kind" json:"outcome_kind,omitempty"`
	OutcomeWinner sql.NullString `db:"outcome_winner" json:"outcome_winner,omitempty"`
	SettlementTx  string         `db:"settlement_tx" json:"settlement_tx"`
	Reason        string         `db:"reason" json:"reason"`
	Version       int64          `db:"version" json:"version"`
	UpdatedAt     time.Time      `db:"updated_at" json:"updated_at"`
	ArchivedAt    sql.NullTime   `db:"archived_at" json:"archived_at,omitempty"`
}

// SettlementIntent records that a money-moving broadcast was started for a
// match, and completes once the broadcast returned a transaction reference.
type SettlementIntent struct {
	MatchID     string       `db:"match_id" json:"match_id"`
	Kind        string       `db:"kind" json:"kind"`
	TxRef       string       `db:"tx_ref" json:"tx_ref"`
	Attempts    int          `db:"attempts" json:"attempts"`
	CreatedAt   time.Time    `db:"created_at" json:"created_at"`
	CompletedAt sql.NullTime `db:"completed_at" json:"completed_at,omitempty"`
}

// Completed reports whether the broadcast finished.
func (i *SettlementIntent) Completed() bool {
	return i.CompletedAt.Valid
}

// Operator is an admin account allowed to inspect and retry dead jobs.
type Operator struct {
	ID        int       `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	TokenHash string    `db:"token_hash" json:"-"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
