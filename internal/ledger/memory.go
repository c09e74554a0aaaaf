package ledger

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"github.com/playmatatu/wordduel/internal/game"
	"github.com/playmatatu/wordduel/internal/models"
)

// Memory is an in-process Repository used when no database is configured
// and in tests. It enforces the same version check as Postgres.
type Memory struct {
	mu      sync.Mutex
	matches map[string]*game.Match
	intents map[string]*models.SettlementIntent
	now     func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		matches: make(map[string]*game.Match),
		intents: make(map[string]*models.SettlementIntent),
		now:     time.Now,
	}
}

func intentKey(matchID, kind string) string { return kind + ":" + matchID }

func (r *Memory) GetMatch(_ context.Context, id string) (*game.Match, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.matches[id]
	if !ok {
		return nil, game.ErrMatchNotFound
	}
	return m.Clone(), nil
}

func (r *Memory) SaveMatch(_ context.Context, m *game.Match) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.matches[m.ID]
	if m.Version == 0 {
		if ok {
			return game.ErrVersionConflict
		}
	} else if !ok || stored.Version != m.Version {
		return game.ErrVersionConflict
	}

	next := m.Clone()
	next.Version = m.Version + 1
	if ok {
		next.ArchivedAt = stored.ArchivedAt
	}
	r.matches[m.ID] = next
	m.Version = next.Version
	return nil
}

func (r *Memory) FindMatchByWallet(_ context.Context, wallet string) (*game.Match, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var found *game.Match
	for _, m := range r.matches {
		if m.State.Terminal() || !m.IsPlayer(wallet) {
			continue
		}
		if found == nil || m.CreatedAt.After(found.CreatedAt) {
			found = m
		}
	}
	if found == nil {
		return nil, game.ErrMatchNotFound
	}
	return found.Clone(), nil
}

func (r *Memory) ListOverdue(_ context.Context, now time.Time, limit int) ([]*game.Match, error) {
	return r.list(limit, func(m *game.Match) bool {
		return m.State.AwaitingDeposits() && !m.ExpiresAt.After(now)
	}), nil
}

func (r *Memory) ListUnarchived(_ context.Context, states []game.State, limit int) ([]*game.Match, error) {
	return r.list(limit, func(m *game.Match) bool {
		if m.ArchivedAt != nil {
			return false
		}
		for _, s := range states {
			if m.State == s {
				return true
			}
		}
		return false
	}), nil
}

func (r *Memory) list(limit int, keep func(*game.Match) bool) []*game.Match {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*game.Match, 0)
	for _, m := range r.matches {
		if keep(m) {
			out = append(out, m.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (r *Memory) ArchiveMatch(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.matches[id]
	if !ok {
		return game.ErrMatchNotFound
	}
	if m.ArchivedAt == nil {
		t := at
		m.ArchivedAt = &t
	}
	return nil
}

func (r *Memory) RecordIntent(_ context.Context, matchID, kind string) (*models.SettlementIntent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := intentKey(matchID, kind)
	intent, ok := r.intents[key]
	if !ok {
		intent = &models.SettlementIntent{MatchID: matchID, Kind: kind, CreatedAt: r.now()}
		r.intents[key] = intent
	}
	intent.Attempts++
	c := *intent
	return &c, nil
}

func (r *Memory) CompleteIntent(_ context.Context, matchID, kind, txRef string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	intent, ok := r.intents[intentKey(matchID, kind)]
	if !ok {
		return ErrIntentNotFound
	}
	if !intent.Completed() {
		intent.TxRef = txRef
		intent.CompletedAt = sql.NullTime{Time: r.now(), Valid: true}
	}
	return nil
}

func (r *Memory) GetIntent(_ context.Context, matchID, kind string) (*models.SettlementIntent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	intent, ok := r.intents[intentKey(matchID, kind)]
	if !ok {
		return nil, ErrIntentNotFound
	}
	c := *intent
	return &c, nil
}
