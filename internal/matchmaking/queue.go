// Package matchmaking pairs wallets that join the same stake tier.
package matchmaking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/playmatatu/wordduel/internal/game"
	"github.com/playmatatu/wordduel/internal/lock"
	"github.com/playmatatu/wordduel/internal/notify"
)

var (
	// ErrBusy is returned when the tier stayed locked through every retry.
	// The caller should ask the user to try again.
	ErrBusy              = fmt.Errorf("matchmaking busy, try again: %w", lock.ErrBusy)
	ErrUnknownTier       = errors.New("unknown stake tier")
	ErrInvalidWallet     = errors.New("invalid wallet")
	ErrQueuedInOtherTier = errors.New("wallet is already queued in another stake tier")
	ErrNotQueued         = errors.New("wallet is not queued")
)

// Status is the outcome of a join.
type Status string

const (
	StatusWaiting Status = "waiting"
	StatusPaired  Status = "paired"
)

// JoinResult reports where a join left the wallet.
type JoinResult struct {
	Status     Status      `json:"status"`
	Tier       string      `json:"stake_tier"`
	Position   int64       `json:"position,omitempty"`
	EnqueuedAt time.Time   `json:"enqueued_at,omitempty"`
	MatchID    string      `json:"match_id,omitempty"`
	Match      *game.Match `json:"match,omitempty"`
}

// Matcher creates matches and finds a wallet's live one. *game.Manager
// satisfies it.
type Matcher interface {
	CreateMatch(ctx context.Context, playerA, playerB, tier string) (*game.Match, error)
	FindByWallet(ctx context.Context, wallet string) (*game.Match, error)
}

// Options tunes a Queue.
type Options struct {
	Tiers          []decimal.Decimal
	EvictionWindow time.Duration
	LockAttempts   int
	LockBackoff    time.Duration
	Clock          func() time.Time
}

// Queue is the per-tier waiting list. Each tier is a sorted set of wallets
// scored by enqueue time in milliseconds, guarded by the tier's pairing lock.
type Queue struct {
	rdb     redis.UniversalClient
	locks   *lock.Locker
	matcher Matcher
	sink    notify.Sink
	tiers   []string
	known   map[string]struct{}
	opts    Options
	log     *logrus.Entry
	now     func() time.Time
}

// New builds a Queue. locks must be a pairing-family Locker.
func New(rdb redis.UniversalClient, locks *lock.Locker, matcher Matcher, sink notify.Sink, opts Options, logger *logrus.Entry) (*Queue, error) {
	if len(opts.Tiers) == 0 {
		return nil, errors.New("matchmaking needs at least one stake tier")
	}
	if opts.EvictionWindow <= 0 {
		opts.EvictionWindow = 5 * time.Minute
	}
	if opts.LockAttempts < 1 {
		opts.LockAttempts = 4
	}
	if opts.LockBackoff <= 0 {
		opts.LockBackoff = 50 * time.Millisecond
	}
	if sink == nil {
		sink = notify.Discard{}
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}

	q := &Queue{
		rdb:     rdb,
		locks:   locks,
		matcher: matcher,
		sink:    sink,
		known:   make(map[string]struct{}, len(opts.Tiers)),
		opts:    opts,
		log:     logger.WithField("component", "matchmaking"),
		now:     now,
	}
	for _, t := range opts.Tiers {
		name := t.String()
		if _, dup := q.known[name]; dup {
			continue
		}
		q.known[name] = struct{}{}
		q.tiers = append(q.tiers, name)
	}
	return q, nil
}

func tierKey(tier string) string     { return "mm:tier:" + tier }
func walletKey(wallet string) string { return "mm:wallet:" + wallet }

// Tiers lists the configured tiers in canonical form.
func (q *Queue) Tiers() []string {
	return append([]string(nil), q.tiers...)
}

// NormalizeTier maps a user-supplied stake ("0.10", "1.0") to the canonical
// configured tier name.
func (q *Queue) NormalizeTier(raw string) (string, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return "", ErrUnknownTier
	}
	name := d.String()
	if _, ok := q.known[name]; !ok {
		return "", ErrUnknownTier
	}
	return name, nil
}

func (q *Queue) stale(score float64, now time.Time) bool {
	enqueued := time.UnixMilli(int64(score))
	return now.Sub(enqueued) > q.opts.EvictionWindow
}

// Join enqueues wallet in tier or pairs it with the earliest live entrant.
// All reads and writes of the tier happen under the tier's pairing lock.
func (q *Queue) Join(ctx context.Context, wallet, rawTier string) (*JoinResult, error) {
	wallet = strings.TrimSpace(wallet)
	if wallet == "" {
		return nil, ErrInvalidWallet
	}
	tier, err := q.NormalizeTier(rawTier)
	if err != nil {
		return nil, err
	}

	// The wallet lock is taken before the tier lock. Tier locks alone do not
	// stop one wallet joining two tiers at once.
	walletLease, err := q.locks.AcquireWithRetry(ctx, lock.WalletKey(wallet), q.opts.LockAttempts, q.opts.LockBackoff)
	if errors.Is(err, lock.ErrBusy) {
		return nil, ErrBusy
	}
	if err != nil {
		return nil, err
	}
	defer q.locks.ReleaseQuietly(ctx, walletLease)

	lease, err := q.locks.AcquireWithRetry(ctx, lock.PairingKey(tier), q.opts.LockAttempts, q.opts.LockBackoff)
	if errors.Is(err, lock.ErrBusy) {
		return nil, ErrBusy
	}
	if err != nil {
		return nil, err
	}
	defer q.locks.ReleaseQuietly(ctx, lease)

	return q.joinLocked(ctx, wallet, tier)
}

func (q *Queue) joinLocked(ctx context.Context, wallet, tier string) (*JoinResult, error) {
	// A wallet that is already in a live match gets that match back.
	if match, err := q.matcher.FindByWallet(ctx, wallet); err == nil {
		return &JoinResult{Status: StatusPaired, Tier: match.StakeTier, MatchID: match.ID, Match: match}, nil
	} else if !errors.Is(err, game.ErrMatchNotFound) {
		return nil, err
	}

	now := q.now()
	if err := q.checkOtherTier(ctx, wallet, tier, now); err != nil {
		return nil, err
	}

	// Idempotent repeat join.
	score, err := q.rdb.ZScore(ctx, tierKey(tier), wallet).Result()
	switch {
	case err == nil && !q.stale(score, now):
		return q.waitingResult(ctx, wallet, tier, score)
	case err == nil:
		q.evict(ctx, tier, wallet, "eviction window elapsed")
	case !errors.Is(err, redis.Nil):
		return nil, fmt.Errorf("read queue entry: %w", err)
	}

	entrants, err := q.rdb.ZRangeWithScores(ctx, tierKey(tier), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read tier %s: %w", tier, err)
	}
	skipped := false
	for _, z := range entrants {
		opponent, _ := z.Member.(string)
		if opponent == "" || opponent == wallet {
			continue
		}
		if q.stale(z.Score, now) {
			q.evict(ctx, tier, opponent, "eviction window elapsed")
			continue
		}
		// Never wait on an opponent's wallet lock while holding the tier
		// lock; an opponent mid-join is skipped.
		opponentLease, err := q.locks.Acquire(ctx, lock.WalletKey(opponent))
		if errors.Is(err, lock.ErrBusy) {
			q.log.WithFields(logrus.Fields{"wallet": opponent, "tier": tier}).Debug("opponent busy, skipping")
			skipped = true
			continue
		}
		if err != nil {
			return nil, err
		}
		res, err := q.pair(ctx, opponent, z.Score, wallet, tier)
		q.locks.ReleaseQuietly(ctx, opponentLease)
		return res, err
	}
	// Queueing behind a busy opponent could leave both waiting unpaired.
	if skipped {
		return nil, ErrBusy
	}

	score = float64(now.UnixMilli())
	pipe := q.rdb.TxPipeline()
	pipe.ZAdd(ctx, tierKey(tier), redis.Z{Score: score, Member: wallet})
	pipe.PExpire(ctx, tierKey(tier), q.opts.EvictionWindow)
	pipe.Set(ctx, walletKey(wallet), tier, q.opts.EvictionWindow)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("enqueue wallet: %w", err)
	}
	q.log.WithFields(logrus.Fields{"wallet": wallet, "tier": tier}).Info("wallet queued")
	return q.waitingResult(ctx, wallet, tier, score)
}

// checkOtherTier rejects a join while the wallet waits in a different tier.
// An index pointing at an expired or missing entry is cleared.
func (q *Queue) checkOtherTier(ctx context.Context, wallet, tier string, now time.Time) error {
	other, err := q.rdb.Get(ctx, walletKey(wallet)).Result()
	if errors.Is(err, redis.Nil) || other == tier {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read wallet index: %w", err)
	}
	score, err := q.rdb.ZScore(ctx, tierKey(other), wallet).Result()
	if err == nil && !q.stale(score, now) {
		return ErrQueuedInOtherTier
	}
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("read queue entry: %w", err)
	}
	q.rdb.Del(ctx, walletKey(wallet))
	return nil
}

// pair removes the opponent from the tier before creating the match so no
// wallet is ever both queued and matched. A failed create puts the opponent
// back with its original enqueue time.
func (q *Queue) pair(ctx context.Context, opponent string, opponentScore float64, wallet, tier string) (*JoinResult, error) {
	pipe := q.rdb.TxPipeline()
	removed := pipe.ZRem(ctx, tierKey(tier), opponent)
	pipe.Del(ctx, walletKey(opponent))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("dequeue opponent: %w", err)
	}
	if removed.Val() == 0 {
		return nil, ErrBusy
	}

	match, err := q.matcher.CreateMatch(ctx, opponent, wallet, tier)
	if err != nil {
		q.restore(ctx, opponent, opponentScore, tier)
		return nil, fmt.Errorf("create match: %w", err)
	}

	q.log.WithFields(logrus.Fields{
		"match_id": match.ID, "player_a": opponent, "player_b": wallet, "tier": tier,
	}).Info("wallets paired")
	return &JoinResult{Status: StatusPaired, Tier: tier, MatchID: match.ID, Match: match}, nil
}

func (q *Queue) restore(ctx context.Context, wallet string, score float64, tier string) {
	remaining := q.opts.EvictionWindow - q.now().Sub(time.UnixMilli(int64(score)))
	if remaining <= 0 {
		remaining = time.Second
	}
	pipe := q.rdb.TxPipeline()
	pipe.ZAdd(ctx, tierKey(tier), redis.Z{Score: score, Member: wallet})
	pipe.PExpire(ctx, tierKey(tier), q.opts.EvictionWindow)
	pipe.Set(ctx, walletKey(wallet), tier, remaining)
	if _, err := pipe.Exec(ctx); err != nil {
		q.log.WithError(err).WithFields(logrus.Fields{"wallet": wallet, "tier": tier, "alert": true}).
			Error("failed to restore opponent after match creation failed")
	}
}

func (q *Queue) waitingResult(ctx context.Context, wallet, tier string, score float64) (*JoinResult, error) {
	rank, err := q.rdb.ZRank(ctx, tierKey(tier), wallet).Result()
	if err != nil {
		return nil, fmt.Errorf("read queue position: %w", err)
	}
	return &JoinResult{
		Status:     StatusWaiting,
		Tier:       tier,
		Position:   rank + 1,
		EnqueuedAt: time.UnixMilli(int64(score)).UTC(),
	}, nil
}

// evict removes one entrant. The caller holds the tier lock.
func (q *Queue) evict(ctx context.Context, tier, wallet, reason string) bool {
	removed, err := q.rdb.ZRem(ctx, tierKey(tier), wallet).Result()
	if err != nil {
		q.log.WithError(err).WithFields(logrus.Fields{"wallet": wallet, "tier": tier}).Warn("failed to evict queue entry")
		return false
	}
	if current, err := q.rdb.Get(ctx, walletKey(wallet)).Result(); err == nil && current == tier {
		q.rdb.Del(ctx, walletKey(wallet))
	}
	if removed == 0 {
		return false
	}
	q.log.WithFields(logrus.Fields{"wallet": wallet, "tier": tier, "reason": reason}).Info("queue entry evicted")
	q.sink.Publish(ctx, notify.Event{
		Type:    notify.EventQueueEvicted,
		Wallets: []string{wallet},
		Payload: map[string]interface{}{"stake_tier": tier, "reason": reason},
	})
	return true
}
