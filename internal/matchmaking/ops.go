package matchmaking

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/playmatatu/wordduel/internal/lock"
)

// Leave removes the wallet from whichever tier it waits in.
func (q *Queue) Leave(ctx context.Context, wallet string) (bool, error) {
	tier, err := q.rdb.Get(ctx, walletKey(wallet)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read wallet index: %w", err)
	}

	lease, err := q.locks.AcquireWithRetry(ctx, lock.PairingKey(tier), q.opts.LockAttempts, q.opts.LockBackoff)
	if errors.Is(err, lock.ErrBusy) {
		return false, ErrBusy
	}
	if err != nil {
		return false, err
	}
	defer q.locks.ReleaseQuietly(ctx, lease)

	pipe := q.rdb.TxPipeline()
	removed := pipe.ZRem(ctx, tierKey(tier), wallet)
	pipe.Del(ctx, walletKey(wallet))
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("leave queue: %w", err)
	}
	if removed.Val() > 0 {
		q.log.WithFields(logrus.Fields{"wallet": wallet, "tier": tier}).Info("wallet left queue")
	}
	return removed.Val() > 0, nil
}

// Position returns the wallet's tier and 1-based place in it.
func (q *Queue) Position(ctx context.Context, wallet string) (string, int64, error) {
	tier, err := q.rdb.Get(ctx, walletKey(wallet)).Result()
	if errors.Is(err, redis.Nil) {
		return "", 0, ErrNotQueued
	}
	if err != nil {
		return "", 0, fmt.Errorf("read wallet index: %w", err)
	}
	rank, err := q.rdb.ZRank(ctx, tierKey(tier), wallet).Result()
	if errors.Is(err, redis.Nil) {
		return "", 0, ErrNotQueued
	}
	if err != nil {
		return "", 0, fmt.Errorf("read queue position: %w", err)
	}
	return tier, rank + 1, nil
}

// Depths returns the number of waiting entrants per tier.
func (q *Queue) Depths(ctx context.Context) (map[string]int64, error) {
	pipe := q.rdb.Pipeline()
	cmds := make(map[string]*redis.IntCmd, len(q.tiers))
	for _, tier := range q.tiers {
		cmds[tier] = pipe.ZCard(ctx, tierKey(tier))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("read queue depths: %w", err)
	}
	out := make(map[string]int64, len(cmds))
	for tier, cmd := range cmds {
		out[tier] = cmd.Val()
	}
	return out, nil
}

// Sweep evicts entrants older than the eviction window. The tier lock is
// taken per removal, never for the whole scan, and a busy tier is skipped
// until the next run.
func (q *Queue) Sweep(ctx context.Context) (int, error) {
	evicted := 0
	for _, tier := range q.tiers {
		cutoff := q.now().Add(-q.opts.EvictionWindow).UnixMilli()
		candidates, err := q.rdb.ZRangeByScore(ctx, tierKey(tier), &redis.ZRangeBy{
			Min: "-inf",
			Max: "(" + strconv.FormatInt(cutoff, 10),
		}).Result()
		if err != nil {
			return evicted, fmt.Errorf("scan tier %s: %w", tier, err)
		}

		for _, wallet := range candidates {
			if ctx.Err() != nil {
				return evicted, ctx.Err()
			}
			removed, err := q.evictIfStale(ctx, tier, wallet)
			if errors.Is(err, lock.ErrBusy) {
				q.log.WithField("tier", tier).Debug("tier busy, sweep will retry later")
				break
			}
			if err != nil {
				return evicted, err
			}
			if removed {
				evicted++
			}
		}
	}
	return evicted, nil
}

func (q *Queue) evictIfStale(ctx context.Context, tier, wallet string) (bool, error) {
	lease, err := q.locks.Acquire(ctx, lock.PairingKey(tier))
	if err != nil {
		return false, err
	}
	defer q.locks.ReleaseQuietly(ctx, lease)

	// Re-check under the lock; the wallet may have been paired meanwhile.
	score, err := q.rdb.ZScore(ctx, tierKey(tier), wallet).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read queue entry: %w", err)
	}
	if !q.stale(score, q.now()) {
		return false, nil
	}
	return q.evict(ctx, tier, wallet, "eviction window elapsed"), nil
}
