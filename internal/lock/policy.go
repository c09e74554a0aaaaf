package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Lock families.
const (
	FamilyPairing    = "pairing"
	FamilySettlement = "settlement"
	FamilyCleanup    = "cleanup"
)

// Policy configures one lock family.
type Policy struct {
	Family         string
	TTL            time.Duration
	StaleThreshold time.Duration
	// FailOpen lets Acquire hand out a degraded lease when the store is
	// unreachable. Only families that never move money may set it.
	FailOpen bool
}

// Validate checks that the stale threshold sits strictly inside the TTL.
func (p Policy) Validate() error {
	if p.Family == "" {
		return errors.New("lock policy needs a family name")
	}
	if p.TTL <= 0 {
		return fmt.Errorf("%s lock: TTL must be positive", p.Family)
	}
	if p.StaleThreshold <= 0 || p.StaleThreshold >= p.TTL {
		return fmt.Errorf("%s lock: stale threshold %s must be positive and shorter than TTL %s",
			p.Family, p.StaleThreshold, p.TTL)
	}
	if p.FailOpen && p.Family != FamilyPairing {
		return fmt.Errorf("%s lock: only the pairing family may fail open", p.Family)
	}
	return nil
}

// Lock keys.
func PairingKey(tier string) string        { return "lock:pair:" + tier }
func WalletKey(wallet string) string       { return "lock:wallet:" + wallet }
func SettlementKey(matchID string) string  { return "lock:settle:" + matchID }
func ExecutionKey(dedupeKey string) string { return "lock:exec:" + dedupeKey }
func CleanupKey(matchID string) string     { return "lock:cleanup:" + matchID }

// AcquireWithRetry retries Acquire on ErrBusy with jittered exponential
// backoff, at most attempts times in total. Any other error stops at once.
func (l *Locker) AcquireWithRetry(ctx context.Context, key string, attempts int, initial time.Duration) (*Lease, error) {
	if attempts < 1 {
		attempts = 1
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.RandomizationFactor = 0.5
	b.Multiplier = 2
	b.MaxInterval = 20 * initial
	b.MaxElapsedTime = 0

	op := func() (*Lease, error) {
		lease, err := l.Acquire(ctx, key)
		if err == nil {
			return lease, nil
		}
		if errors.Is(err, ErrBusy) {
			return nil, err
		}
		return nil, backoff.Permanent(err)
	}

	lease, err := backoff.RetryWithData(op, backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx))
	if err != nil {
		return nil, err
	}
	return lease, nil
}

// WithLockRetry is WithLock using AcquireWithRetry.
func (l *Locker) WithLockRetry(ctx context.Context, key string, attempts int, initial time.Duration, fn func(ctx context.Context) error) error {
	lease, err := l.AcquireWithRetry(ctx, key, attempts, initial)
	if err != nil {
		return err
	}
	defer l.ReleaseQuietly(ctx, lease)
	return fn(ctx)
}
