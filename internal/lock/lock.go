// Package lock implements owner-tagged distributed mutual exclusion on top of
// a lockstore.Store, with staleness recovery and a per-family failure policy.
package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/playmatatu/wordduel/internal/lockstore"
)

var (
	// ErrBusy means another owner holds the lock and it is not stale.
	ErrBusy = errors.New("lock is held by another owner")
	// ErrStoreUnavailable means the lock store could not be reached and the
	// family's policy forbids proceeding without it.
	ErrStoreUnavailable = errors.New("lock store unavailable")
)

// ReleaseResult reports what Release found under the key.
type ReleaseResult int

const (
	Released ReleaseResult = iota
	NotOwner
	Absent
)

func (r ReleaseResult) String() string {
	switch r {
	case Released:
		return "released"
	case NotOwner:
		return "not-owner"
	case Absent:
		return "absent"
	}
	return "unknown"
}

// Lease is a successfully acquired lock.
type Lease struct {
	Key        string
	Token      string
	AcquiredAt time.Time
	TTL        time.Duration
	// StaleRecovered is set when a stale record was forced out first.
	StaleRecovered bool
	// Degraded is set when the store was unreachable and the family fails
	// open. Nothing was written, so there is nothing to release.
	Degraded bool
}

// Locker acquires and releases locks for a single family.
type Locker struct {
	store  lockstore.Store
	policy Policy
	log    *logrus.Entry
	now    func() time.Time
	token  func() string
}

// New returns a Locker for the given family policy.
func New(store lockstore.Store, policy Policy, logger *logrus.Entry) (*Locker, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Locker{
		store:  store,
		policy: policy,
		log:    logger.WithFields(logrus.Fields{"component": "lock", "family": policy.Family}),
		now:    time.Now,
		token:  NewOwnerToken,
	}, nil
}

// Policy returns the family policy this Locker enforces.
func (l *Locker) Policy() Policy {
	return l.policy
}

// NewOwnerToken builds a process+time+random owner token.
func NewOwnerToken() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return fmt.Sprintf("%s:%d:%d:%s", host, os.Getpid(), time.Now().UnixNano(), uuid.NewString())
}

// Acquire takes the lock with a single set-if-absent. When the key is held by
// a record older than the family's stale threshold, that record is forced out
// and acquisition is retried exactly once.
func (l *Locker) Acquire(ctx context.Context, key string) (*Lease, error) {
	lease, ok, err := l.trySet(ctx, key)
	if err != nil {
		return l.storeFailure(ctx, key, err)
	}
	if ok {
		return lease, nil
	}

	rec, raw, err := l.store.Get(ctx, key)
	switch {
	case errors.Is(err, lockstore.ErrNotFound):
		// Expired between the two calls; fall through to the single retry.
	case err != nil && raw != "":
		l.log.WithError(err).WithField("key", key).Warn("unreadable lock record, treating as held")
		return nil, ErrBusy
	case err != nil:
		return l.storeFailure(ctx, key, err)
	default:
		age := l.now().Sub(rec.AcquiredAt)
		if age <= l.policy.StaleThreshold {
			return nil, ErrBusy
		}
		if _, err := l.store.CompareAndDelete(ctx, key, raw); err != nil {
			return l.storeFailure(ctx, key, err)
		}
		l.log.WithFields(logrus.Fields{
			"key":            key,
			"previous_owner": rec.Owner,
			"age":            age.String(),
		}).Warn("stale lock recovered")
	}

	lease, ok, err = l.trySet(ctx, key)
	if err != nil {
		return l.storeFailure(ctx, key, err)
	}
	if !ok {
		return nil, ErrBusy
	}
	lease.StaleRecovered = rec != nil
	return lease, nil
}

func (l *Locker) trySet(ctx context.Context, key string) (*Lease, bool, error) {
	now := l.now()
	token := l.token()
	rec := lockstore.Record{Owner: token, AcquiredAt: now, TTLMillis: l.policy.TTL.Milliseconds()}
	ok, err := l.store.SetIfAbsent(ctx, key, rec, l.policy.TTL)
	if err != nil || !ok {
		return nil, false, err
	}
	return &Lease{Key: key, Token: token, AcquiredAt: now, TTL: l.policy.TTL}, true, nil
}

func (l *Locker) storeFailure(ctx context.Context, key string, err error) (*Lease, error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if l.policy.FailOpen {
		l.log.WithError(err).WithField("key", key).Warn("lock store unreachable, proceeding without lock")
		return &Lease{Key: key, Token: l.token(), AcquiredAt: l.now(), TTL: l.policy.TTL, Degraded: true}, nil
	}
	return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}

// Release deletes the lock only if token still owns it.
func (l *Locker) Release(ctx context.Context, key, token string) (ReleaseResult, error) {
	rec, raw, err := l.store.Get(ctx, key)
	if errors.Is(err, lockstore.ErrNotFound) {
		return Absent, nil
	}
	if err != nil && raw == "" {
		return NotOwner, err
	}
	if rec == nil || rec.Owner != token {
		return NotOwner, nil
	}
	deleted, err := l.store.CompareAndDelete(ctx, key, raw)
	if err != nil {
		return NotOwner, err
	}
	if !deleted {
		// Expired or replaced after our read.
		return NotOwner, nil
	}
	return Released, nil
}

// ReleaseQuietly releases a lease and only logs failures. It runs even if ctx
// is already cancelled.
func (l *Locker) ReleaseQuietly(ctx context.Context, lease *Lease) {
	if lease == nil || lease.Degraded {
		return
	}
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	result, err := l.Release(releaseCtx, lease.Key, lease.Token)
	entry := l.log.WithFields(logrus.Fields{"key": lease.Key, "result": result.String()})
	if err != nil {
		entry.WithError(err).Warn("lock release failed")
		return
	}
	if result != Released {
		entry.Warn("lock was no longer ours at release")
	}
}

// IsStale reports whether the record under key is older than the stale
// threshold. A missing key is not stale.
func (l *Locker) IsStale(ctx context.Context, key string) (bool, error) {
	rec, _, err := l.store.Get(ctx, key)
	if errors.Is(err, lockstore.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return l.now().Sub(rec.AcquiredAt) > l.policy.StaleThreshold, nil
}

// ForceRelease deletes the lock regardless of owner.
func (l *Locker) ForceRelease(ctx context.Context, key string) (bool, error) {
	deleted, err := l.store.Delete(ctx, key)
	if err != nil {
		return false, err
	}
	if deleted {
		l.log.WithField("key", key).Warn("lock force-released")
	}
	return deleted, nil
}

// WithLock runs fn while holding key and releases the lock afterwards.
func (l *Locker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	lease, err := l.Acquire(ctx, key)
	if err != nil {
		return err
	}
	defer l.ReleaseQuietly(ctx, lease)
	return fn(ctx)
}
