package game_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/playmatatu/wordduel/internal/game"
	"github.com/playmatatu/wordduel/internal/ledger"
	"github.com/playmatatu/wordduel/internal/lock"
	"github.com/playmatatu/wordduel/internal/lockstore"
	"github.com/playmatatu/wordduel/internal/notify"
)

type recordingScheduler struct {
	mu   sync.Mutex
	jobs []string
}

func (s *recordingScheduler) add(kind, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, kind+":"+id)
	return nil
}

func (s *recordingScheduler) SchedulePayout(_ context.Context, id string) error {
	return s.add("payout", id)
}
func (s *recordingScheduler) ScheduleRefund(_ context.Context, id string) error {
	return s.add("refund", id)
}
func (s *recordingScheduler) ScheduleCleanup(_ context.Context, id string) error {
	return s.add("cleanup", id)
}

func (s *recordingScheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.jobs...)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	mgr   *game.Manager
	repo  *ledger.Memory
	sink  *notify.Recorder
	sched *recordingScheduler
	clock *clock
	mr    *miniredis.Miniredis
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	logger := logrus.NewEntry(logrus.New())
	locks, err := lock.New(lockstore.NewRedisStore(client), lock.Policy{
		Family: lock.FamilySettlement, TTL: 3 * time.Minute, StaleThreshold: 2 * time.Minute,
	}, logger)
	require.NoError(t, err)

	h := &harness{
		repo:  ledger.NewMemory(),
		sink:  &notify.Recorder{},
		sched: &recordingScheduler{},
		clock: &clock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)},
		mr:    mr,
	}
	h.mgr = game.NewManager(h.repo, locks, h.sink, game.Options{
		DepositDeadline: 10 * time.Minute,
		LockAttempts:    3,
		LockBackoff:     5 * time.Millisecond,
		Clock:           h.clock.Now,
	}, logger)
	h.mgr.SetScheduler(h.sched)
	return h
}

func TestManager_HappyPathPayout(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	m, err := h.mgr.CreateMatch(ctx, "wallet-a", "wallet-b", "0.1")
	require.NoError(t, err)
	assert.Equal(t, game.StatePaymentRequired, m.State)
	assert.Equal(t, h.clock.Now().Add(10*time.Minute), m.ExpiresAt)

	m, err = h.mgr.ConfirmDeposit(ctx, m.ID, "wallet-a")
	require.NoError(t, err)
	assert.Equal(t, game.StatePaymentPartial, m.State)

	// Repeat confirmation is a no-op.
	again, err := h.mgr.ConfirmDeposit(ctx, m.ID, "wallet-a")
	require.NoError(t, err)
	assert.Equal(t, m.Version, again.Version)

	m, err = h.mgr.ConfirmDeposit(ctx, m.ID, "wallet-b")
	require.NoError(t, err)
	assert.Equal(t, game.StateActive, m.State)
	require.NotNil(t, m.GameStartTime)

	m, err = h.mgr.AttachOutcome(ctx, m.ID, game.DecisiveWin("wallet-b"))
	require.NoError(t, err)
	assert.Equal(t, game.StateActive, m.State)
	assert.Equal(t, []string{"payout:" + m.ID}, h.sched.Jobs())

	_, err = h.mgr.AttachOutcome(ctx, m.ID, game.LosingTie())
	assert.ErrorIs(t, err, game.ErrOutcomeImmutable)

	m, err = h.mgr.Complete(ctx, m.ID, "0xtx")
	require.NoError(t, err)
	assert.Equal(t, game.StateCompleted, m.State)
	assert.Equal(t, "0xtx", m.SettlementTx)

	// Completing twice changes nothing.
	again, err = h.mgr.Complete(ctx, m.ID, "0xother")
	require.NoError(t, err)
	assert.Equal(t, "0xtx", again.SettlementTx)

	assert.Equal(t, []string{
		notify.EventMatchCreated,
		notify.EventDepositConfirmed,
		notify.EventDepositConfirmed,
		notify.EventMatchStarted,
		notify.EventOutcomeAttached,
		notify.EventMatchCompleted,
	}, h.sink.Types())
	assert.Contains(t, h.sched.Jobs(), "cleanup:"+m.ID)
}

func TestManager_RefundOutcome(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	m, err := h.mgr.CreateMatch(ctx, "a", "b", "0.5")
	require.NoError(t, err)
	_, err = h.mgr.ConfirmDeposit(ctx, m.ID, "a")
	require.NoError(t, err)
	_, err = h.mgr.ConfirmDeposit(ctx, m.ID, "b")
	require.NoError(t, err)

	_, err = h.mgr.AttachOutcome(ctx, m.ID, game.DecisiveWin("stranger"))
	assert.Error(t, err)

	_, err = h.mgr.AttachOutcome(ctx, m.ID, game.Timeout())
	require.NoError(t, err)
	assert.Equal(t, []string{"refund:" + m.ID}, h.sched.Jobs())
}

func TestManager_RejectsBadInput(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.mgr.CreateMatch(ctx, "a", "a", "0.1")
	assert.ErrorIs(t, err, game.ErrSelfMatch)

	m, err := h.mgr.CreateMatch(ctx, "a", "b", "0.1")
	require.NoError(t, err)

	_, err = h.mgr.ConfirmDeposit(ctx, m.ID, "c")
	assert.ErrorIs(t, err, game.ErrNotAPlayer)

	_, err = h.mgr.AttachOutcome(ctx, m.ID, game.WinningTie())
	assert.True(t, game.IsIllegalTransition(err))

	_, err = h.mgr.Complete(ctx, m.ID, "tx")
	assert.True(t, game.IsIllegalTransition(err))

	// Cancelling inside the deposit window is illegal.
	_, err = h.mgr.Cancel(ctx, m.ID, "changed my mind")
	assert.True(t, game.IsIllegalTransition(err))

	stored, err := h.mgr.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, game.StatePaymentRequired, stored.State)
	assert.Equal(t, m.Version, stored.Version)

	_, err = h.mgr.Get(ctx, "missing")
	assert.ErrorIs(t, err, game.ErrMatchNotFound)
}

func TestManager_ExpireOverdue(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	noDeposit, err := h.mgr.CreateMatch(ctx, "a", "b", "0.1")
	require.NoError(t, err)
	oneDeposit, err := h.mgr.CreateMatch(ctx, "c", "d", "0.1")
	require.NoError(t, err)
	_, err = h.mgr.ConfirmDeposit(ctx, oneDeposit.ID, "c")
	require.NoError(t, err)

	n, err := h.mgr.ExpireOverdue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	h.clock.Advance(10 * time.Minute)
	n, err = h.mgr.ExpireOverdue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, id := range []string{noDeposit.ID, oneDeposit.ID} {
		m, err := h.mgr.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, game.StateCancelled, m.State)
	}
	assert.ElementsMatch(t, []string{"cleanup:" + noDeposit.ID, "refund:" + oneDeposit.ID}, h.sched.Jobs())

	// Both wallets are free again.
	_, err = h.mgr.FindByWallet(ctx, "a")
	assert.ErrorIs(t, err, game.ErrMatchNotFound)
}

func TestManager_LateDepositCancelsAndRefunds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	m, err := h.mgr.CreateMatch(ctx, "a", "b", "0.1")
	require.NoError(t, err)
	h.clock.Advance(11 * time.Minute)

	m, err = h.mgr.ConfirmDeposit(ctx, m.ID, "b")
	require.NoError(t, err)
	assert.Equal(t, game.StateCancelled, m.State)
	assert.True(t, m.DepositB)
	assert.Equal(t, []string{"refund:" + m.ID}, h.sched.Jobs())

	m, err = h.mgr.RecordRefund(ctx, m.ID, "0xrefund")
	require.NoError(t, err)
	assert.Equal(t, "0xrefund", m.SettlementTx)
	assert.Contains(t, h.sched.Jobs(), "cleanup:"+m.ID)
}

func TestManager_BusyLockIsContention(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	m, err := h.mgr.CreateMatch(ctx, "a", "b", "0.1")
	require.NoError(t, err)

	require.NoError(t, h.mr.Set(lock.SettlementKey(m.ID), `{"owner":"other","acquired_at":"`+time.Now().UTC().Format(time.RFC3339Nano)+`","ttl_ms":180000}`))
	_, err = h.mgr.ConfirmDeposit(ctx, m.ID, "a")
	assert.ErrorIs(t, err, lock.ErrBusy)

	stored, err := h.mgr.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.False(t, stored.DepositA)
}

func TestManager_ConcurrentDepositsBothLand(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	m, err := h.mgr.CreateMatch(ctx, "a", "b", "0.1")
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, w := range []string{"a", "b"} {
		wg.Add(1)
		go func(wallet string) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				_, err := h.mgr.ConfirmDeposit(ctx, m.ID, wallet)
				if errors.Is(err, lock.ErrBusy) {
					time.Sleep(10 * time.Millisecond)
					continue
				}
				errs <- err
				return
			}
			errs <- lock.ErrBusy
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	stored, err := h.mgr.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, game.StateActive, stored.State)
}

func TestManager_MarkErrorOnCorruptRecord(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	m, err := h.mgr.CreateMatch(ctx, "a", "b", "0.1")
	require.NoError(t, err)

	corrupt, _ := h.repo.GetMatch(ctx, m.ID)
	corrupt.State = game.StateActive
	require.NoError(t, h.repo.SaveMatch(ctx, corrupt))

	_, err = h.mgr.Get(ctx, m.ID)
	assert.True(t, game.IsDataIntegrity(err))

	_, err = h.mgr.AttachOutcome(ctx, m.ID, game.WinningTie())
	assert.True(t, game.IsDataIntegrity(err))

	quarantined, err := h.mgr.MarkError(ctx, m.ID, err)
	require.NoError(t, err)
	assert.Equal(t, game.StateError, quarantined.State)
	assert.Contains(t, h.sink.Types(), notify.EventMatchError)
}

func TestManager_RecoverUnsettledAndArchive(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	m, err := h.mgr.CreateMatch(ctx, "a", "b", "0.1")
	require.NoError(t, err)
	_, _ = h.mgr.ConfirmDeposit(ctx, m.ID, "a")
	_, _ = h.mgr.ConfirmDeposit(ctx, m.ID, "b")
	_, err = h.mgr.AttachOutcome(ctx, m.ID, game.WinningTie())
	require.NoError(t, err)

	n, err := h.mgr.RecoverUnsettled(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"payout:" + m.ID, "payout:" + m.ID}, h.sched.Jobs())

	assert.True(t, game.IsIllegalTransition(h.mgr.Archive(ctx, m.ID)))

	_, err = h.mgr.Complete(ctx, m.ID, "tx")
	require.NoError(t, err)
	require.NoError(t, h.mgr.Archive(ctx, m.ID))
	require.NoError(t, h.mgr.Archive(ctx, m.ID))

	n, err = h.mgr.RecoverUnsettled(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
