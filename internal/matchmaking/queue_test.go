package matchmaking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/brianvoe/gofakeit/v6"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/playmatatu/wordduel/internal/game"
	"github.com/playmatatu/wordduel/internal/ledger"
	"github.com/playmatatu/wordduel/internal/lock"
	"github.com/playmatatu/wordduel/internal/lockstore"
	"github.com/playmatatu/wordduel/internal/notify"
)

type fixture struct {
	queue *Queue
	mgr   *game.Manager
	repo  *ledger.Memory
	sink  *notify.Recorder
	rdb   *redis.Client
	mr    *miniredis.Miniredis
	now   time.Time
	mu    sync.Mutex
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func newFixture(t *testing.T, matcher Matcher) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	logger := logrus.NewEntry(logrus.New())
	store := lockstore.NewRedisStore(rdb)

	settleLocks, err := lock.New(store, lock.Policy{Family: lock.FamilySettlement, TTL: time.Minute, StaleThreshold: 40 * time.Second}, logger)
	require.NoError(t, err)
	pairLocks, err := lock.New(store, lock.Policy{Family: lock.FamilyPairing, TTL: 30 * time.Second, StaleThreshold: 20 * time.Second, FailOpen: true}, logger)
	require.NoError(t, err)

	f := &fixture{repo: ledger.NewMemory(), sink: &notify.Recorder{}, rdb: rdb, mr: mr, now: time.Now()}
	f.mgr = game.NewManager(f.repo, settleLocks, f.sink, game.Options{DepositDeadline: 10 * time.Minute}, logger)
	if matcher == nil {
		matcher = f.mgr
	}
	f.queue, err = New(rdb, pairLocks, matcher, f.sink, Options{
		Tiers:          []decimal.Decimal{decimal.RequireFromString("0.1"), decimal.RequireFromString("0.5"), decimal.RequireFromString("1")},
		EvictionWindow: 5 * time.Minute,
		LockAttempts:   4,
		LockBackoff:    5 * time.Millisecond,
		Clock:          f.clock,
	}, logger)
	require.NoError(t, err)
	return f
}

// joinUntilDone retries contention the way a client would.
func joinUntilDone(t *testing.T, q *Queue, wallet, tier string) *JoinResult {
	t.Helper()
	for i := 0; i < 200; i++ {
		res, err := q.Join(context.Background(), wallet, tier)
		if errors.Is(err, ErrBusy) {
			time.Sleep(2 * time.Millisecond)
			continue
		}
		require.NoError(t, err)
		return res
	}
	t.Fatalf("join for %s never got through", wallet)
	return nil
}

func TestJoin_TwoWalletsPairOnce(t *testing.T) {
	f := newFixture(t, nil)

	var wg sync.WaitGroup
	results := make([]*JoinResult, 2)
	for i, w := range []string{"A", "B"} {
		wg.Add(1)
		go func(i int, w string) {
			defer wg.Done()
			time.Sleep(time.Duration(i*25) * time.Millisecond)
			results[i] = joinUntilDone(t, f.queue, w, "0.1")
		}(i, w)
	}
	wg.Wait()

	var paired *JoinResult
	for _, r := range results {
		if r.Status == StatusPaired {
			require.Nil(t, paired, "both joins reported a pairing")
			paired = r
		}
	}
	require.NotNil(t, paired)
	m := paired.Match
	assert.Equal(t, game.StatePaymentRequired, m.State)
	assert.ElementsMatch(t, []string{"A", "B"}, []string{m.PlayerA, m.PlayerB})

	depths, err := f.queue.Depths(context.Background())
	require.NoError(t, err)
	assert.Zero(t, depths["0.1"])
	for _, w := range []string{"A", "B"} {
		_, _, err := f.queue.Position(context.Background(), w)
		assert.ErrorIs(t, err, ErrNotQueued)
	}

	// Joining again returns the same match instead of queueing.
	again := joinUntilDone(t, f.queue, "A", "0.1")
	assert.Equal(t, StatusPaired, again.Status)
	assert.Equal(t, m.ID, again.MatchID)
}

func TestJoin_DuplicateJoinIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	first, err := f.queue.Join(ctx, "A", "0.1")
	require.NoError(t, err)
	second, err := f.queue.Join(ctx, "A", "0.10")
	require.NoError(t, err)

	assert.Equal(t, StatusWaiting, first.Status)
	assert.Equal(t, first, second)
	assert.Equal(t, int64(1), first.Position)

	n, err := f.rdb.ZCard(ctx, tierKey("0.1")).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestJoin_ConcurrentWalletsFormDisjointPairs(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	wallets := make([]string, 21)
	for i := range wallets {
		wallets[i] = fmt.Sprintf("%s-%d", gofakeit.UUID(), i)
	}

	var wg sync.WaitGroup
	for _, w := range wallets {
		wg.Add(1)
		go func(w string) {
			defer wg.Done()
			joinUntilDone(t, f.queue, w, "0.5")
		}(w)
	}
	wg.Wait()

	seen := make(map[string]string)
	matches := 0
	queued := 0
	for _, w := range wallets {
		m, err := f.repo.FindMatchByWallet(ctx, w)
		_, _, qerr := f.queue.Position(ctx, w)
		if errors.Is(err, game.ErrMatchNotFound) {
			require.NoError(t, qerr, "wallet %s is neither matched nor queued", w)
			queued++
			continue
		}
		require.NoError(t, err)
		assert.ErrorIs(t, qerr, ErrNotQueued, "wallet %s is queued and matched", w)
		assert.NotEqual(t, m.PlayerA, m.PlayerB)
		if prev, ok := seen[w]; ok {
			assert.Equal(t, prev, m.ID)
		}
		seen[w] = m.ID
		if m.PlayerA == w {
			matches++
		}
	}
	assert.Equal(t, 10, matches)
	assert.Equal(t, 1, queued)
}

func TestJoin_OneTierPerWallet(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.queue.Join(ctx, "A", "0.1")
	require.NoError(t, err)
	_, err = f.queue.Join(ctx, "A", "1")
	assert.ErrorIs(t, err, ErrQueuedInOtherTier)

	_, err = f.queue.Join(ctx, "A", "7")
	assert.ErrorIs(t, err, ErrUnknownTier)
	_, err = f.queue.Join(ctx, " ", "0.1")
	assert.ErrorIs(t, err, ErrInvalidWallet)

	left, err := f.queue.Leave(ctx, "A")
	require.NoError(t, err)
	assert.True(t, left)
	left, err = f.queue.Leave(ctx, "A")
	require.NoError(t, err)
	assert.False(t, left)

	res, err := f.queue.Join(ctx, "A", "1")
	require.NoError(t, err)
	assert.Equal(t, StatusWaiting, res.Status)
	assert.Equal(t, "1", res.Tier)
}

func TestJoin_SkipsStaleEntrants(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.queue.Join(ctx, "old", "0.1")
	require.NoError(t, err)
	f.advance(6 * time.Minute)
	_, err = f.queue.Join(ctx, "fresh", "0.1")
	require.NoError(t, err)

	res, err := f.queue.Join(ctx, "late", "0.1")
	require.NoError(t, err)
	require.Equal(t, StatusPaired, res.Status)
	assert.Equal(t, "fresh", res.Match.PlayerA)
	assert.Equal(t, "late", res.Match.PlayerB)

	assert.Contains(t, f.sink.Types(), notify.EventQueueEvicted)
	_, _, err = f.queue.Position(ctx, "old")
	assert.ErrorIs(t, err, ErrNotQueued)
}

func TestSweep(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.queue.Join(ctx, "A", "0.1")
	require.NoError(t, err)
	_, err = f.queue.Join(ctx, "B", "0.5")
	require.NoError(t, err)
	f.advance(4 * time.Minute)
	_, err = f.queue.Join(ctx, "C", "1")
	require.NoError(t, err)

	n, err := f.queue.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.advance(2 * time.Minute)
	n, err = f.queue.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	depths, err := f.queue.Depths(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"0.1": 0, "0.5": 0, "1": 1}, depths)
	assert.False(t, f.mr.Exists(walletKey("A")))
}

func TestSweep_SkipsBusyTier(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.queue.Join(ctx, "A", "0.1")
	require.NoError(t, err)
	f.advance(6 * time.Minute)

	lease, err := f.queue.locks.Acquire(ctx, lock.PairingKey("0.1"))
	require.NoError(t, err)
	n, err := f.queue.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.queue.locks.ReleaseQuietly(ctx, lease)
	n, err = f.queue.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

type failingMatcher struct{ Matcher }

func (failingMatcher) CreateMatch(context.Context, string, string, string) (*game.Match, error) {
	return nil, errors.New("ledger down")
}

func TestJoin_FailedMatchCreationRestoresOpponent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.queue.matcher = failingMatcher{Matcher: f.mgr}

	first, err := f.queue.Join(ctx, "A", "0.1")
	require.NoError(t, err)

	_, err = f.queue.Join(ctx, "B", "0.1")
	require.Error(t, err)

	tier, pos, err := f.queue.Position(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, "0.1", tier)
	assert.Equal(t, int64(1), pos)
	score, err := f.rdb.ZScore(ctx, tierKey("0.1"), "A").Result()
	require.NoError(t, err)
	assert.Equal(t, first.EnqueuedAt.UnixMilli(), int64(score))

	_, _, err = f.queue.Position(ctx, "B")
	assert.ErrorIs(t, err, ErrNotQueued)
}

func TestJoin_BusyTier(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	lease, err := f.queue.locks.Acquire(ctx, lock.PairingKey("0.1"))
	require.NoError(t, err)
	defer f.queue.locks.ReleaseQuietly(ctx, lease)

	_, err = f.queue.Join(ctx, "A", "0.1")
	assert.ErrorIs(t, err, ErrBusy)
	assert.ErrorIs(t, err, lock.ErrBusy)
}

// gatedMatcher parks the first FindByWallet for one wallet until gate closes.
type gatedMatcher struct {
	Matcher
	wallet  string
	entered chan struct{}
	gate    chan struct{}
	once    sync.Once
}

func (g *gatedMatcher) FindByWallet(ctx context.Context, wallet string) (*game.Match, error) {
	if wallet == g.wallet {
		g.once.Do(func() { close(g.entered) })
		<-g.gate
	}
	return g.Matcher.FindByWallet(ctx, wallet)
}

func TestJoin_SameWalletTwoTiersConcurrently(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	gated := &gatedMatcher{Matcher: f.mgr, wallet: "W", entered: make(chan struct{}), gate: make(chan struct{})}
	f.queue.matcher = gated

	_, err := f.queue.Join(ctx, "P", "0.1")
	require.NoError(t, err)
	_, err = f.queue.Join(ctx, "Q", "0.5")
	require.NoError(t, err)

	first := make(chan *JoinResult, 1)
	go func() {
		res, err := f.queue.Join(ctx, "W", "0.1")
		assert.NoError(t, err)
		first <- res
	}()
	<-gated.entered

	// The first join holds the wallet, so the second cannot scan 0.5.
	_, err = f.queue.Join(ctx, "W", "0.5")
	assert.ErrorIs(t, err, ErrBusy)

	close(gated.gate)
	res := <-first
	require.NotNil(t, res)
	require.Equal(t, StatusPaired, res.Status)
	assert.Equal(t, "0.1", res.Tier)

	again := joinUntilDone(t, f.queue, "W", "0.5")
	assert.Equal(t, StatusPaired, again.Status)
	assert.Equal(t, res.MatchID, again.MatchID, "wallet ended up in a second match")

	tier, pos, err := f.queue.Position(ctx, "Q")
	require.NoError(t, err)
	assert.Equal(t, "0.5", tier)
	assert.Equal(t, int64(1), pos)
	_, _, err = f.queue.Position(ctx, "W")
	assert.ErrorIs(t, err, ErrNotQueued)
}

func TestJoin_SkipsOpponentBusyElsewhere(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.queue.Join(ctx, "A", "0.1")
	require.NoError(t, err)
	f.advance(time.Second)
	_, err = f.queue.Join(ctx, "X", "0.1")
	require.NoError(t, err)

	lease, err := f.queue.locks.Acquire(ctx, lock.WalletKey("A"))
	require.NoError(t, err)

	res, err := f.queue.Join(ctx, "B", "0.1")
	require.NoError(t, err)
	require.Equal(t, StatusPaired, res.Status)
	assert.ElementsMatch(t, []string{"X", "B"}, []string{res.Match.PlayerA, res.Match.PlayerB})

	// A is the only entrant left and still busy.
	_, err = f.queue.Join(ctx, "C", "0.1")
	assert.ErrorIs(t, err, ErrBusy)
	_, _, err = f.queue.Position(ctx, "C")
	assert.ErrorIs(t, err, ErrNotQueued)

	f.queue.locks.ReleaseQuietly(ctx, lease)
	res, err = f.queue.Join(ctx, "C", "0.1")
	require.NoError(t, err)
	require.Equal(t, StatusPaired, res.Status)
	assert.ElementsMatch(t, []string{"A", "C"}, []string{res.Match.PlayerA, res.Match.PlayerB})
}
