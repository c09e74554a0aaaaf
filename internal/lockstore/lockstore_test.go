package lockstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redismock/v9"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRecord() Record {
	return Record{
		Owner:      "host:1:1700000000:abc",
		AcquiredAt: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		TTLMillis:  30000,
	}
}

func TestRedisStore_SetIfAbsent(t *testing.T) {
	db, mock := redismock.NewClientMock()
	store := NewRedisStore(db)
	rec := testRecord()
	raw, err := encode(rec)
	require.NoError(t, err)

	mock.ExpectSetNX("lock:pair:0.1", raw, 30*time.Second).SetVal(true)
	mock.ExpectSetNX("lock:pair:0.1", raw, 30*time.Second).SetVal(false)

	ok, err := store.SetIfAbsent(context.Background(), "lock:pair:0.1", rec, 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.SetIfAbsent(context.Background(), "lock:pair:0.1", rec, 30*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisStore_Get(t *testing.T) {
	db, mock := redismock.NewClientMock()
	store := NewRedisStore(db)
	rec := testRecord()
	raw, _ := encode(rec)

	mock.ExpectGet("lock:a").SetVal(raw)
	mock.ExpectGet("lock:missing").RedisNil()
	mock.ExpectGet("lock:garbage").SetVal("not-json")

	got, gotRaw, err := store.Get(context.Background(), "lock:a")
	require.NoError(t, err)
	assert.Equal(t, raw, gotRaw)
	assert.Equal(t, rec.Owner, got.Owner)
	assert.True(t, rec.AcquiredAt.Equal(got.AcquiredAt))
	assert.Equal(t, 30*time.Second, got.TTL())

	_, _, err = store.Get(context.Background(), "lock:missing")
	assert.ErrorIs(t, err, ErrNotFound)

	got, gotRaw, err = store.Get(context.Background(), "lock:garbage")
	assert.Error(t, err)
	assert.Nil(t, got)
	assert.Equal(t, "not-json", gotRaw)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisStore_CompareAndDelete(t *testing.T) {
	db, mock := redismock.NewClientMock()
	store := NewRedisStore(db)

	mock.ExpectEval(compareAndDeleteScript, []string{"lock:a"}, "mine").SetVal(int64(1))
	mock.ExpectEval(compareAndDeleteScript, []string{"lock:a"}, "theirs").SetVal(int64(0))

	ok, err := store.CompareAndDelete(context.Background(), "lock:a", "mine")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.CompareAndDelete(context.Background(), "lock:a", "theirs")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisStore_AgainstMiniredis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStore(client)
	ctx := context.Background()
	rec := testRecord()

	ok, err := store.SetIfAbsent(ctx, "lock:x", rec, 10*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	_, raw, err := store.Get(ctx, "lock:x")
	require.NoError(t, err)

	deleted, err := store.CompareAndDelete(ctx, "lock:x", raw+"x")
	require.NoError(t, err)
	assert.False(t, deleted)
	assert.True(t, mr.Exists("lock:x"))

	deleted, err = store.CompareAndDelete(ctx, "lock:x", raw)
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.False(t, mr.Exists("lock:x"))

	ok, err = store.SetIfAbsent(ctx, "lock:x", rec, 10*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	mr.FastForward(11 * time.Second)
	_, _, err = store.Get(ctx, "lock:x")
	assert.ErrorIs(t, err, ErrNotFound)

	deleted, err = store.Delete(ctx, "lock:x")
	require.NoError(t, err)
	assert.False(t, deleted)
}
