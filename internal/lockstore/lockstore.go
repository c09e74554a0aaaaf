// Package lockstore is the key-value boundary every distributed lock is built
// on. Lock records are encoded and decoded here and nowhere else.
package lockstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned by Get when no record is stored under the key.
var ErrNotFound = errors.New("lock record not found")

// Record is the payload stored under a lock key.
type Record struct {
	Owner      string    `json:"owner"`
	AcquiredAt time.Time `json:"acquired_at"`
	TTLMillis  int64     `json:"ttl_ms"`
}

// TTL returns the lease duration the owner asked for.
func (r Record) TTL() time.Duration {
	return time.Duration(r.TTLMillis) * time.Millisecond
}

// Store is the atomic key-value surface locks need.
type Store interface {
	// SetIfAbsent writes rec under key only if nothing is stored there,
	// expiring after ttl. It reports whether the write happened.
	SetIfAbsent(ctx context.Context, key string, rec Record, ttl time.Duration) (bool, error)
	// Get returns the decoded record and the raw stored value.
	Get(ctx context.Context, key string) (*Record, string, error)
	// CompareAndDelete deletes key only if its current raw value equals raw.
	CompareAndDelete(ctx context.Context, key, raw string) (bool, error)
	// Delete removes key unconditionally.
	Delete(ctx context.Context, key string) (bool, error)
}

const compareAndDeleteScript = `if redis.call('get', KEYS[1]) == ARGV[1] then return redis.call('del', KEYS[1]) else return 0 end`

// RedisStore implements Store with SET NX PX and a compare-and-delete script.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore wraps a go-redis client.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func encode(rec Record) (string, error) {
	b, err := json.Marshal(rec)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decode(raw string) (*Record, error) {
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *RedisStore) SetIfAbsent(ctx context.Context, key string, rec Record, ttl time.Duration) (bool, error) {
	raw, err := encode(rec)
	if err != nil {
		return false, err
	}
	return s.client.SetNX(ctx, key, raw, ttl).Result()
}

func (s *RedisStore) Get(ctx context.Context, key string) (*Record, string, error) {
	raw, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, "", ErrNotFound
	}
	if err != nil {
		return nil, "", err
	}
	rec, err := decode(raw)
	if err != nil {
		// A value we cannot parse is still held by someone. Return the raw
		// value so the caller can compare-and-delete it if it decides to.
		return nil, raw, err
	}
	return rec, raw, nil
}

func (s *RedisStore) CompareAndDelete(ctx context.Context, key, raw string) (bool, error) {
	n, err := s.client.Eval(ctx, compareAndDeleteScript, []string{key}, raw).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Del(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
