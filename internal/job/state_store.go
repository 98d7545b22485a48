package job

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	apperrors "github.com/game-data-manager/internal/errors"
)

// DefaultLastRunKey is the Redis hash holding job completion timestamps.
const DefaultLastRunKey = "jobs:last_run"

// StateStore persists job completion timestamps across restarts.
type StateStore interface {
	// LastRun returns the zero time when the job never completed.
	LastRun(ctx context.Context, name string) (time.Time, error)
	SetLastRun(ctx context.Context, name string, t time.Time) error
}

// RedisStateStore keeps completion timestamps in a Redis hash.
type RedisStateStore struct {
	client redis.Cmdable
	key    string
}

// NewRedisStateStore creates a state store on the given hash key.
func NewRedisStateStore(client redis.Cmdable, key string) *RedisStateStore {
	if key == "" {
		key = DefaultLastRunKey
	}
	return &RedisStateStore{client: client, key: key}
}

// LastRun reads the timestamp for name.
func (s *RedisStateStore) LastRun(ctx context.Context, name string) (time.Time, error) {
	val, err := s.client.HGet(ctx, s.key, name).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, apperrors.NewDatabaseError("read last run", err)
	}

	t, err := time.Parse(time.RFC3339Nano, val)
	if err != nil {
		return time.Time{}, apperrors.NewInternalError("corrupt last run timestamp for "+name, err)
	}
	return t, nil
}

// SetLastRun stores t for name.
func (s *RedisStateStore) SetLastRun(ctx context.Context, name string, t time.Time) error {
	if err := s.client.HSet(ctx, s.key, name, t.UTC().Format(time.RFC3339Nano)).Err(); err != nil {
		return apperrors.NewDatabaseError("write last run", err)
	}
	return nil
}

// MemoryStateStore is a process-local StateStore.
type MemoryStateStore struct {
	mu    sync.RWMutex
	times map[string]time.Time
}

// NewMemoryStateStore creates an empty in-memory store.
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{times: make(map[string]time.Time)}
}

func (s *MemoryStateStore) LastRun(ctx context.Context, name string) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.times[name], nil
}

func (s *MemoryStateStore) SetLastRun(ctx context.Context, name string, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.times[name] = t
	return nil
}
