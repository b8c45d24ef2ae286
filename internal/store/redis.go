package store

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// NewRedisClient creates and pings a Redis client with optional password auth.
func NewRedisClient(ctx context.Context, addr, password string) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return rdb, nil
}

// runStatusTTL keeps status keys around long enough for polling clients but
// lets abandoned runs age out on their own.
const runStatusTTL = 6 * time.Hour

// RunStatusStore keeps the live status of in-flight runs in Redis so polling
// clients don't need the SSE stream.
type RunStatusStore struct {
	rdb *redis.Client
}

func NewRunStatusStore(rdb *redis.Client) *RunStatusStore {
	return &RunStatusStore{rdb: rdb}
}

func (s *RunStatusStore) Set(ctx context.Context, runID, status string) error {
	return s.rdb.Set(ctx, "run:"+runID+":status", status, runStatusTTL).Err()
}

// Get returns the run's status, or "" when unknown or expired.
func (s *RunStatusStore) Get(ctx context.Context, runID string) (string, error) {
	val, err := s.rdb.Get(ctx, "run:"+runID+":status").Result()
	if err == redis.Nil {
		return "", nil
	}
	return val, err
}
