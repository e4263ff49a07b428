package permission

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBucketStore keeps rate buckets in Redis so a fleet of nodes sharing a
// session store also shares its rate limits. Bucket state is a counter with a
// window-sized TTL; the window restarts when the key expires.
type RedisBucketStore struct {
	client *redis.Client
	prefix string
}

// NewRedisBucketStore wraps an existing Redis client.
func NewRedisBucketStore(client *redis.Client, prefix string) *RedisBucketStore {
	if prefix == "" {
		prefix = "corral:rate"
	}
	return &RedisBucketStore{client: client, prefix: prefix}
}

func (s *RedisBucketStore) key(sessionID, scope string) string {
	return fmt.Sprintf("%s:{%s}:%s", s.prefix, sessionID, scope)
}

func (s *RedisBucketStore) metaKey(sessionID, scope string) string {
	return s.key(sessionID, scope) + ":max"
}

func (s *RedisBucketStore) Install(ctx context.Context, sessionID, scope string, maxCalls int, window time.Duration) error {
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.metaKey(sessionID, scope), maxCalls, 0)
	pipe.Set(ctx, s.key(sessionID, scope), 0, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("permission: redis install: %w", err)
	}
	return nil
}

func (s *RedisBucketStore) Take(ctx context.Context, sessionID, scope string) (bool, bool, error) {
	maxStr, err := s.client.Get(ctx, s.metaKey(sessionID, scope)).Int()
	if err == redis.Nil {
		return true, false, nil
	}
	if err != nil {
		return false, true, fmt.Errorf("permission: redis take: %w", err)
	}

	key := s.key(sessionID, scope)
	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return false, true, fmt.Errorf("permission: redis incr: %w", err)
	}
	return count <= int64(maxStr), true, nil
}

func (s *RedisBucketStore) ClearSession(ctx context.Context, sessionID string) error {
	pattern := fmt.Sprintf("%s:{%s}:*", s.prefix, sessionID)
	iter := s.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		if err := s.client.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("permission: redis clear: %w", err)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("permission: redis scan: %w", err)
	}
	return nil
}
