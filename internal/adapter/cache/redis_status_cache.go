package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/smallbiznis/fitlink/internal/domain"
	"github.com/smallbiznis/fitlink/internal/repository"
)

const statusKeyPrefix = "fitlink:token-status:"

// RedisStatusCache implements StatusCache backed by Redis.
type RedisStatusCache struct {
	client redis.UniversalClient
}

var _ repository.StatusCache = (*RedisStatusCache)(nil)

// NewRedisStatusCache constructs a Redis-backed status cache.
func NewRedisStatusCache(client redis.UniversalClient) *RedisStatusCache {
	return &RedisStatusCache{client: client}
}

func statusKey(ownerID string) string {
	return statusKeyPrefix + ownerID
}

// SaveStatus stores the encoded status snapshot with TTL.
func (s *RedisStatusCache) SaveStatus(ctx context.Context, ownerID string, status domain.TokenStatus, ttl time.Duration) error {
	payload, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}
	if err := s.client.Set(ctx, statusKey(ownerID), payload, ttl).Err(); err != nil {
		return fmt.Errorf("persist status: %w", err)
	}
	return nil
}

// GetStatus loads a cached snapshot. A miss returns nil without error.
func (s *RedisStatusCache) GetStatus(ctx context.Context, ownerID string) (*domain.TokenStatus, error) {
	bytes, err := s.client.Get(ctx, statusKey(ownerID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("load status: %w", err)
	}
	var status domain.TokenStatus
	if err := json.Unmarshal(bytes, &status); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	return &status, nil
}

// DeleteStatus drops the snapshot after the credential changes.
func (s *RedisStatusCache) DeleteStatus(ctx context.Context, ownerID string) error {
	if err := s.client.Del(ctx, statusKey(ownerID)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("delete status: %w", err)
	}
	return nil
}
