package apiqueue

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps the queue slot as a JSON string under one Redis key.
type RedisStore struct {
	client *redis.Client
	key    string
}

// NewRedisStore creates a store for the named slot.
func NewRedisStore(client *redis.Client, key string) *RedisStore {
	if key == "" {
		key = DefaultQueueKey
	}
	return &RedisStore{client: client, key: key}
}

// Load reads the slot. A missing key is an empty queue.
func (s *RedisStore) Load(ctx context.Context) ([]QueuedRequest, error) {
	data, err := s.client.Get(ctx, s.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []QueuedRequest{}, nil
		}
		return nil, fmt.Errorf("redis get %s: %w", s.key, err)
	}
	return decodeQueue(data)
}

// Save replaces the slot with queue.
func (s *RedisStore) Save(ctx context.Context, queue []QueuedRequest) error {
	data, err := encodeQueue(queue)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key, data, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", s.key, err)
	}
	return nil
}
