package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces checkpoint keys in a shared Redis database
const DefaultRedisPrefix = "thv-replicator:checkpoint:"

type redisStore struct {
	leases
	client redis.UniversalClient
	prefix string
}

// NewRedisStore creates a checkpoint store on a Redis client.
// Durability of Save follows the persistence configuration of the Redis server.
func NewRedisStore(client redis.UniversalClient, prefix string) Store {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &redisStore{
		client: client,
		prefix: prefix,
	}
}

func (r *redisStore) redisKey(key Key) string {
	return r.prefix + key.String()
}

func (r *redisStore) Load(ctx context.Context, key Key) (*Checkpoint, error) {
	data, err := r.client.Get(ctx, r.redisKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load checkpoint %s: %w", key, err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint %s: %w", key, err)
	}
	return &cp, nil
}

func (r *redisStore) Save(ctx context.Context, cp *Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint %s: %w", cp.Key, err)
	}
	if err := r.client.Set(ctx, r.redisKey(cp.Key), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save checkpoint %s: %w", cp.Key, err)
	}
	return nil
}

func (r *redisStore) Reset(ctx context.Context, key Key) error {
	if err := r.client.Del(ctx, r.redisKey(key)).Err(); err != nil {
		return fmt.Errorf("failed to reset checkpoint %s: %w", key, err)
	}
	return nil
}

func (r *redisStore) Lock(_ context.Context, key Key) (Unlock, error) {
	return r.acquire(key)
}
