package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const registryPrefix = "claimbot:claimed:"

// Registry remembers donations HMRC already accepted, keyed by donation id.
type Registry struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRegistry(client *redis.Client, ttl time.Duration) *Registry {
	return &Registry{client: client, ttl: ttl}
}

// Claimed returns the correlation id recorded for each already-claimed id.
func (r *Registry) Claimed(ctx context.Context, ids []string) (map[string]string, error) {
	claimed := make(map[string]string)
	if len(ids) == 0 {
		return claimed, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = registryPrefix + id
	}

	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("read claimed registry: %w", err)
	}
	for i, v := range values {
		if s, ok := v.(string); ok {
			claimed[ids[i]] = s
		}
	}
	return claimed, nil
}

// MarkClaimed records ids under correlationID. An existing record is never overwritten.
func (r *Registry) MarkClaimed(ctx context.Context, ids []string, correlationID string) error {
	if len(ids) == 0 {
		return nil
	}
	pipe := r.client.Pipeline()
	for _, id := range ids {
		pipe.SetNX(ctx, registryPrefix+id, correlationID, r.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("write claimed registry: %w", err)
	}
	return nil
}
