// Package webhookdedup suppresses duplicate webhook deliveries across a
// fleet of engined processes sitting behind one load balancer. A forge
// retries a delivery it didn't get a 2xx for, and two engined replicas can
// each receive the retry; without a shared dedup cache each would dispatch
// its own Run. Grounded on the same shared-cache role this codebase's other
// examples give Redis: a SET-if-absent with a TTL, not a queue or a cache of
// computed values.
package webhookdedup

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store reports whether a delivery ID has already been seen (within its
// TTL window), marking it seen as a side effect of the check so only the
// first caller across the fleet gets false.
type Store interface {
	SeenBefore(ctx context.Context, deliveryID string) (bool, error)
}

// RedisStore backs Store with a shared Redis instance, suitable when
// multiple engined replicas share one webhook endpoint.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisStore(addr string, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisStore{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		ttl:    ttl,
	}
}

func (s *RedisStore) SeenBefore(ctx context.Context, deliveryID string) (bool, error) {
	if deliveryID == "" {
		return false, nil
	}
	ok, err := s.client.SetNX(ctx, "webhookdedup:"+deliveryID, 1, s.ttl).Result()
	if err != nil {
		return false, err
	}
	// SetNX returns true when the key was newly set, i.e. this is the
	// first time this delivery ID has been seen.
	return !ok, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// NoopStore never reports a duplicate; used when no Redis address is
// configured, so a single-replica deployment pays no dedup cost.
type NoopStore struct{}

func (NoopStore) SeenBefore(ctx context.Context, deliveryID string) (bool, error) {
	return false, nil
}
