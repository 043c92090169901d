package routing

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Rotator hands out the round-robin position for a policy. Each call returns
// the next value of a per-policy counter starting at zero; concurrent callers
// never receive the same value.
type Rotator interface {
	Next(ctx context.Context, policyID uuid.UUID) (uint64, error)
}

// MemoryRotator keeps counters in process.
type MemoryRotator struct {
	mu       sync.Mutex
	counters map[uuid.UUID]uint64
}

func NewMemoryRotator() *MemoryRotator {
	return &MemoryRotator{counters: make(map[uuid.UUID]uint64)}
}

func (r *MemoryRotator) Next(_ context.Context, policyID uuid.UUID) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.counters[policyID]
	r.counters[policyID] = n + 1
	return n, nil
}

// RedisRotator shares counters between instances with INCR.
type RedisRotator struct {
	client    *redis.Client
	keyPrefix string
}

func NewRedisRotator(client *redis.Client, keyPrefix string) *RedisRotator {
	if keyPrefix == "" {
		keyPrefix = "routing:rr:"
	}
	return &RedisRotator{client: client, keyPrefix: keyPrefix}
}

func (r *RedisRotator) Next(ctx context.Context, policyID uuid.UUID) (uint64, error) {
	n, err := r.client.Incr(ctx, r.keyPrefix+policyID.String()).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to advance round-robin counter: %w", err)
	}
	return uint64(n - 1), nil
}
