package routing

import (
	"context"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisRotator(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	rot := NewRedisRotator(client, "")
	ctx := context.Background()
	a, b := uuid.New(), uuid.New()

	for want := uint64(0); want < 3; want++ {
		n, err := rot.Next(ctx, a)
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}
	n, err := rot.Next(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), n, "counters are per policy")

	got, err := mr.Get("routing:rr:" + a.String())
	require.NoError(t, err)
	assert.Equal(t, "3", got)

	mr.Close()
	_, err = rot.Next(ctx, a)
	assert.Error(t, err)
}

func TestRotators_ConcurrentCallersGetDistinctValues(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	rotators := map[string]Rotator{
		"memory": NewMemoryRotator(),
		"redis":  NewRedisRotator(client, "test:rr:"),
	}
	for name, rot := range rotators {
		t.Run(name, func(t *testing.T) {
			policyID := uuid.New()
			const callers = 50
			seen := make(chan uint64, callers)
			var wg sync.WaitGroup
			for i := 0; i < callers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					n, err := rot.Next(context.Background(), policyID)
					assert.NoError(t, err)
					seen <- n
				}()
			}
			wg.Wait()
			close(seen)

			values := make(map[uint64]bool, callers)
			for n := range seen {
				values[n] = true
			}
			assert.Len(t, values, callers)
			for i := uint64(0); i < callers; i++ {
				assert.True(t, values[i], "missing %d", i)
			}
		})
	}
}
