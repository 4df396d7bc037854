package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahmethakanbesel/social-resolver/internal/platform/sqlite"
	domain "github.com/ahmethakanbesel/social-resolver/internal/ratelimit"
)

func newSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewSQLiteStore(db.DB)
}

func newRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client), srv
}

func stores(t *testing.T) map[string]domain.CounterStore {
	r, _ := newRedis(t)
	return map[string]domain.CounterStore{
		"sqlite": newSQLite(t),
		"redis":  r,
	}
}

var testKey = domain.Key{
	APIKeyID:    "acme",
	Kind:        domain.Minute,
	WindowStart: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
}

func TestCounterStore_IncrementWithin(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			n, err := s.Get(ctx, testKey)
			require.NoError(t, err)
			assert.Equal(t, 0, n)

			n, ok, err := s.IncrementWithin(ctx, testKey, 7, 10, time.Minute)
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, 7, n)

			n, ok, err = s.IncrementWithin(ctx, testKey, 4, 10, time.Minute)
			require.NoError(t, err)
			assert.False(t, ok)
			assert.Equal(t, 7, n, "refused increment must leave the counter unchanged")

			n, ok, err = s.IncrementWithin(ctx, testKey, 3, 10, time.Minute)
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, 10, n)

			require.NoError(t, s.Decrement(ctx, testKey, 3))
			n, err = s.Get(ctx, testKey)
			require.NoError(t, err)
			assert.Equal(t, 7, n)
		})
	}
}

func TestCounterStore_WindowsAreIndependent(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			next := testKey
			next.WindowStart = testKey.WindowStart.Add(time.Minute)

			_, ok, err := s.IncrementWithin(ctx, testKey, 10, 10, time.Minute)
			require.NoError(t, err)
			require.True(t, ok)

			_, ok, err = s.IncrementWithin(ctx, next, 1, 10, time.Minute)
			require.NoError(t, err)
			assert.True(t, ok)
		})
	}
}

func TestCounterStore_ConcurrentIncrementsNeverExceedLimit(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			var (
				wg      sync.WaitGroup
				mu      sync.Mutex
				applied int
			)
			for range 25 {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, ok, err := s.IncrementWithin(ctx, testKey, 1, 10, time.Minute)
					if err == nil && ok {
						mu.Lock()
						applied++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()

			n, err := s.Get(ctx, testKey)
			require.NoError(t, err)
			assert.Equal(t, 10, n)
			assert.Equal(t, 10, applied)
		})
	}
}

func TestRedisStore_KeyExpires(t *testing.T) {
	s, srv := newRedis(t)
	ctx := context.Background()

	_, _, err := s.IncrementWithin(ctx, testKey, 1, 10, 90*time.Second)
	require.NoError(t, err)
	assert.True(t, srv.Exists("ratelimit:acme:minute:1748779200"))

	srv.FastForward(2 * time.Minute)
	n, err := s.Get(ctx, testKey)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestSQLiteStore_Prune(t *testing.T) {
	s := newSQLite(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 30, 0, time.UTC)
	s.now = func() time.Time { return now }

	_, _, err := s.IncrementWithin(ctx, testKey, 1, 10, time.Minute)
	require.NoError(t, err)

	n, err := s.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	now = now.Add(2 * time.Minute)
	n, err = s.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestLimiter_WithSQLiteStore(t *testing.T) {
	s := newSQLite(t)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l := domain.NewLimiter(s, domain.WithClock(func() time.Time { return now }))
	plan := domain.PlanFor(domain.TierFree)
	ctx := context.Background()

	for range 10 {
		d, err := l.CheckAndConsume(ctx, "acme", plan, 1)
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}
	d, err := l.CheckAndConsume(ctx, "acme", plan, 1)
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	ws, err := l.Status(ctx, "acme", plan)
	require.NoError(t, err)
	assert.Equal(t, 10, ws[1].Used, "denied call must not leak into the day window")
}
