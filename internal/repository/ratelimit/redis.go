package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	domain "github.com/ahmethakanbesel/social-resolver/internal/ratelimit"
)

// incrementWithin adds ARGV[1] to KEYS[1] only if the result stays at or
// below ARGV[2]. Returns {applied, count}.
var incrementWithin = redis.NewScript(`
	local cur = tonumber(redis.call("get", KEYS[1]) or "0")
	local cost = tonumber(ARGV[1])
	if cur + cost > tonumber(ARGV[2]) then
		return {0, cur}
	end
	cur = redis.call("incrby", KEYS[1], cost)
	redis.call("pexpire", KEYS[1], ARGV[3])
	return {1, cur}
`)

// RedisStore keeps counters in Redis so several instances share quota.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client, prefix: "ratelimit"}
}

func (s *RedisStore) key(k domain.Key) string {
	return fmt.Sprintf("%s:%s:%s:%d", s.prefix, k.APIKeyID, k.Kind, k.WindowStart.Unix())
}

func (s *RedisStore) IncrementWithin(ctx context.Context, k domain.Key, cost, limit int, ttl time.Duration) (int, bool, error) {
	res, err := incrementWithin.Run(ctx, s.client, []string{s.key(k)}, cost, limit, ttl.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, false, fmt.Errorf("redis increment: %w", err)
	}
	if len(res) != 2 {
		return 0, false, fmt.Errorf("redis increment: unexpected reply %v", res)
	}
	return int(res[1]), res[0] == 1, nil
}

func (s *RedisStore) Decrement(ctx context.Context, k domain.Key, cost int) error {
	if err := s.client.DecrBy(ctx, s.key(k), int64(cost)).Err(); err != nil {
		return fmt.Errorf("redis decrement: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, k domain.Key) (int, error) {
	n, err := s.client.Get(ctx, s.key(k)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis get: %w", err)
	}
	return n, nil
}
