package fraud

import (
	"context"
	"testing"
	"time"

	"x402-engine/internal/clients/redis"
	"x402-engine/internal/events"
	"x402-engine/internal/observability"
	"x402-engine/internal/store/memstore"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisScorer(t *testing.T, client *redis.Client, fallback VelocityCounter, limit int) (*Scorer, *RedisVelocity) {
	t.Helper()
	logger := observability.NewNopLogger()
	v := NewRedisVelocity(client, time.Hour, fallback, logger)
	s := New(memstore.New(), v, events.NewRecorder(), Config{
		VelocityWindow: time.Hour,
		VelocityLimit:  limit,
		DisputeWindow:  30 * 24 * time.Hour,
	}, logger)
	return s, v
}

func TestRedisVelocity_WindowDropsOldPayments(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewFromClient(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}), observability.NewNopLogger())
	t.Cleanup(func() { _ = client.Close() })
	s, v := newRedisScorer(t, client, &fixedVelocity{}, 10)
	ctx := context.Background()

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return now })
	s.Observe(ctx, testWallet, "p-old")

	now = now.Add(2 * time.Hour)
	s.Observe(ctx, testWallet, "p-new")

	members, err := mr.ZMembers(velocityKey(testWallet))
	require.NoError(t, err)
	assert.Equal(t, []string{"p-new"}, members)

	n, err := v.Count(ctx, testWallet, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRedisVelocity_CountIncludesPaymentBeingScored(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewFromClient(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}), observability.NewNopLogger())
	t.Cleanup(func() { _ = client.Close() })
	s, _ := newRedisScorer(t, client, &fixedVelocity{}, 2)
	ctx := context.Background()

	s.Observe(ctx, testWallet, "p-1")
	res, err := s.Score(ctx, testWallet)
	require.NoError(t, err)
	assert.NotContains(t, res.Flags, FlagVelocityExceeded)

	// the second payment is observed before it is scored, so it counts
	s.Observe(ctx, testWallet, "p-2")
	res, err = s.Score(ctx, testWallet)
	require.NoError(t, err)
	assert.Contains(t, res.Flags, FlagVelocityExceeded)
	assert.Greater(t, res.Score, 0.0)
}

func TestRedisVelocity_FallsBackWhenRedisFails(t *testing.T) {
	client := redis.NewFromClient(goredis.NewClient(&goredis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	}), observability.NewNopLogger())
	t.Cleanup(func() { _ = client.Close() })

	fallback := &fixedVelocity{count: 7}
	s, v := newRedisScorer(t, client, fallback, 5)
	ctx := context.Background()

	assert.NoError(t, v.Add(ctx, testWallet, "p-1", time.Now()), "a failed window update is not fatal")

	n, err := v.Count(ctx, testWallet, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	res, err := s.Score(ctx, testWallet)
	require.NoError(t, err)
	assert.Contains(t, res.Flags, FlagVelocityExceeded)
}
