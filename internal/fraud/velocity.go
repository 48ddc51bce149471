package fraud

import (
	"context"
	"fmt"
	"time"

	"x402-engine/internal/clients/redis"
	"x402-engine/internal/observability"
	"x402-engine/internal/store"
)

// VelocityCounter tracks how many payments a wallet received recently.
type VelocityCounter interface {
	Add(ctx context.Context, wallet, paymentID string, at time.Time) error
	Count(ctx context.Context, wallet string, since time.Time) (int, error)
}

// StoreVelocity counts payment records directly. Add is a no-op because the
// record itself is the observation.
type StoreVelocity struct {
	store store.Storer
}

func NewStoreVelocity(s store.Storer) *StoreVelocity {
	return &StoreVelocity{store: s}
}

func (v *StoreVelocity) Add(context.Context, string, string, time.Time) error {
	return nil
}

func (v *StoreVelocity) Count(ctx context.Context, wallet string, since time.Time) (int, error) {
	return v.store.CountPaymentRecordsForWallet(ctx, wallet, since)
}

// RedisVelocity keeps one sorted set per wallet scored by payment time.
// Redis failures fall back to counting the store.
type RedisVelocity struct {
	client   *redis.Client
	window   time.Duration
	fallback VelocityCounter
	logger   *observability.Logger
}

func NewRedisVelocity(client *redis.Client, window time.Duration, fallback VelocityCounter, logger *observability.Logger) *RedisVelocity {
	return &RedisVelocity{client: client, window: window, fallback: fallback, logger: logger}
}

func velocityKey(wallet string) string {
	return fmt.Sprintf("x402:velocity:%s", wallet)
}

func (v *RedisVelocity) Add(ctx context.Context, wallet, paymentID string, at time.Time) error {
	if err := v.client.WindowAdd(ctx, velocityKey(wallet), paymentID, at, v.window); err != nil {
		v.logger.Warn(ctx, fmt.Sprintf("velocity window update failed, relying on store counts: %v", err))
	}
	return nil
}

func (v *RedisVelocity) Count(ctx context.Context, wallet string, since time.Time) (int, error) {
	n, err := v.client.WindowCount(ctx, velocityKey(wallet), since)
	if err != nil {
		v.logger.Warn(ctx, fmt.Sprintf("velocity window read failed, counting store: %v", err))
		return v.fallback.Count(ctx, wallet, since)
	}
	return int(n), nil
}
