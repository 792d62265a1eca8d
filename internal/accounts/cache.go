package accounts

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Aidin1998/tiergate/internal/tier"
)

const balanceKeyPrefix = "tiergate:balances:"

// CachedProvider decorates a BalanceProvider with a Redis read-through cache.
// Cache failures never fail a lookup; they fall through to the wrapped provider.
type CachedProvider struct {
	next   tier.BalanceProvider
	client redis.UniversalClient
	ttl    time.Duration
	logger *zap.Logger
}

// NewCachedProvider wraps next. Snapshots are kept for ttl.
func NewCachedProvider(next tier.BalanceProvider, client redis.UniversalClient, ttl time.Duration, logger *zap.Logger) *CachedProvider {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedProvider{next: next, client: client, ttl: ttl, logger: logger}
}

var _ tier.BalanceProvider = (*CachedProvider)(nil)

func balanceKey(accountID string) string {
	return balanceKeyPrefix + accountID
}

// GetBalances serves from the cache, or loads from the wrapped provider and
// caches the result.
func (c *CachedProvider) GetBalances(ctx context.Context, accountID string) (*tier.FundingSnapshot, error) {
	key := balanceKey(accountID)

	data, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var snapshot tier.FundingSnapshot
		if err := json.Unmarshal(data, &snapshot); err == nil {
			return &snapshot, nil
		}
		c.logger.Warn("Discarding corrupt cached balances", zap.String("account_id", accountID))
	case !errors.Is(err, redis.Nil):
		c.logger.Warn("Balance cache read failed", zap.String("account_id", accountID), zap.Error(err))
	}

	snapshot, err := c.next.GetBalances(ctx, accountID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(snapshot); err == nil {
		if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
			c.logger.Warn("Balance cache write failed", zap.String("account_id", accountID), zap.Error(err))
		}
	}
	return snapshot, nil
}

// Invalidate drops the cached snapshot for accountID
func (c *CachedProvider) Invalidate(ctx context.Context, accountID string) error {
	return c.client.Del(ctx, balanceKey(accountID)).Err()
}
