package sinks

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Aidin1998/tiergate/internal/orderqueue"
	"github.com/Aidin1998/tiergate/internal/scheduler"
)

const marketDataKeyPrefix = "tiergate:marketdata:"

// MarketDataPoint is the payload of a market-data-write operation
type MarketDataPoint struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Volume    decimal.Decimal `json:"volume"`
	Timestamp time.Time       `json:"timestamp"`
}

// MarketDataKey returns the cache key for a symbol
func MarketDataKey(symbol string) string {
	return marketDataKeyPrefix + strings.ToUpper(symbol)
}

// MarketDataCache writes the latest point per symbol into Redis hashes
type MarketDataCache struct {
	client redis.UniversalClient
	ttl    time.Duration
	clock  clockwork.Clock
	logger *zap.Logger
}

// NewMarketDataCache creates the cache writer. A zero ttl keeps keys forever.
func NewMarketDataCache(client redis.UniversalClient, ttl time.Duration, clock clockwork.Clock, logger *zap.Logger) *MarketDataCache {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MarketDataCache{client: client, ttl: ttl, clock: clock, logger: logger}
}

var _ scheduler.Handler = (*MarketDataCache)(nil)

// Handle decodes every payload and writes the valid ones in one pipeline.
// Undecodable payloads fail on their own.
func (c *MarketDataCache) Handle(ctx context.Context, ops []orderqueue.Operation) ([]scheduler.Result, error) {
	results := make([]scheduler.Result, len(ops))
	cmds := make([]*redis.IntCmd, len(ops))
	now := c.clock.Now()

	pipe := c.client.Pipeline()
	queued := 0
	for i, op := range ops {
		results[i] = scheduler.Result{OperationID: op.ID}

		var point MarketDataPoint
		if err := json.Unmarshal(op.Payload, &point); err != nil {
			results[i].Err = fmt.Errorf("decode market data payload: %w", err)
			continue
		}
		if point.Symbol == "" {
			results[i].Err = fmt.Errorf("market data payload has no symbol")
			continue
		}
		if point.Timestamp.IsZero() {
			point.Timestamp = op.EnqueuedAt
		}

		key := MarketDataKey(point.Symbol)
		cmds[i] = pipe.HSet(ctx, key,
			"price", point.Price.String(),
			"volume", point.Volume.String(),
			"timestamp", point.Timestamp.UTC().Format(time.RFC3339Nano),
			"operation_id", op.ID,
			"written_at", now.UTC().Format(time.RFC3339Nano),
		)
		if c.ttl > 0 {
			pipe.Expire(ctx, key, c.ttl)
		}
		queued++
	}
	if queued == 0 {
		return results, nil
	}

	if _, err := pipe.Exec(ctx); err != nil {
		c.logger.Debug("market data pipeline reported errors", zap.Error(err))
	}
	for i, cmd := range cmds {
		if cmd == nil {
			continue
		}
		if err := cmd.Err(); err != nil {
			results[i].Err = err
		}
	}
	return results, nil
}

// Latest reads the cached point for symbol
func (c *MarketDataCache) Latest(ctx context.Context, symbol string) (*MarketDataPoint, error) {
	fields, err := c.client.HGetAll(ctx, MarketDataKey(symbol)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, redis.Nil
	}

	point := &MarketDataPoint{Symbol: strings.ToUpper(symbol)}
	if point.Price, err = decimal.NewFromString(fields["price"]); err != nil {
		return nil, fmt.Errorf("parse price: %w", err)
	}
	if point.Volume, err = decimal.NewFromString(fields["volume"]); err != nil {
		return nil, fmt.Errorf("parse volume: %w", err)
	}
	if point.Timestamp, err = time.Parse(time.RFC3339Nano, fields["timestamp"]); err != nil {
		return nil, fmt.Errorf("parse timestamp: %w", err)
	}
	return point, nil
}
