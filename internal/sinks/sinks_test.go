package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"

	"github.com/Aidin1998/tiergate/internal/database"
	"github.com/Aidin1998/tiergate/internal/orderqueue"
	"github.com/Aidin1998/tiergate/internal/tier"
	errs "github.com/Aidin1998/tiergate/pkg/errors"
)

func newRouter(t *testing.T) *database.Router {
	t.Helper()
	db, err := database.Open(context.Background(), database.PoolConfig{Name: "primary", Driver: "sqlite", DSN: ":memory:"})
	require.NoError(t, err)

	r := database.NewRouter(
		database.Pool{Name: "primary", DB: db},
		nil,
		database.DefaultRouterConfig(),
		clockwork.NewFakeClock(),
		zaptest.NewLogger(t),
		nil,
	)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func balanceUpdates(n int, account string) []orderqueue.Operation {
	ops := make([]orderqueue.Operation, n)
	for i := range ops {
		ops[i] = orderqueue.NewOperation(account, tier.Primary, orderqueue.KindBalanceUpdate, []byte(`{"delta":"10.5"}`), time.Now())
	}
	return ops
}

func TestJournal_RecordsOperations(t *testing.T) {
	r := newRouter(t)
	j := NewJournal(r, clockwork.NewFakeClock(), zaptest.NewLogger(t))
	ctx := context.Background()
	require.NoError(t, j.Migrate(ctx))

	ops := balanceUpdates(3, "acct-1")
	results, err := j.Handle(ctx, ops)
	require.NoError(t, err)
	require.Len(t, results, 3)
	for i, res := range results {
		assert.Equal(t, ops[i].ID, res.OperationID)
		assert.NoError(t, res.Err)
	}

	entries, err := j.Recent(ctx, "acct-1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "primary", entries[0].Tier)
	assert.Equal(t, "balance-update", entries[0].Kind)
	assert.JSONEq(t, `{"delta":"10.5"}`, string(entries[0].Payload))

	stats := r.Stats()
	assert.Equal(t, int64(2), stats[0].Writes)
	assert.Equal(t, int64(1), stats[0].Reads)
}

func TestJournal_RedeliveryIsIdempotent(t *testing.T) {
	r := newRouter(t)
	j := NewJournal(r, nil, zaptest.NewLogger(t))
	ctx := context.Background()
	require.NoError(t, j.Migrate(ctx))

	ops := balanceUpdates(2, "acct-2")
	_, err := j.Handle(ctx, ops)
	require.NoError(t, err)

	results, err := j.Handle(ctx, ops)
	require.NoError(t, err)
	for _, res := range results {
		assert.NoError(t, res.Err)
	}

	entries, err := j.Recent(ctx, "acct-2", 10)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestJournal_PerItemFailureWithoutTable(t *testing.T) {
	j := NewJournal(newRouter(t), nil, zaptest.NewLogger(t))

	results, err := j.Handle(context.Background(), balanceUpdates(2, "acct-3"))
	require.NoError(t, err)
	for _, res := range results {
		assert.Error(t, res.Err)
	}
}

type downRouter struct{}

func (downRouter) RouteQuery(ctx context.Context, isWrite bool, fn func(ctx context.Context, db *gorm.DB) error) error {
	return errs.PoolUnavailable.Explain("write pool primary is not live")
}

func TestJournal_PoolUnavailableFailsGroup(t *testing.T) {
	j := NewJournal(downRouter{}, nil, zaptest.NewLogger(t))

	results, err := j.Handle(context.Background(), balanceUpdates(2, "acct-4"))
	assert.ErrorIs(t, err, errs.PoolUnavailable)
	assert.Nil(t, results)
}

func newCache(t *testing.T, ttl time.Duration) (*MarketDataCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewMarketDataCache(client, ttl, clockwork.NewFakeClock(), zaptest.NewLogger(t)), mr
}

func marketData(payloads ...string) []orderqueue.Operation {
	ops := make([]orderqueue.Operation, len(payloads))
	for i, p := range payloads {
		ops[i] = orderqueue.NewOperation("feed", tier.Primary, orderqueue.KindMarketDataWrite, []byte(p), time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	}
	return ops
}

func TestMarketDataCache_WritesLatestPoint(t *testing.T) {
	cache, mr := newCache(t, time.Minute)
	ctx := context.Background()

	ops := marketData(
		`{"symbol":"btcusdt","price":"64000.10","volume":"1.5","timestamp":"2026-03-01T12:00:01Z"}`,
		`{"symbol":"ETHUSDT","price":"3100","volume":"20"}`,
	)
	results, err := cache.Handle(ctx, ops)
	require.NoError(t, err)
	for _, res := range results {
		assert.NoError(t, res.Err)
	}

	point, err := cache.Latest(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("64000.10").Equal(point.Price))
	assert.True(t, decimal.RequireFromString("1.5").Equal(point.Volume))
	assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 1, 0, time.UTC), point.Timestamp)

	eth, err := cache.Latest(ctx, "ethusdt")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), eth.Timestamp, "missing timestamp falls back to enqueue time")

	assert.Equal(t, time.Minute, mr.TTL(MarketDataKey("BTCUSDT")))
}

func TestMarketDataCache_BadPayloadFailsAlone(t *testing.T) {
	cache, _ := newCache(t, 0)

	results, err := cache.Handle(context.Background(), marketData(
		`not json`,
		`{"price":"1"}`,
		`{"symbol":"SOLUSDT","price":"150","volume":"3"}`,
	))
	require.NoError(t, err)
	assert.Error(t, results[0].Err)
	assert.Error(t, results[1].Err)
	assert.NoError(t, results[2].Err)
}

func TestMarketDataCache_ConnectionLossFailsEveryItem(t *testing.T) {
	cache, mr := newCache(t, 0)
	mr.Close()

	results, err := cache.Handle(context.Background(), marketData(
		`{"symbol":"BTCUSDT","price":"1","volume":"1"}`,
		`{"symbol":"ETHUSDT","price":"1","volume":"1"}`,
	))
	require.NoError(t, err)
	for _, res := range results {
		assert.Error(t, res.Err)
	}
}

func TestMarketDataCache_LatestMissing(t *testing.T) {
	cache, _ := newCache(t, 0)
	_, err := cache.Latest(context.Background(), "DOGEUSDT")
	assert.ErrorIs(t, err, redis.Nil)
}
