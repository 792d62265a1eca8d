package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	errs "github.com/Aidin1998/tiergate/pkg/errors"
	"github.com/Aidin1998/tiergate/pkg/metrics"
)

var errBoom = errors.New("boom")

func failing(calls *int) func(context.Context) error {
	return func(context.Context) error {
		*calls++
		return errBoom
	}
}

func succeeding(calls *int) func(context.Context) error {
	return func(context.Context) error {
		*calls++
		return nil
	}
}

func TestBreaker_StoreScenario(t *testing.T) {
	fc := clockwork.NewFakeClock()
	r := NewRegistry(DefaultConfig(), map[string]Config{
		"store": {FailureThreshold: 2, SuccessThreshold: 1, OpenTimeout: time.Second},
	}, fc, zaptest.NewLogger(t), nil)
	ctx := context.Background()
	calls := 0

	require.Error(t, r.Execute(ctx, "store", failing(&calls)))
	require.Error(t, r.Execute(ctx, "store", failing(&calls)))
	require.Equal(t, 2, calls)

	err := r.Execute(ctx, "store", succeeding(&calls))
	assert.ErrorIs(t, err, errs.BreakerOpen)
	assert.Equal(t, 2, calls, "open breaker must not invoke fn")

	fc.Advance(time.Second)
	require.NoError(t, r.Execute(ctx, "store", succeeding(&calls)))
	assert.Equal(t, 3, calls)

	b, ok := r.Get("store")
	require.True(t, ok)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_FullCycle(t *testing.T) {
	fc := clockwork.NewFakeClock()
	b := NewBreaker("exchange", Config{FailureThreshold: 3, SuccessThreshold: 2, OpenTimeout: 5 * time.Second, MaxHalfOpenCalls: 5}, fc, zaptest.NewLogger(t), nil)
	ctx := context.Background()
	calls := 0

	for i := 0; i < 2; i++ {
		_ = b.Execute(ctx, failing(&calls))
		assert.Equal(t, StateClosed, b.State())
	}
	_ = b.Execute(ctx, failing(&calls))
	assert.Equal(t, StateOpen, b.State())

	// still open before the timeout
	fc.Advance(4 * time.Second)
	err := b.Execute(ctx, succeeding(&calls))
	assert.ErrorIs(t, err, errs.BreakerOpen)
	assert.Equal(t, time.Second, errs.RetryAfterOf(err))
	assert.Equal(t, 3, calls)

	// first success after timeout moves to half-open but does not close yet
	fc.Advance(time.Second)
	require.NoError(t, b.Execute(ctx, succeeding(&calls)))
	assert.Equal(t, StateHalfOpen, b.State())

	require.NoError(t, b.Execute(ctx, succeeding(&calls)))
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 0, b.Snapshot().ConsecutiveFailures)
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	fc := clockwork.NewFakeClock()
	b := NewBreaker("cache", Config{FailureThreshold: 1, SuccessThreshold: 3, OpenTimeout: time.Second}, fc, zaptest.NewLogger(t), nil)
	ctx := context.Background()
	calls := 0

	_ = b.Execute(ctx, failing(&calls))
	fc.Advance(time.Second)
	require.NoError(t, b.Execute(ctx, succeeding(&calls)))
	assert.Equal(t, StateHalfOpen, b.State())

	_ = b.Execute(ctx, failing(&calls))
	assert.Equal(t, StateOpen, b.State())

	// timer restarted at the half-open failure
	fc.Advance(500 * time.Millisecond)
	assert.ErrorIs(t, b.Execute(ctx, succeeding(&calls)), errs.BreakerOpen)
	assert.Equal(t, 3, calls)
}

func TestBreaker_SuccessDecrementsFailures(t *testing.T) {
	b := NewBreaker("store", Config{FailureThreshold: 3, SuccessThreshold: 1, OpenTimeout: time.Second}, clockwork.NewFakeClock(), zaptest.NewLogger(t), nil)
	ctx := context.Background()
	calls := 0

	_ = b.Execute(ctx, failing(&calls))
	_ = b.Execute(ctx, failing(&calls))
	_ = b.Execute(ctx, succeeding(&calls))
	_ = b.Execute(ctx, succeeding(&calls))
	_ = b.Execute(ctx, succeeding(&calls))
	assert.Equal(t, 0, b.Snapshot().ConsecutiveFailures)

	_ = b.Execute(ctx, failing(&calls))
	_ = b.Execute(ctx, failing(&calls))
	assert.Equal(t, StateClosed, b.State())
	_ = b.Execute(ctx, failing(&calls))
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_DownstreamFailurePreservesCause(t *testing.T) {
	b := NewBreaker("store", DefaultConfig(), clockwork.NewFakeClock(), zaptest.NewLogger(t), nil)
	calls := 0

	err := b.Execute(context.Background(), failing(&calls))
	assert.ErrorIs(t, err, errs.DownstreamFailure)
	assert.ErrorIs(t, err, errBoom)
}

func TestBreaker_NonFatalAllowList(t *testing.T) {
	errDuplicate := errors.New("duplicate key")
	r := NewRegistry(DefaultConfig(), nil, clockwork.NewFakeClock(), zaptest.NewLogger(t), nil)
	r.Register("store", Config{FailureThreshold: 1, SuccessThreshold: 1, OpenTimeout: time.Minute}, errDuplicate)

	for i := 0; i < 5; i++ {
		err := r.Execute(context.Background(), "store", func(context.Context) error { return errDuplicate })
		assert.Same(t, errDuplicate, err, "non-fatal errors are returned unchanged")
	}
	b, _ := r.Get("store")
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, int64(5), b.Snapshot().SucceededCalls)
}

func TestBreaker_HalfOpenLimitsConcurrentCalls(t *testing.T) {
	fc := clockwork.NewFakeClock()
	b := NewBreaker("exchange", Config{FailureThreshold: 1, SuccessThreshold: 1, OpenTimeout: time.Second, MaxHalfOpenCalls: 1}, fc, zaptest.NewLogger(t), nil)
	ctx := context.Background()
	calls := 0
	_ = b.Execute(ctx, failing(&calls))
	fc.Advance(time.Second)

	release := make(chan struct{})
	entered := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = b.Execute(ctx, func(context.Context) error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	err := b.Execute(ctx, succeeding(&calls))
	assert.ErrorIs(t, err, errs.BreakerOpen)

	close(release)
	wg.Wait()
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_PanicCountsAsFailure(t *testing.T) {
	b := NewBreaker("notifier", Config{FailureThreshold: 1, SuccessThreshold: 1, OpenTimeout: time.Second}, clockwork.NewFakeClock(), zaptest.NewLogger(t), nil)

	assert.Panics(t, func() {
		_ = b.Execute(context.Background(), func(context.Context) error { panic("handler bug") })
	})
	assert.Equal(t, StateOpen, b.State())
}

func TestRegistry_CallAndSnapshots(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	r := NewRegistry(DefaultConfig(), nil, clockwork.NewFakeClock(), zaptest.NewLogger(t), m)

	v, err := Call(context.Background(), r, "cache", func(context.Context) (int, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	r.Register("store", Config{FailureThreshold: 1, OpenTimeout: time.Minute})
	_ = r.Execute(context.Background(), "store", func(context.Context) error { return errBoom })
	_ = r.Execute(context.Background(), "store", func(context.Context) error { return nil })

	snaps := r.Snapshots()
	require.Len(t, snaps, 2)
	assert.Equal(t, "cache", snaps[0].Name)
	assert.Equal(t, "store", snaps[1].Name)
	assert.Equal(t, "open", snaps[1].State)
	assert.Equal(t, []string{"store"}, r.OpenBreakers())

	assert.Equal(t, 1.0, testutil.ToFloat64(m.BreakerState.WithLabelValues("store")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BreakerRejections.WithLabelValues("store")))

	r.ResetAll()
	assert.Empty(t, r.OpenBreakers())
}
