package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap/zaptest"

	"github.com/Aidin1998/tiergate/internal/infrastructure/circuitbreaker"
	"github.com/Aidin1998/tiergate/internal/orderqueue"
	"github.com/Aidin1998/tiergate/internal/tier"
	errs "github.com/Aidin1998/tiergate/pkg/errors"
	"github.com/Aidin1998/tiergate/pkg/metrics"
)

type fixture struct {
	clock    clockwork.Clock
	advance  func(time.Duration)
	queue    *orderqueue.PriorityQueue
	registry *circuitbreaker.Registry
	sched    *Scheduler
	metrics  *metrics.Metrics
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	fc := clockwork.NewFakeClock()
	q, err := orderqueue.NewPriorityQueue([]orderqueue.TierConfig{
		{Weight: 0.6, Capacity: 100},
		{Weight: 0.3, Capacity: 100},
		{Weight: 0.1, Capacity: 100},
	})
	require.NoError(t, err)

	m := metrics.New(prometheus.NewRegistry())
	reg := circuitbreaker.NewRegistry(
		circuitbreaker.Config{FailureThreshold: 2, SuccessThreshold: 1, OpenTimeout: time.Second},
		nil, fc, zaptest.NewLogger(t), m)

	if cfg.MaxBatchSize == 0 {
		cfg.MaxBatchSize = 10
	}
	if cfg.MinBatchSize == 0 {
		cfg.MinBatchSize = 3
	}
	if cfg.TickInterval == 0 {
		cfg.TickInterval = 100 * time.Millisecond
	}
	if cfg.MaxParallelGroups == 0 {
		cfg.MaxParallelGroups = 4
	}
	s, err := New(q, reg, cfg, fc, zaptest.NewLogger(t), m)
	require.NoError(t, err)

	return &fixture{clock: fc, advance: fc.Advance, queue: q, registry: reg, sched: s, metrics: m}
}

func (f *fixture) push(t *testing.T, tr tier.Tier, kind orderqueue.Kind, n int) []orderqueue.Operation {
	t.Helper()
	var ops []orderqueue.Operation
	for i := 0; i < n; i++ {
		op := orderqueue.NewOperation("acct", tr, kind, nil, f.clock.Now())
		require.NoError(t, f.queue.Push(op))
		ops = append(ops, op)
	}
	return ops
}

// succeedAll returns a successful result for every item
func succeedAll(calls *atomic.Int32) HandlerFunc {
	return func(ctx context.Context, ops []orderqueue.Operation) ([]Result, error) {
		if calls != nil {
			calls.Add(1)
		}
		out := make([]Result, len(ops))
		for i, op := range ops {
			out[i] = Result{OperationID: op.ID}
		}
		return out, nil
	}
}

func resultsByID(batch BatchResult) map[string]Result {
	out := make(map[string]Result, len(batch.Results))
	for _, r := range batch.Results {
		out[r.OperationID] = r
	}
	return out
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	q, err := orderqueue.NewPriorityQueue([]orderqueue.TierConfig{{Weight: 1, Capacity: 1}})
	require.NoError(t, err)

	tests := []Config{
		{MaxBatchSize: 0, MinBatchSize: 1, TickInterval: time.Second},
		{MaxBatchSize: 5, MinBatchSize: 6, TickInterval: time.Second},
		{MaxBatchSize: 5, MinBatchSize: 1},
	}
	for _, cfg := range tests {
		_, err := New(q, nil, cfg, nil, nil, nil)
		assert.ErrorIs(t, err, errs.Config)
	}
}

func TestRunOnce_GroupsByKindWithPerItemResults(t *testing.T) {
	f := newFixture(t, Config{})
	var balanceCalls, tradeCalls atomic.Int32
	f.sched.Register(orderqueue.KindBalanceUpdate, succeedAll(&balanceCalls))

	errRejected := errors.New("order rejected by venue")
	f.sched.Register(orderqueue.KindTradeExecution, HandlerFunc(func(ctx context.Context, ops []orderqueue.Operation) ([]Result, error) {
		tradeCalls.Add(1)
		out := make([]Result, len(ops))
		for i, op := range ops {
			out[i] = Result{OperationID: op.ID}
			if i == 0 {
				out[i].Err = errRejected
			}
		}
		return out, nil
	}))

	balances := f.push(t, tier.Primary, orderqueue.KindBalanceUpdate, 3)
	trades := f.push(t, tier.Secondary, orderqueue.KindTradeExecution, 2)
	notes := f.push(t, tier.Trial, orderqueue.KindNotification, 1)

	batch := f.sched.RunOnce(context.Background(), TriggerTick)
	require.Equal(t, 6, batch.Size)
	require.Len(t, batch.Results, 6)
	assert.Equal(t, int32(1), balanceCalls.Load(), "one handler call per kind group")
	assert.Equal(t, int32(1), tradeCalls.Load())

	byID := resultsByID(batch)
	for _, op := range balances {
		assert.True(t, byID[op.ID].OK())
		assert.Equal(t, tier.Primary, byID[op.ID].Tier)
	}
	assert.ErrorIs(t, byID[trades[0].ID].Err, errRejected)
	assert.True(t, byID[trades[1].ID].OK(), "a failed item must not fail its sibling")
	assert.ErrorIs(t, byID[notes[0].ID].Err, errs.NoHandler)
	assert.Equal(t, 2, batch.Failed())
	assert.Equal(t, 0, f.queue.Len())

	assert.Equal(t, 3.0, testutil.ToFloat64(f.metrics.Items.WithLabelValues("balance-update", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Batches.WithLabelValues("tick")))
}

func TestRunOnce_ResultsFollowDrainOrder(t *testing.T) {
	f := newFixture(t, Config{MaxBatchSize: 20})
	f.sched.Register(orderqueue.KindBalanceUpdate, succeedAll(nil))
	f.sched.Register(orderqueue.KindNotification, succeedAll(nil))

	var pushed []orderqueue.Operation
	for i := 0; i < 4; i++ {
		pushed = append(pushed, f.push(t, tier.Primary, orderqueue.KindBalanceUpdate, 1)...)
		pushed = append(pushed, f.push(t, tier.Primary, orderqueue.KindNotification, 1)...)
	}

	batch := f.sched.RunOnce(context.Background(), TriggerTick)
	require.Len(t, batch.Results, len(pushed))
	for i, op := range pushed {
		assert.Equal(t, op.ID, batch.Results[i].OperationID)
	}
}

func TestRunOnce_GroupErrorFailsEveryItem(t *testing.T) {
	f := newFixture(t, Config{})
	errDown := errors.New("connection reset")
	f.sched.Register(orderqueue.KindBalanceUpdate, HandlerFunc(func(ctx context.Context, ops []orderqueue.Operation) ([]Result, error) {
		return nil, errDown
	}))
	f.sched.Register(orderqueue.KindNotification, succeedAll(nil))

	failed := f.push(t, tier.Primary, orderqueue.KindBalanceUpdate, 2)
	ok := f.push(t, tier.Primary, orderqueue.KindNotification, 2)

	byID := resultsByID(f.sched.RunOnce(context.Background(), TriggerTick))
	for _, op := range failed {
		assert.ErrorIs(t, byID[op.ID].Err, errs.DownstreamFailure)
		assert.ErrorIs(t, byID[op.ID].Err, errDown, "cause must be preserved")
	}
	for _, op := range ok {
		assert.True(t, byID[op.ID].OK())
	}

	b, found := f.registry.Get("balance-update")
	require.True(t, found)
	assert.Equal(t, 1, b.Snapshot().ConsecutiveFailures)
}

func TestRunOnce_PanicBecomesItemFailures(t *testing.T) {
	f := newFixture(t, Config{})
	f.sched.Register(orderqueue.KindTradeExecution, HandlerFunc(func(ctx context.Context, ops []orderqueue.Operation) ([]Result, error) {
		panic("nil order book")
	}))

	ops := f.push(t, tier.Primary, orderqueue.KindTradeExecution, 2)
	batch := f.sched.RunOnce(context.Background(), TriggerTick)

	byID := resultsByID(batch)
	for _, op := range ops {
		assert.ErrorIs(t, byID[op.ID].Err, errs.DownstreamFailure)
	}
	b, _ := f.registry.Get("trade-execution")
	assert.Equal(t, 1, b.Snapshot().ConsecutiveFailures)
}

func TestRunOnce_MissingResult(t *testing.T) {
	f := newFixture(t, Config{})
	f.sched.Register(orderqueue.KindBalanceUpdate, HandlerFunc(func(ctx context.Context, ops []orderqueue.Operation) ([]Result, error) {
		return []Result{{OperationID: ops[0].ID}}, nil
	}))

	ops := f.push(t, tier.Primary, orderqueue.KindBalanceUpdate, 2)
	byID := resultsByID(f.sched.RunOnce(context.Background(), TriggerTick))
	assert.True(t, byID[ops[0].ID].OK())
	assert.ErrorIs(t, byID[ops[1].ID].Err, errs.MissingResult)
}

func TestRunOnce_OpenBreakerSkipsHandler(t *testing.T) {
	f := newFixture(t, Config{KindDependencies: map[string]string{"balance-update": "store"}})
	var calls atomic.Int32
	errDown := errors.New("store down")
	f.sched.Register(orderqueue.KindBalanceUpdate, HandlerFunc(func(ctx context.Context, ops []orderqueue.Operation) ([]Result, error) {
		calls.Add(1)
		return nil, errDown
	}))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		f.push(t, tier.Primary, orderqueue.KindBalanceUpdate, 1)
		f.sched.RunOnce(ctx, TriggerTick)
	}
	require.Equal(t, int32(2), calls.Load())

	b, ok := f.registry.Get("store")
	require.True(t, ok)
	require.Equal(t, circuitbreaker.StateOpen, b.State())

	ops := f.push(t, tier.Primary, orderqueue.KindBalanceUpdate, 1)
	byID := resultsByID(f.sched.RunOnce(ctx, TriggerTick))
	assert.ErrorIs(t, byID[ops[0].ID].Err, errs.BreakerOpen)
	assert.Equal(t, int32(2), calls.Load(), "open breaker must not invoke the handler")
}

func TestRunOnce_AllItemsFailedCountsAgainstBreaker(t *testing.T) {
	f := newFixture(t, Config{})
	errTimeout := errors.New("venue timeout")
	f.sched.Register(orderqueue.KindTradeExecution, HandlerFunc(func(ctx context.Context, ops []orderqueue.Operation) ([]Result, error) {
		out := make([]Result, len(ops))
		for i, op := range ops {
			out[i] = Result{OperationID: op.ID, Err: errTimeout}
		}
		return out, nil
	}))

	ops := f.push(t, tier.Primary, orderqueue.KindTradeExecution, 2)
	byID := resultsByID(f.sched.RunOnce(context.Background(), TriggerTick))
	for _, op := range ops {
		assert.ErrorIs(t, byID[op.ID].Err, errTimeout)
		assert.False(t, errs.Is(byID[op.ID].Err, errs.DownstreamFailure), "item errors are returned as the handler reported them")
	}

	b, _ := f.registry.Get("trade-execution")
	assert.Equal(t, 1, b.Snapshot().ConsecutiveFailures)
}

func TestRunOnce_AllowListedItemFailuresKeepBreakerClosed(t *testing.T) {
	f := newFixture(t, Config{})
	errDuplicate := errors.New("duplicate order id")
	f.registry.Register("trade-execution", circuitbreaker.Config{FailureThreshold: 1, SuccessThreshold: 1, OpenTimeout: time.Second}, errDuplicate)
	f.sched.Register(orderqueue.KindTradeExecution, HandlerFunc(func(ctx context.Context, ops []orderqueue.Operation) ([]Result, error) {
		out := make([]Result, len(ops))
		for i, op := range ops {
			out[i] = Result{OperationID: op.ID, Err: errDuplicate}
		}
		return out, nil
	}))

	f.push(t, tier.Primary, orderqueue.KindTradeExecution, 2)
	batch := f.sched.RunOnce(context.Background(), TriggerTick)
	assert.Equal(t, 2, batch.Failed())

	b, _ := f.registry.Get("trade-execution")
	assert.Equal(t, circuitbreaker.StateClosed, b.State())
}

func TestRunOnce_BoundedParallelism(t *testing.T) {
	f := newFixture(t, Config{MaxParallelGroups: 2, MaxBatchSize: 20})

	var inFlight, peak atomic.Int32
	release := make(chan struct{})
	slow := HandlerFunc(func(ctx context.Context, ops []orderqueue.Operation) ([]Result, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		inFlight.Add(-1)
		return succeedAll(nil)(ctx, ops)
	})
	kinds := []orderqueue.Kind{"a", "b", "c", "d"}
	for _, k := range kinds {
		f.sched.Register(k, slow)
		f.push(t, tier.Primary, k, 1)
	}

	done := make(chan BatchResult)
	go func() { done <- f.sched.RunOnce(context.Background(), TriggerTick) }()

	require.Eventually(t, func() bool { return inFlight.Load() == 2 }, time.Second, time.Millisecond)
	close(release)

	batch := <-done
	assert.Equal(t, 0, batch.Failed())
	assert.Equal(t, int32(2), peak.Load())
}

func TestRunOnce_CountsDispatchedItemsByOutcome(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(mp)
	t.Cleanup(func() {
		otel.SetMeterProvider(prev)
		_ = mp.Shutdown(context.Background())
	})

	ctx := context.Background()
	f := newFixture(t, Config{})
	f.sched.Register(orderqueue.KindTradeExecution, succeedAll(nil))
	f.push(t, tier.Primary, orderqueue.KindTradeExecution, 3)
	f.push(t, tier.Trial, orderqueue.KindNotification, 1)

	batch := f.sched.RunOnce(ctx, TriggerTick)
	require.Equal(t, 4, batch.Size)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	got := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "tiergate.scheduler.items" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				outcome, _ := dp.Attributes.Value("outcome")
				got[outcome.AsString()] += dp.Value
			}
		}
	}
	assert.Equal(t, map[string]int64{"ok": 3, "failed": 1}, got)
}

func TestRunOnce_SizeTriggerRespectsMinimum(t *testing.T) {
	f := newFixture(t, Config{MinBatchSize: 3})
	f.sched.Register(orderqueue.KindBalanceUpdate, succeedAll(nil))
	ctx := context.Background()

	f.push(t, tier.Primary, orderqueue.KindBalanceUpdate, 2)
	batch := f.sched.RunOnce(ctx, TriggerSize)
	assert.Equal(t, 0, batch.Size)
	assert.Equal(t, 2, f.queue.Len(), "items below the minimum stay queued")

	batch = f.sched.RunOnce(ctx, TriggerTick)
	assert.Equal(t, 2, batch.Size, "the tick dispatches below the minimum")
}

func TestRun_TickAndSizeTriggers(t *testing.T) {
	f := newFixture(t, Config{MaxBatchSize: 4, MinBatchSize: 2, TickInterval: time.Second})
	f.sched.Register(orderqueue.KindBalanceUpdate, succeedAll(nil))

	var mu sync.Mutex
	var batches []BatchResult
	f.sched.OnBatch(func(b BatchResult) {
		mu.Lock()
		batches = append(batches, b)
		mu.Unlock()
	})
	triggers := func() []Trigger {
		mu.Lock()
		defer mu.Unlock()
		var out []Trigger
		for _, b := range batches {
			out = append(out, b.Trigger)
		}
		return out
	}

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		f.sched.Run(ctx)
		close(stopped)
	}()

	// a full batch dispatches without waiting for the tick
	f.push(t, tier.Primary, orderqueue.KindBalanceUpdate, 4)
	require.Eventually(t, func() bool {
		f.sched.Notify()
		return len(triggers()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []Trigger{TriggerSize}, triggers())

	// a single item waits for the tick
	f.push(t, tier.Primary, orderqueue.KindBalanceUpdate, 1)
	f.sched.Notify()
	require.Eventually(t, func() bool {
		f.advance(time.Second)
		return len(triggers()) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, TriggerTick, triggers()[1])

	// shutdown drains whatever is left
	f.push(t, tier.Primary, orderqueue.KindBalanceUpdate, 3)
	cancel()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.Equal(t, 0, f.queue.Len())

	total := 0
	mu.Lock()
	for _, b := range batches {
		total += b.Size
	}
	mu.Unlock()
	assert.Equal(t, 8, total, "every queued operation lands in exactly one batch")
}

func TestDependency(t *testing.T) {
	f := newFixture(t, Config{KindDependencies: map[string]string{"notification": "notifier"}})
	assert.Equal(t, "notifier", f.sched.Dependency(orderqueue.KindNotification))
	assert.Equal(t, "custom-kind", f.sched.Dependency("custom-kind"))
}
