// Package scheduler drains weighted batches from the priority queue and
// dispatches them, grouped by operation kind, through the breaker registry.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Aidin1998/tiergate/internal/infrastructure/circuitbreaker"
	"github.com/Aidin1998/tiergate/internal/orderqueue"
	"github.com/Aidin1998/tiergate/internal/tier"
	errs "github.com/Aidin1998/tiergate/pkg/errors"
	"github.com/Aidin1998/tiergate/pkg/metrics"
)

var tracer = otel.Tracer("tiergate/scheduler")

// Trigger names what caused a batch
type Trigger string

const (
	TriggerTick  Trigger = "tick"
	TriggerSize  Trigger = "size"
	TriggerDrain Trigger = "drain"
)

// Config controls batch assembly and dispatch
type Config struct {
	MaxBatchSize      int
	MinBatchSize      int
	TickInterval      time.Duration
	MaxParallelGroups int
	// KindDependencies maps a kind to the breaker its group runs under.
	// Kinds missing from the map use their own name.
	KindDependencies map[string]string
}

// BatchResult describes one dispatched batch. Results follow the drained order.
type BatchResult struct {
	ID         string
	Trigger    Trigger
	Size       int
	Results    []Result
	StartedAt  time.Time
	FinishedAt time.Time
}

// Failed counts the failed items
func (b BatchResult) Failed() int {
	n := 0
	for _, r := range b.Results {
		if r.Err != nil {
			n++
		}
	}
	return n
}

// Scheduler owns the dispatch loop. A single goroutine runs batches, so
// batches never overlap; groups inside a batch run concurrently.
type Scheduler struct {
	queue    *orderqueue.PriorityQueue
	registry *circuitbreaker.Registry
	cfg      Config
	clock    clockwork.Clock
	logger   *zap.Logger
	metrics  *metrics.Metrics

	mu        sync.RWMutex
	handlers  map[orderqueue.Kind]Handler
	listeners []func(BatchResult)

	notify chan struct{}
	items  metric.Int64Counter
}

// New validates cfg and creates a scheduler over queue
func New(queue *orderqueue.PriorityQueue, registry *circuitbreaker.Registry, cfg Config, clock clockwork.Clock, logger *zap.Logger, m *metrics.Metrics) (*Scheduler, error) {
	if cfg.MaxBatchSize < 1 {
		return nil, errs.Config.Explain("max batch size must be at least 1")
	}
	if cfg.MinBatchSize < 1 || cfg.MinBatchSize > cfg.MaxBatchSize {
		return nil, errs.Config.Explain("min batch size must be between 1 and %d", cfg.MaxBatchSize)
	}
	if cfg.TickInterval <= 0 {
		return nil, errs.Config.Explain("tick interval must be positive")
	}
	if cfg.MaxParallelGroups < 1 {
		cfg.MaxParallelGroups = 1
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	items, err := otel.Meter("tiergate/scheduler").Int64Counter("tiergate.scheduler.items",
		metric.WithDescription("Operations dispatched, by outcome"))
	if err != nil {
		return nil, fmt.Errorf("failed to create dispatch counter: %w", err)
	}
	return &Scheduler{
		queue:    queue,
		registry: registry,
		cfg:      cfg,
		clock:    clock,
		logger:   logger,
		metrics:  m,
		handlers: make(map[orderqueue.Kind]Handler),
		notify:   make(chan struct{}, 1),
		items:    items,
	}, nil
}

// Register installs the handler for kind, guarded by the breaker of the
// kind's dependency.
func (s *Scheduler) Register(kind orderqueue.Kind, h Handler) {
	dep := s.Dependency(kind)

	s.mu.Lock()
	s.handlers[kind] = Guard(h, s.registry, dep)
	s.mu.Unlock()

	s.logger.Info("registered handler",
		zap.String("kind", string(kind)),
		zap.String("dependency", dep))
}

// Dependency returns the breaker name a kind is dispatched under
func (s *Scheduler) Dependency(kind orderqueue.Kind) string {
	if dep, ok := s.cfg.KindDependencies[string(kind)]; ok && dep != "" {
		return dep
	}
	return string(kind)
}

// OnBatch subscribes fn to every finished batch
func (s *Scheduler) OnBatch(fn func(BatchResult)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Notify tells the loop the queue grew. It never blocks.
func (s *Scheduler) Notify() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Run dispatches on every tick and whenever a Notify finds at least
// MaxBatchSize items queued. When ctx is done it drains the queue once more
// and returns.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := s.clock.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	s.logger.Info("scheduler started",
		zap.Int("max_batch_size", s.cfg.MaxBatchSize),
		zap.Int("min_batch_size", s.cfg.MinBatchSize),
		zap.Duration("tick_interval", s.cfg.TickInterval))

	for {
		select {
		case <-ctx.Done():
			s.Drain(context.WithoutCancel(ctx))
			s.logger.Info("scheduler stopped")
			return

		case <-ticker.Chan():
			s.RunOnce(ctx, TriggerTick)

		case <-s.notify:
			if s.queue.Len() < s.cfg.MaxBatchSize {
				continue
			}
			s.RunOnce(ctx, TriggerSize)
			if s.queue.Len() >= s.cfg.MaxBatchSize {
				s.Notify()
			}
		}
	}
}

// Drain dispatches until the queue is empty
func (s *Scheduler) Drain(ctx context.Context) int {
	total := 0
	for s.queue.Len() > 0 {
		batch := s.RunOnce(ctx, TriggerDrain)
		if batch.Size == 0 {
			break
		}
		total += batch.Size
	}
	return total
}

// RunOnce drains one weighted batch and dispatches it. A size-triggered run
// with fewer than MinBatchSize items queued does nothing.
func (s *Scheduler) RunOnce(ctx context.Context, trigger Trigger) BatchResult {
	if trigger == TriggerSize && s.queue.Len() < s.cfg.MinBatchSize {
		return BatchResult{Trigger: trigger}
	}

	ops := s.queue.DrainWeighted(s.cfg.MaxBatchSize)
	s.reportQueue()
	if len(ops) == 0 {
		return BatchResult{Trigger: trigger}
	}

	batch := s.dispatch(ctx, trigger, ops)

	s.mu.RLock()
	listeners := append([]func(BatchResult){}, s.listeners...)
	s.mu.RUnlock()
	for _, fn := range listeners {
		fn(batch)
	}
	return batch
}

func (s *Scheduler) reportQueue() {
	for i := 0; i < s.queue.Tiers(); i++ {
		t := tier.Tier(i)
		s.metrics.SetQueueLength(t.String(), s.queue.LenOf(t))
	}
}

type group struct {
	kind orderqueue.Kind
	ops  []orderqueue.Operation
}

// groupByKind keeps kinds in order of first appearance and items in drained order
func groupByKind(ops []orderqueue.Operation) []group {
	index := make(map[orderqueue.Kind]int)
	var groups []group
	for _, op := range ops {
		i, ok := index[op.Kind]
		if !ok {
			i = len(groups)
			index[op.Kind] = i
			groups = append(groups, group{kind: op.Kind})
		}
		groups[i].ops = append(groups[i].ops, op)
	}
	return groups
}

func (s *Scheduler) dispatch(ctx context.Context, trigger Trigger, ops []orderqueue.Operation) BatchResult {
	batch := BatchResult{
		ID:        uuid.NewString(),
		Trigger:   trigger,
		Size:      len(ops),
		StartedAt: s.clock.Now(),
	}

	ctx, span := tracer.Start(ctx, "scheduler.batch", trace.WithAttributes(
		attribute.String("batch.id", batch.ID),
		attribute.String("batch.trigger", string(trigger)),
		attribute.Int("batch.size", len(ops)),
	))
	defer span.End()

	groups := groupByKind(ops)
	groupResults := make([][]Result, len(groups))

	var g errgroup.Group
	g.SetLimit(s.cfg.MaxParallelGroups)
	for i, grp := range groups {
		g.Go(func() error {
			groupResults[i] = s.runGroup(ctx, grp)
			return nil
		})
	}
	_ = g.Wait()

	byID := make(map[string]Result, len(ops))
	for _, rs := range groupResults {
		for _, r := range rs {
			byID[r.OperationID] = r
		}
	}
	batch.Results = make([]Result, len(ops))
	for i, op := range ops {
		batch.Results[i] = byID[op.ID]
	}
	batch.FinishedAt = s.clock.Now()

	failed := batch.Failed()
	span.SetAttributes(attribute.Int("batch.failed", failed))
	s.items.Add(ctx, int64(len(ops)-failed), metric.WithAttributes(attribute.String("outcome", "ok")))
	s.items.Add(ctx, int64(failed), metric.WithAttributes(attribute.String("outcome", "failed")))
	s.metrics.ObserveBatch(string(trigger), len(ops))

	s.logger.Debug("batch dispatched",
		zap.String("batch_id", batch.ID),
		zap.String("trigger", string(trigger)),
		zap.Int("size", len(ops)),
		zap.Int("groups", len(groups)),
		zap.Int("failed", failed),
		zap.Duration("duration", batch.FinishedAt.Sub(batch.StartedAt)))
	return batch
}

// runGroup never fails: group-level errors and panics become per-item failures
func (s *Scheduler) runGroup(ctx context.Context, grp group) (results []Result) {
	ctx, span := tracer.Start(ctx, "scheduler.group", trace.WithAttributes(
		attribute.String("group.kind", string(grp.kind)),
		attribute.Int("group.size", len(grp.ops)),
	))
	defer span.End()

	start := s.clock.Now()
	defer func() {
		if r := recover(); r != nil {
			err := errs.DownstreamFailure.Explain("%s handler panicked: %v", grp.kind, r)
			s.logger.Error("handler panicked",
				zap.String("kind", string(grp.kind)),
				zap.Any("panic", r))
			results = s.failAll(grp.ops, err)
		}

		failed := 0
		for _, r := range results {
			if r.Err != nil {
				failed++
			}
		}
		if failed > 0 {
			span.SetStatus(codes.Error, fmt.Sprintf("%d of %d items failed", failed, len(results)))
		}
		s.metrics.ObserveItems(string(grp.kind), "success", len(results)-failed)
		s.metrics.ObserveItems(string(grp.kind), "failure", failed)
		s.metrics.ObserveDispatch(string(grp.kind), s.clock.Since(start).Seconds())
	}()

	s.mu.RLock()
	h, ok := s.handlers[grp.kind]
	s.mu.RUnlock()
	if !ok {
		return s.failAll(grp.ops, errs.NoHandler.Explain("no handler registered for kind %q", grp.kind))
	}

	res, err := h.Handle(ctx, grp.ops)
	if err != nil {
		span.RecordError(err)
		s.logger.Debug("group failed",
			zap.String("kind", string(grp.kind)),
			zap.Int("items", len(grp.ops)),
			zap.Error(err))
		return s.failAll(grp.ops, err)
	}
	return s.collect(grp.ops, res)
}

// collect matches handler results to the group's items by id
func (s *Scheduler) collect(ops []orderqueue.Operation, res []Result) []Result {
	byID := make(map[string]Result, len(res))
	for _, r := range res {
		byID[r.OperationID] = r
	}

	now := s.clock.Now()
	out := make([]Result, len(ops))
	for i, op := range ops {
		r, ok := byID[op.ID]
		if !ok {
			r.Err = errs.MissingResult.Explain("handler returned no result for operation %s", op.ID)
		}
		out[i] = stamp(op, r.Err, now)
		if r.Err != nil {
			s.logger.Debug("operation failed",
				zap.String("operation_id", op.ID),
				zap.String("kind", string(op.Kind)),
				zap.Error(r.Err))
		}
	}
	return out
}

func (s *Scheduler) failAll(ops []orderqueue.Operation, err error) []Result {
	now := s.clock.Now()
	out := make([]Result, len(ops))
	for i, op := range ops {
		out[i] = stamp(op, err, now)
	}
	return out
}

func stamp(op orderqueue.Operation, err error, now time.Time) Result {
	return Result{
		OperationID: op.ID,
		AccountID:   op.AccountID,
		Tier:        op.Tier,
		Kind:        op.Kind,
		Err:         err,
		CompletedAt: now,
	}
}
