// Package core is the admission and scheduling facade. It wires the
// classifier, limiter, priority queue, scheduler, breakers, pool router and
// health monitor together behind Submit, Await, Execute, RouteQuery and GetStatus.
package core

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/Aidin1998/tiergate/internal/database"
	"github.com/Aidin1998/tiergate/internal/infrastructure/circuitbreaker"
	"github.com/Aidin1998/tiergate/internal/infrastructure/health"
	"github.com/Aidin1998/tiergate/internal/infrastructure/ratelimit"
	"github.com/Aidin1998/tiergate/internal/orderqueue"
	"github.com/Aidin1998/tiergate/internal/scheduler"
	"github.com/Aidin1998/tiergate/internal/tier"
	errs "github.com/Aidin1998/tiergate/pkg/errors"
	"github.com/Aidin1998/tiergate/pkg/metrics"
)

// DefaultStoreDependency is the breaker name RouteQuery runs under
const DefaultStoreDependency = "store"

// TicketStatus tells the caller how its submission was admitted
type TicketStatus string

const (
	StatusAccepted TicketStatus = "accepted"
	StatusDeferred TicketStatus = "deferred"
)

// Ticket is returned by Submit. ID is the operation id to Await on.
type Ticket struct {
	ID         string        `json:"id"`
	Tier       tier.Tier     `json:"tier"`
	Status     TicketStatus  `json:"status"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

// Components are the collaborators the service coordinates. Router and
// Health may be nil.
type Components struct {
	Classifier *tier.Classifier
	Queue      *orderqueue.PriorityQueue
	Limiter    *ratelimit.Limiter
	Scheduler  *scheduler.Scheduler
	Breakers   *circuitbreaker.Registry
	Router     *database.Router
	Health     *health.Monitor
}

// Config holds the service loop intervals
type Config struct {
	RetryInterval   time.Duration
	SweepInterval   time.Duration
	ResultRetention time.Duration
	// QueueFullDelay is the retry-after given to operations downgraded
	// because their tier queue was full, normally the scheduler tick.
	QueueFullDelay  time.Duration
	StoreDependency string
}

// Service is the admission entry point
type Service struct {
	c       Components
	cfg     Config
	clock   clockwork.Clock
	logger  *zap.Logger
	metrics *metrics.Metrics

	results *resultStore
	store   *StoreRouter

	// admitted operations waiting for room in their tier queue; they bypass
	// the rate limiter on retry
	blockedMu sync.Mutex
	blocked   map[string]struct{}
}

// NewService validates the components and builds the service
func NewService(c Components, cfg Config, clock clockwork.Clock, logger *zap.Logger, m *metrics.Metrics) (*Service, error) {
	if c.Queue == nil || c.Limiter == nil || c.Scheduler == nil || c.Breakers == nil {
		return nil, errs.Config.Explain("queue, limiter, scheduler and breakers are required")
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 500 * time.Millisecond
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.ResultRetention <= 0 {
		cfg.ResultRetention = 5 * time.Minute
	}
	if cfg.QueueFullDelay <= 0 {
		cfg.QueueFullDelay = cfg.RetryInterval
	}
	if cfg.StoreDependency == "" {
		cfg.StoreDependency = DefaultStoreDependency
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Service{
		c:       c,
		cfg:     cfg,
		clock:   clock,
		logger:  logger,
		metrics: m,
		results: newResultStore(),
		store:   NewStoreRouter(c.Router, c.Breakers, cfg.StoreDependency),
		blocked: make(map[string]struct{}),
	}
	c.Scheduler.OnBatch(s.onBatch)
	return s, nil
}

// Submit classifies, rate limits and enqueues one operation. It never waits
// for the operation to run; the outcome is collected with Await.
func (s *Service) Submit(ctx context.Context, accountID string, kind orderqueue.Kind, payload []byte) (Ticket, error) {
	if accountID == "" {
		return Ticket{}, errs.InvalidOperation.Explain("account id is required")
	}
	if kind == "" {
		return Ticket{}, errs.InvalidOperation.Explain("operation kind is required")
	}

	t, err := s.c.Classifier.ClassifyAccount(ctx, accountID)
	if err != nil {
		s.logger.Warn("Balance lookup failed, classifying as trial",
			zap.String("account_id", accountID),
			zap.Error(err))
	}

	op := orderqueue.NewOperation(accountID, t, kind, payload, s.clock.Now())
	s.results.open(op.ID)

	res := s.c.Limiter.Admit(op)
	switch res.Decision {
	case ratelimit.Accepted:
		if err := s.enqueue(op); err != nil {
			s.results.discard(op.ID)
			return Ticket{}, err
		}
		if s.isBlocked(op.ID) {
			return Ticket{ID: op.ID, Tier: t, Status: StatusDeferred, RetryAfter: s.cfg.QueueFullDelay}, nil
		}
		return Ticket{ID: op.ID, Tier: t, Status: StatusAccepted}, nil

	case ratelimit.Deferred:
		return Ticket{ID: op.ID, Tier: t, Status: StatusDeferred, RetryAfter: res.RetryAfter}, nil

	default:
		s.results.discard(op.ID)
		return Ticket{}, errs.RateLimited.
			Explain("account %s exceeded the %s tier rate limit", accountID, t).
			After(res.RetryAfter)
	}
}

// enqueue pushes an admitted operation. A full tier queue downgrades it to
// deferred; QueueFull is returned only when the deferred queue is full too.
func (s *Service) enqueue(op orderqueue.Operation) error {
	err := s.c.Queue.Push(op)
	if err == nil {
		s.unblock(op.ID)
		s.metrics.SetQueueLength(op.Tier.String(), s.c.Queue.LenOf(op.Tier))
		s.c.Scheduler.Notify()
		return nil
	}
	if !errs.Is(err, errs.QueueFull) {
		return err
	}

	s.block(op.ID)
	if s.c.Limiter.Defer(op, s.cfg.QueueFullDelay) {
		s.logger.Debug("tier queue full, operation deferred",
			zap.String("operation_id", op.ID),
			zap.Stringer("tier", op.Tier))
		return nil
	}
	s.unblock(op.ID)
	return errs.QueueFull.Explain("%s queue and deferred queue are full", op.Tier)
}

func (s *Service) block(id string) {
	s.blockedMu.Lock()
	s.blocked[id] = struct{}{}
	s.blockedMu.Unlock()
}

func (s *Service) unblock(id string) {
	s.blockedMu.Lock()
	delete(s.blocked, id)
	s.blockedMu.Unlock()
}

func (s *Service) isBlocked(id string) bool {
	s.blockedMu.Lock()
	defer s.blockedMu.Unlock()
	_, ok := s.blocked[id]
	return ok
}

// Await blocks until the operation behind ticketID has been dispatched.
func (s *Service) Await(ctx context.Context, ticketID string) (scheduler.Result, error) {
	return s.results.await(ctx, ticketID)
}

// Execute runs fn through the breaker for dependency
func (s *Service) Execute(ctx context.Context, dependency string, fn func(ctx context.Context) error) error {
	return s.c.Breakers.Execute(ctx, dependency, fn)
}

// RouteQuery runs fn against the pool selected for a read or a write, under
// the store breaker.
func (s *Service) RouteQuery(ctx context.Context, isWrite bool, fn func(ctx context.Context, db *gorm.DB) error) error {
	return s.store.RouteQuery(ctx, isWrite, fn)
}

// StoreRouter runs routed data calls through the breaker of one dependency.
// Collaborators outside the scheduler use it so their store calls share the
// breaker the scheduler's store groups report to.
type StoreRouter struct {
	router     *database.Router
	breakers   *circuitbreaker.Registry
	dependency string
}

// NewStoreRouter guards router with the breaker named dependency
func NewStoreRouter(router *database.Router, breakers *circuitbreaker.Registry, dependency string) *StoreRouter {
	if dependency == "" {
		dependency = DefaultStoreDependency
	}
	return &StoreRouter{router: router, breakers: breakers, dependency: dependency}
}

// RouteQuery runs fn on the routed pool. PoolUnavailable is returned when no
// router is configured.
func (r *StoreRouter) RouteQuery(ctx context.Context, isWrite bool, fn func(ctx context.Context, db *gorm.DB) error) error {
	if r.router == nil {
		return errs.PoolUnavailable.Explain("no connection pools configured")
	}
	return r.breakers.Execute(ctx, r.dependency, func(ctx context.Context) error {
		return r.router.RouteQuery(ctx, isWrite, fn)
	})
}

func (s *Service) onBatch(batch scheduler.BatchResult) {
	now := s.clock.Now()
	for _, r := range batch.Results {
		s.results.complete(r, now)
	}
}

// fail completes op with err without dispatching it
func (s *Service) fail(op orderqueue.Operation, err error) {
	s.unblock(op.ID)
	s.results.complete(scheduler.Result{
		OperationID: op.ID,
		AccountID:   op.AccountID,
		Tier:        op.Tier,
		Kind:        op.Kind,
		Err:         err,
		CompletedAt: s.clock.Now(),
	}, s.clock.Now())
}

// Retry re-admits every deferred operation whose retry time has come and
// returns how many reached the queue.
func (s *Service) Retry() int {
	queued := 0
	for _, op := range s.c.Limiter.PopReady() {
		if !s.isBlocked(op.ID) {
			res := s.c.Limiter.Admit(op)
			switch res.Decision {
			case ratelimit.Deferred:
				continue
			case ratelimit.Rejected:
				s.fail(op, errs.RateLimited.Explain("deferred operation could not be re-admitted").After(res.RetryAfter))
				continue
			}
		}

		if err := s.enqueue(op); err != nil {
			s.fail(op, err)
			continue
		}
		if !s.isBlocked(op.ID) {
			queued++
		}
	}
	return queued
}

// Evict drops unclaimed results older than the retention period
func (s *Service) Evict() int {
	return s.results.evict(s.clock.Now(), s.cfg.ResultRetention)
}

// Run starts every background loop and blocks until ctx is done. The
// scheduler is stopped last so its final drain sees everything the retry
// loop queued. Admitted operations still waiting for queue room are then
// dispatched; rate-limited ones still deferred fail.
func (s *Service) Run(ctx context.Context) {
	var wg sync.WaitGroup
	start := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
	}

	schedCtx, stopScheduler := context.WithCancel(context.WithoutCancel(ctx))
	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		s.c.Scheduler.Run(schedCtx)
	}()

	if s.c.Router != nil {
		start(s.c.Router.Run)
	}
	if s.c.Health != nil {
		start(s.c.Health.Run)
	}
	start(func(ctx context.Context) { s.c.Limiter.RunSweeper(ctx, s.cfg.SweepInterval) })
	start(s.runRetry)
	start(s.runEviction)

	s.logger.Info("Service started")
	<-ctx.Done()
	wg.Wait()

	var waiting []orderqueue.Operation
	for _, op := range s.c.Limiter.DrainDeferred() {
		if s.isBlocked(op.ID) {
			waiting = append(waiting, op)
			continue
		}
		s.fail(op, errs.RateLimited.Explain("service shutting down before the operation was re-admitted"))
	}
	stopScheduler()
	<-schedDone
	s.flushWaiting(context.WithoutCancel(ctx), waiting)
	s.logger.Info("Service stopped")
}

// flushWaiting places admitted operations that were waiting for queue room,
// draining the scheduler between rounds. Whatever still finds no room after a
// drain fails with QueueFull.
func (s *Service) flushWaiting(ctx context.Context, ops []orderqueue.Operation) {
	for len(ops) > 0 {
		var rest []orderqueue.Operation
		for _, op := range ops {
			if err := s.c.Queue.Push(op); err != nil {
				rest = append(rest, op)
				continue
			}
			s.unblock(op.ID)
		}
		s.c.Scheduler.Drain(ctx)

		if len(rest) == len(ops) {
			for _, op := range rest {
				s.fail(op, errs.QueueFull.Explain("%s queue had no room before shutdown", op.Tier))
			}
			return
		}
		ops = rest
	}
}

func (s *Service) runRetry(ctx context.Context) {
	ticker := s.clock.NewTicker(s.cfg.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if n := s.Retry(); n > 0 {
				s.logger.Debug("re-admitted deferred operations", zap.Int("count", n))
			}
		}
	}
}

func (s *Service) runEviction(ctx context.Context) {
	ticker := s.clock.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if n := s.Evict(); n > 0 {
				s.logger.Debug("evicted unclaimed results", zap.Int("count", n))
			}
		}
	}
}
