package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/Aidin1998/tiergate/internal/orderqueue"
	"github.com/Aidin1998/tiergate/internal/tier"
	errs "github.com/Aidin1998/tiergate/pkg/errors"
	"github.com/Aidin1998/tiergate/pkg/metrics"
)

// Decision is the outcome of an admission check.
type Decision int

const (
	Accepted Decision = iota
	Deferred
	Rejected
)

func (d Decision) String() string {
	switch d {
	case Accepted:
		return "accepted"
	case Deferred:
		return "deferred"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// TierLimit caps one tier. Aggregate 0 means the tier as a whole is unlimited.
type TierLimit struct {
	PerAccount int
	Aggregate  int
}

// Config configures the limiter. Tiers is indexed by tier value.
type Config struct {
	Window           time.Duration
	Tiers            []TierLimit
	DeferredCapacity int
}

// Result carries the admission decision and, when not accepted, the time until
// the limiting window frees a slot.
type Result struct {
	Decision   Decision
	RetryAfter time.Duration
}

// TierStats is a point-in-time view of one tier's windows.
type TierStats struct {
	Tier            string `json:"tier"`
	ActiveAccounts  int    `json:"active_accounts"`
	PerAccountLimit int    `json:"per_account_limit"`
	AggregateUsed   int    `json:"aggregate_used"`
	AggregateLimit  int    `json:"aggregate_limit"`
}

type windowKey struct {
	account string
	tier    tier.Tier
}

// Limiter enforces a rolling window per (account, tier) and per tier aggregate.
// Admit never blocks.
type Limiter struct {
	cfg     Config
	clock   clockwork.Clock
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu         sync.RWMutex
	windows    map[windowKey]*SlidingWindow
	aggregates []*SlidingWindow
	deferred   *DeferredQueue
}

// NewLimiter validates cfg and builds the per-tier aggregate windows.
func NewLimiter(cfg Config, clock clockwork.Clock, logger *zap.Logger, m *metrics.Metrics) (*Limiter, error) {
	if cfg.Window <= 0 {
		return nil, errs.Config.Explain("rate limit window must be positive")
	}
	if len(cfg.Tiers) == 0 {
		return nil, errs.Config.Explain("rate limiter needs at least one tier")
	}
	if cfg.DeferredCapacity < 0 {
		return nil, errs.Config.Explain("deferred capacity must not be negative")
	}
	for i, t := range cfg.Tiers {
		if t.PerAccount < 1 {
			return nil, errs.Config.Explain("tier %d per-account limit must be at least 1", i)
		}
		if t.Aggregate < 0 {
			return nil, errs.Config.Explain("tier %d aggregate limit must not be negative", i)
		}
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	l := &Limiter{
		cfg:        cfg,
		clock:      clock,
		logger:     logger,
		metrics:    m,
		windows:    make(map[windowKey]*SlidingWindow),
		aggregates: make([]*SlidingWindow, len(cfg.Tiers)),
		deferred:   NewDeferredQueue(cfg.DeferredCapacity),
	}
	for i, t := range cfg.Tiers {
		l.aggregates[i] = NewSlidingWindow(t.Aggregate, cfg.Window)
	}
	return l, nil
}

// Allow records one request for (accountID, t) if both the account window and
// the tier aggregate have room. Otherwise nothing is recorded and the wait
// until the tighter window frees a slot is returned.
func (l *Limiter) Allow(accountID string, t tier.Tier) (bool, time.Duration) {
	idx := int(t)
	if idx < 0 || idx >= len(l.aggregates) {
		return false, l.cfg.Window
	}
	key := windowKey{account: accountID, tier: t}

	for {
		now := l.clock.Now()
		l.mu.RLock()
		if w, ok := l.windows[key]; ok {
			admitted, reset := takeBoth(w, l.aggregates[idx], now)
			l.mu.RUnlock()
			if admitted {
				return true, 0
			}
			return false, reset.Sub(now)
		}
		l.mu.RUnlock()

		l.mu.Lock()
		if _, ok := l.windows[key]; !ok {
			l.windows[key] = NewSlidingWindow(l.cfg.Tiers[idx].PerAccount, l.cfg.Window)
		}
		l.mu.Unlock()
	}
}

// Admit classifies op as Accepted, Deferred (parked until its window frees up)
// or Rejected (limited and the deferred queue is saturated).
func (l *Limiter) Admit(op orderqueue.Operation) Result {
	allowed, retryAfter := l.Allow(op.AccountID, op.Tier)

	var res Result
	switch {
	case allowed:
		res = Result{Decision: Accepted}
	case l.Defer(op, retryAfter):
		res = Result{Decision: Deferred, RetryAfter: retryAfter}
	default:
		res = Result{Decision: Rejected, RetryAfter: retryAfter}
	}

	l.metrics.ObserveAdmission(op.Tier.String(), res.Decision.String())
	if res.Decision != Accepted {
		l.logger.Debug("operation not admitted",
			zap.String("operation_id", op.ID),
			zap.String("account_id", op.AccountID),
			zap.Stringer("tier", op.Tier),
			zap.Stringer("decision", res.Decision),
			zap.Duration("retry_after", retryAfter))
	}
	return res
}

// Defer parks op on the retry queue for at least after. It returns false when
// the queue is saturated.
func (l *Limiter) Defer(op orderqueue.Operation, after time.Duration) bool {
	ok := l.deferred.Push(op, l.clock.Now().Add(after))
	l.metrics.SetDeferredLength(l.deferred.Len())
	return ok
}

// PopReady removes deferred operations whose retry time has come.
func (l *Limiter) PopReady() []orderqueue.Operation {
	ops := l.deferred.PopReady(l.clock.Now())
	if len(ops) > 0 {
		l.metrics.SetDeferredLength(l.deferred.Len())
	}
	return ops
}

// DrainDeferred removes every parked operation regardless of its ready time.
func (l *Limiter) DrainDeferred() []orderqueue.Operation {
	ops := l.deferred.PopReady(time.Unix(0, math.MaxInt64))
	l.metrics.SetDeferredLength(l.deferred.Len())
	return ops
}

// DeferredLen returns the number of parked operations.
func (l *Limiter) DeferredLen() int {
	return l.deferred.Len()
}

// DeferredCapacity returns the retry queue bound.
func (l *Limiter) DeferredCapacity() int {
	return l.deferred.Capacity()
}

// Sweep drops per-account windows that hold no requests and returns how many went.
func (l *Limiter) Sweep() int {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, w := range l.windows {
		if w.CountAt(now) == 0 {
			delete(l.windows, key)
			removed++
		}
	}
	return removed
}

// RunSweeper sweeps idle windows every interval until ctx is done.
func (l *Limiter) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := l.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if n := l.Sweep(); n > 0 {
				l.logger.Debug("swept idle rate limit windows", zap.Int("removed", n))
			}
		}
	}
}

// Stats reports window occupancy per tier.
func (l *Limiter) Stats() []TierStats {
	now := l.clock.Now()
	active := make([]int, len(l.aggregates))

	l.mu.RLock()
	for key, w := range l.windows {
		if w.CountAt(now) > 0 {
			active[int(key.tier)]++
		}
	}
	l.mu.RUnlock()

	stats := make([]TierStats, len(l.aggregates))
	for i, agg := range l.aggregates {
		stats[i] = TierStats{
			Tier:            tier.Tier(i).String(),
			ActiveAccounts:  active[i],
			PerAccountLimit: l.cfg.Tiers[i].PerAccount,
			AggregateUsed:   agg.CountAt(now),
			AggregateLimit:  l.cfg.Tiers[i].Aggregate,
		}
	}
	return stats
}
