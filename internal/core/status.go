package core

import (
	"time"

	"github.com/Aidin1998/tiergate/internal/database"
	"github.com/Aidin1998/tiergate/internal/infrastructure/circuitbreaker"
	"github.com/Aidin1998/tiergate/internal/infrastructure/health"
	"github.com/Aidin1998/tiergate/internal/tier"
)

// TierStatus is one tier's queue and rate-limit occupancy
type TierStatus struct {
	Name            string `json:"name"`
	QueueLength     int    `json:"queue_length"`
	QueueCapacity   int    `json:"queue_capacity"`
	ActiveAccounts  int    `json:"active_accounts"`
	PerAccountLimit int    `json:"per_account_limit"`
	AggregateUsed   int    `json:"aggregate_used"`
	AggregateLimit  int    `json:"aggregate_limit"`
}

// Status is the read-only snapshot served to dashboards
type Status struct {
	Timestamp        time.Time                 `json:"timestamp"`
	Tiers            []TierStatus              `json:"tiers"`
	DeferredLength   int                       `json:"deferred_length"`
	DeferredCapacity int                       `json:"deferred_capacity"`
	PendingResults   int                       `json:"pending_results"`
	UnclaimedResults int                       `json:"unclaimed_results"`
	Breakers         []circuitbreaker.Snapshot `json:"breakers"`
	Pools            []database.PoolStats      `json:"pools"`
	Health           health.Verdict            `json:"health"`
}

// GetStatus assembles the current status. Health is the monitor's last
// verdict, or one evaluated on the spot when no monitor is wired.
func (s *Service) GetStatus() Status {
	st := Status{
		Timestamp:        s.clock.Now(),
		DeferredLength:   s.c.Limiter.DeferredLen(),
		DeferredCapacity: s.c.Limiter.DeferredCapacity(),
		Breakers:         s.c.Breakers.Snapshots(),
	}
	st.PendingResults, st.UnclaimedResults = s.results.counts()

	limits := s.c.Limiter.Stats()
	for i := 0; i < s.c.Queue.Tiers(); i++ {
		t := tier.Tier(i)
		ts := TierStatus{
			Name:          t.String(),
			QueueLength:   s.c.Queue.LenOf(t),
			QueueCapacity: s.c.Queue.Capacity(t),
		}
		if i < len(limits) {
			ts.ActiveAccounts = limits[i].ActiveAccounts
			ts.PerAccountLimit = limits[i].PerAccountLimit
			ts.AggregateUsed = limits[i].AggregateUsed
			ts.AggregateLimit = limits[i].AggregateLimit
		}
		st.Tiers = append(st.Tiers, ts)
	}

	unhealthy := 0
	if s.c.Router != nil {
		st.Pools = s.c.Router.Stats()
		unhealthy = len(s.c.Router.UnhealthyPools())
	}

	if s.c.Health != nil && !s.c.Health.Current().Timestamp.IsZero() {
		st.Health = s.c.Health.Verdict()
	} else {
		st.Health = health.Evaluate(len(s.c.Breakers.OpenBreakers()), unhealthy)
	}
	return st
}

// Health returns the monitor's full last report. It reports false until the
// monitor has completed a check.
func (s *Service) Health() (health.Report, bool) {
	if s.c.Health == nil {
		return health.Report{}, false
	}
	report := s.c.Health.Current()
	if report.Timestamp.IsZero() {
		return health.Report{}, false
	}
	return report, true
}

// Breaker returns the snapshot of the named breaker
func (s *Service) Breaker(name string) (circuitbreaker.Snapshot, bool) {
	b, ok := s.c.Breakers.Get(name)
	if !ok {
		return circuitbreaker.Snapshot{}, false
	}
	return b.Snapshot(), true
}
