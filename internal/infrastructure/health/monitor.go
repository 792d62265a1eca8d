// Package health aggregates breaker states, pool liveness and extra probes
// into a single system verdict.
package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/Aidin1998/tiergate/internal/database"
	"github.com/Aidin1998/tiergate/internal/infrastructure/circuitbreaker"
	"github.com/Aidin1998/tiergate/pkg/metrics"
)

// Verdict is the aggregated system health
type Verdict int

const (
	Healthy Verdict = iota
	Degraded
	Critical
)

func (v Verdict) String() string {
	switch v {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Critical:
		return "critical"
	default:
		return "unknown"
	}
}

// MarshalText renders the verdict by name in JSON
func (v Verdict) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// Evaluate maps the number of open breakers and unhealthy pools or probes to
// a verdict: none is healthy, exactly one is degraded, more is critical.
func Evaluate(openBreakers, unhealthy int) Verdict {
	switch openBreakers + unhealthy {
	case 0:
		return Healthy
	case 1:
		return Degraded
	default:
		return Critical
	}
}

// BreakerSource exposes breaker state to the monitor
type BreakerSource interface {
	Snapshots() []circuitbreaker.Snapshot
}

// PoolSource exposes pool liveness to the monitor
type PoolSource interface {
	Stats() []database.PoolStats
}

// ProbeFunc checks one extra dependency, such as a cache PING
type ProbeFunc func(ctx context.Context) error

// ProbeResult is the outcome of one extra probe
type ProbeResult struct {
	Name     string        `json:"name"`
	Up       bool          `json:"up"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration_ns"`
}

// Report is the verdict plus the full breakdown it was derived from
type Report struct {
	Verdict        Verdict                   `json:"verdict"`
	Timestamp      time.Time                 `json:"timestamp"`
	OpenBreakers   []string                  `json:"open_breakers"`
	UnhealthyPools []string                  `json:"unhealthy_pools"`
	FailedProbes   []string                  `json:"failed_probes"`
	Breakers       []circuitbreaker.Snapshot `json:"breakers"`
	Pools          []database.PoolStats      `json:"pools"`
	Probes         []ProbeResult             `json:"probes"`
}

// Config holds the monitor intervals
type Config struct {
	Interval     time.Duration `mapstructure:"interval" yaml:"interval" json:"interval"`
	ProbeTimeout time.Duration `mapstructure:"probe_timeout" yaml:"probe_timeout" json:"probe_timeout"`
}

// Monitor periodically aggregates health. It only reports; corrective action
// belongs to whoever subscribes through OnChange.
type Monitor struct {
	breakers BreakerSource
	pools    PoolSource
	config   Config
	clock    clockwork.Clock
	logger   *zap.Logger
	metrics  *metrics.Metrics

	mu        sync.RWMutex
	probes    map[string]ProbeFunc
	listeners []func(from, to Verdict)
	last      Report
}

// NewMonitor creates a monitor. Either source may be nil.
func NewMonitor(breakers BreakerSource, pools PoolSource, config Config, clock clockwork.Clock, logger *zap.Logger, m *metrics.Metrics) *Monitor {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Interval <= 0 {
		config.Interval = 15 * time.Second
	}
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = 2 * time.Second
	}
	return &Monitor{
		breakers: breakers,
		pools:    pools,
		config:   config,
		clock:    clock,
		logger:   logger,
		metrics:  m,
		probes:   make(map[string]ProbeFunc),
		// zero Timestamp until the first Check
		last: Report{Verdict: Healthy},
	}
}

// RegisterProbe adds a named extra probe. A failing probe counts like a down pool.
func (hm *Monitor) RegisterProbe(name string, probe ProbeFunc) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.probes[name] = probe
}

// OnChange subscribes fn to verdict transitions
func (hm *Monitor) OnChange(fn func(from, to Verdict)) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.listeners = append(hm.listeners, fn)
}

// Check gathers every source, stores the report and notifies listeners on change.
func (hm *Monitor) Check(ctx context.Context) Report {
	report := Report{Timestamp: hm.clock.Now()}

	if hm.breakers != nil {
		report.Breakers = hm.breakers.Snapshots()
		for _, b := range report.Breakers {
			if b.State == circuitbreaker.StateOpen.String() {
				report.OpenBreakers = append(report.OpenBreakers, b.Name)
			}
		}
	}
	if hm.pools != nil {
		report.Pools = hm.pools.Stats()
		for _, p := range report.Pools {
			if !p.Live {
				report.UnhealthyPools = append(report.UnhealthyPools, p.Name)
			}
		}
	}

	report.Probes = hm.runProbes(ctx)
	for _, p := range report.Probes {
		if !p.Up {
			report.FailedProbes = append(report.FailedProbes, p.Name)
		}
	}

	report.Verdict = Evaluate(len(report.OpenBreakers), len(report.UnhealthyPools)+len(report.FailedProbes))

	hm.mu.Lock()
	old := hm.last.Verdict
	hm.last = report
	listeners := append([]func(from, to Verdict){}, hm.listeners...)
	hm.mu.Unlock()

	hm.metrics.SetHealthVerdict(int(report.Verdict))
	if old != report.Verdict {
		fields := []zap.Field{
			zap.Stringer("from", old),
			zap.Stringer("to", report.Verdict),
			zap.Strings("open_breakers", report.OpenBreakers),
			zap.Strings("unhealthy_pools", report.UnhealthyPools),
			zap.Strings("failed_probes", report.FailedProbes),
		}
		if report.Verdict > old {
			hm.logger.Warn("health verdict changed", fields...)
		} else {
			hm.logger.Info("health verdict changed", fields...)
		}
		for _, fn := range listeners {
			fn(old, report.Verdict)
		}
	}
	return report
}

func (hm *Monitor) runProbes(ctx context.Context) []ProbeResult {
	hm.mu.RLock()
	names := make([]string, 0, len(hm.probes))
	for name := range hm.probes {
		names = append(names, name)
	}
	probes := make(map[string]ProbeFunc, len(hm.probes))
	for name, fn := range hm.probes {
		probes[name] = fn
	}
	hm.mu.RUnlock()
	sort.Strings(names)

	results := make([]ProbeResult, len(names))
	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			probeCtx, cancel := context.WithTimeout(ctx, hm.config.ProbeTimeout)
			defer cancel()

			start := hm.clock.Now()
			err := probes[name](probeCtx)
			results[i] = ProbeResult{Name: name, Up: err == nil, Duration: hm.clock.Since(start)}
			if err != nil {
				results[i].Error = err.Error()
			}
		}(i, name)
	}
	wg.Wait()
	return results
}

// Current returns the last report
func (hm *Monitor) Current() Report {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	return hm.last
}

// Verdict returns the last verdict
func (hm *Monitor) Verdict() Verdict {
	return hm.Current().Verdict
}

// Run checks once immediately, then every Interval until ctx is done.
func (hm *Monitor) Run(ctx context.Context) {
	hm.Check(ctx)

	ticker := hm.clock.NewTicker(hm.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			hm.Check(ctx)
		}
	}
}
