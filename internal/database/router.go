// Package database routes data calls between one write pool and N read pools
// and keeps their liveness current with periodic probes.
package database

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"gorm.io/gorm"

	errs "github.com/Aidin1998/tiergate/pkg/errors"
	"github.com/Aidin1998/tiergate/pkg/metrics"
)

// Role tells whether a pool accepts mutating calls
type Role string

const (
	RoleWrite Role = "write"
	RoleRead  Role = "read"
)

// ProbeFunc issues a trivial round trip against a pool
type ProbeFunc func(ctx context.Context, db *gorm.DB) error

// PingProbe is the default liveness probe
func PingProbe(ctx context.Context, db *gorm.DB) error {
	var result int
	return db.WithContext(ctx).Raw("SELECT 1").Scan(&result).Error
}

// Pool describes one connection pool handed to the router
type Pool struct {
	Name  string
	DB    *gorm.DB
	Probe ProbeFunc
}

// RouterConfig holds configuration for pool routing
type RouterConfig struct {
	ProbeInterval time.Duration `mapstructure:"probe_interval" yaml:"probe_interval" json:"probe_interval"`
	ProbeTimeout  time.Duration `mapstructure:"probe_timeout" yaml:"probe_timeout" json:"probe_timeout"`
	LatencyAlpha  float64       `mapstructure:"latency_alpha" yaml:"latency_alpha" json:"latency_alpha"`
}

// DefaultRouterConfig returns default configuration
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		ProbeInterval: 10 * time.Second,
		ProbeTimeout:  2 * time.Second,
		LatencyAlpha:  0.2,
	}
}

// poolHandle is a pool plus its liveness flag and statistics
type poolHandle struct {
	name  string
	role  Role
	db    *gorm.DB
	probe ProbeFunc

	live   int32 // atomic boolean
	reads  int64 // atomic
	writes int64 // atomic
	failed int64 // atomic

	mu           sync.Mutex
	avgLatency   float64 // nanoseconds, exponentially weighted
	lastProbeAt  time.Time
	lastProbeErr error
}

func newPoolHandle(p Pool, role Role) *poolHandle {
	probe := p.Probe
	if probe == nil {
		probe = PingProbe
	}
	return &poolHandle{
		name:  p.Name,
		role:  role,
		db:    p.DB,
		probe: probe,
		live:  1,
	}
}

func (h *poolHandle) isLive() bool {
	return atomic.LoadInt32(&h.live) == 1
}

// PoolStats is a point-in-time view of one pool
type PoolStats struct {
	Name           string        `json:"name"`
	Role           Role          `json:"role"`
	Live           bool          `json:"live"`
	Reads          int64         `json:"reads"`
	Writes         int64         `json:"writes"`
	Failed         int64         `json:"failed"`
	AvgLatency     time.Duration `json:"avg_latency_ns"`
	LastProbeAt    time.Time     `json:"last_probe_at,omitempty"`
	LastProbeError string        `json:"last_probe_error,omitempty"`
}

// Router sends writes to the single write pool and reads round-robin across
// live read pools, falling back to the write pool when none is live.
type Router struct {
	write   *poolHandle
	reads   []*poolHandle
	next    uint64 // atomic round-robin cursor
	config  RouterConfig
	clock   clockwork.Clock
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewRouter creates a router. All pools start live until the first probe says otherwise.
func NewRouter(write Pool, reads []Pool, config RouterConfig, clock clockwork.Clock, logger *zap.Logger, m *metrics.Metrics) *Router {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := DefaultRouterConfig()
	if config.ProbeInterval <= 0 {
		config.ProbeInterval = d.ProbeInterval
	}
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = d.ProbeTimeout
	}
	if config.LatencyAlpha <= 0 || config.LatencyAlpha > 1 {
		config.LatencyAlpha = d.LatencyAlpha
	}

	r := &Router{
		write:   newPoolHandle(write, RoleWrite),
		config:  config,
		clock:   clock,
		logger:  logger,
		metrics: m,
	}
	for _, p := range reads {
		r.reads = append(r.reads, newPoolHandle(p, RoleRead))
	}
	for _, h := range r.handles() {
		m.SetPoolLive(h.name, string(h.role), true)
	}
	return r
}

func (r *Router) handles() []*poolHandle {
	return append([]*poolHandle{r.write}, r.reads...)
}

// selectHandle picks the target for a read or a write. Writes never go to a
// read pool.
func (r *Router) selectHandle(queryType QueryType) (*poolHandle, error) {
	if queryType == QueryTypeWrite {
		if r.write.isLive() {
			return r.write, nil
		}
		return nil, errs.PoolUnavailable.Explain("write pool %s is not live", r.write.name)
	}

	if n := len(r.reads); n > 0 {
		start := atomic.AddUint64(&r.next, 1) - 1
		for i := 0; i < n; i++ {
			h := r.reads[(start+uint64(i))%uint64(n)]
			if h.isLive() {
				return h, nil
			}
		}
	}

	if r.write.isLive() {
		r.logger.Debug("no live read pool, routing read to write pool",
			zap.String("pool", r.write.name))
		return r.write, nil
	}
	return nil, errs.PoolUnavailable.Explain("no live pool for read")
}

// Route classifies statement and returns the name of the pool it would go to.
func (r *Router) Route(statement string) (string, QueryType, error) {
	queryType := ClassifyStatement(statement)
	h, err := r.selectHandle(queryType)
	if err != nil {
		return "", queryType, err
	}
	return h.name, queryType, nil
}

// RouteQuery runs fn against the pool selected for a read or a write and
// records the outcome in that pool's statistics.
func (r *Router) RouteQuery(ctx context.Context, isWrite bool, fn func(ctx context.Context, db *gorm.DB) error) error {
	queryType := QueryTypeRead
	if isWrite {
		queryType = QueryTypeWrite
	}
	h, err := r.selectHandle(queryType)
	if err != nil {
		return err
	}

	start := r.clock.Now()
	err = fn(ctx, h.db.WithContext(ctx))
	r.record(h, queryType, r.clock.Since(start), err)
	return err
}

// RouteStatement classifies statement lexically and routes fn accordingly.
func (r *Router) RouteStatement(ctx context.Context, statement string, fn func(ctx context.Context, db *gorm.DB) error) error {
	return r.RouteQuery(ctx, ClassifyStatement(statement) == QueryTypeWrite, fn)
}

func (r *Router) record(h *poolHandle, queryType QueryType, latency time.Duration, err error) {
	if queryType == QueryTypeWrite {
		atomic.AddInt64(&h.writes, 1)
	} else {
		atomic.AddInt64(&h.reads, 1)
	}
	if err != nil {
		atomic.AddInt64(&h.failed, 1)
		r.metrics.ObservePoolQuery(h.name, "failed", -1)
	}
	r.metrics.ObservePoolQuery(h.name, queryType.String(), latency.Seconds())

	h.mu.Lock()
	if h.avgLatency == 0 {
		h.avgLatency = float64(latency)
	} else {
		h.avgLatency = r.config.LatencyAlpha*float64(latency) + (1-r.config.LatencyAlpha)*h.avgLatency
	}
	h.mu.Unlock()
}

// Run probes every pool once, then every ProbeInterval until ctx is done.
func (r *Router) Run(ctx context.Context) {
	r.ProbeAll(ctx)

	ticker := r.clock.NewTicker(r.config.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			r.ProbeAll(ctx)
		}
	}
}

// ProbeAll checks every pool concurrently and updates liveness.
func (r *Router) ProbeAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, h := range r.handles() {
		wg.Add(1)
		go func(h *poolHandle) {
			defer wg.Done()
			r.probeOne(ctx, h)
		}(h)
	}
	wg.Wait()
}

func (r *Router) probeOne(ctx context.Context, h *poolHandle) {
	probeCtx, cancel := context.WithTimeout(ctx, r.config.ProbeTimeout)
	defer cancel()

	start := r.clock.Now()
	err := h.probe(probeCtx, h.db)
	latency := r.clock.Since(start)

	h.mu.Lock()
	h.lastProbeAt = r.clock.Now()
	h.lastProbeErr = err
	h.mu.Unlock()

	if err != nil {
		if atomic.CompareAndSwapInt32(&h.live, 1, 0) {
			r.logger.Warn("pool marked as not live",
				zap.String("pool", h.name),
				zap.String("role", string(h.role)),
				zap.Error(err),
				zap.Duration("latency", latency))
		}
	} else {
		if atomic.CompareAndSwapInt32(&h.live, 0, 1) {
			r.logger.Info("pool marked as live",
				zap.String("pool", h.name),
				zap.String("role", string(h.role)),
				zap.Duration("latency", latency))
		}
	}
	r.metrics.SetPoolLive(h.name, string(h.role), err == nil)
}

// Stats returns the status of all pools, write pool first
func (r *Router) Stats() []PoolStats {
	handles := r.handles()
	out := make([]PoolStats, len(handles))
	for i, h := range handles {
		h.mu.Lock()
		s := PoolStats{
			Name:        h.name,
			Role:        h.role,
			Live:        h.isLive(),
			Reads:       atomic.LoadInt64(&h.reads),
			Writes:      atomic.LoadInt64(&h.writes),
			Failed:      atomic.LoadInt64(&h.failed),
			AvgLatency:  time.Duration(h.avgLatency),
			LastProbeAt: h.lastProbeAt,
		}
		if h.lastProbeErr != nil {
			s.LastProbeError = h.lastProbeErr.Error()
		}
		h.mu.Unlock()
		out[i] = s
	}
	return out
}

// UnhealthyPools returns the names of pools currently not live
func (r *Router) UnhealthyPools() []string {
	var down []string
	for _, h := range r.handles() {
		if !h.isLive() {
			down = append(down, h.name)
		}
	}
	return down
}

// Close closes the underlying connections of every pool
func (r *Router) Close() error {
	var closeErr error
	for _, h := range r.handles() {
		sqlDB, err := h.db.DB()
		if err != nil {
			closeErr = errs.Join(closeErr, err)
			continue
		}
		if err := sqlDB.Close(); err != nil {
			closeErr = errs.Join(closeErr, err)
		}
	}
	return closeErr
}
