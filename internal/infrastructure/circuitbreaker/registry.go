package circuitbreaker

import (
	"context"
	"sort"
	"sync"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/Aidin1998/tiergate/pkg/metrics"
)

// Registry manages one breaker per dependency name. Every downstream call in
// the scheduler goes through Execute.
type Registry struct {
	defaults  Config
	overrides map[string]Config
	clock     clockwork.Clock
	logger    *zap.Logger
	metrics   *metrics.Metrics

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewRegistry creates a registry. Breakers created on demand use the override
// for their name, or defaults.
func NewRegistry(defaults Config, overrides map[string]Config, clock clockwork.Clock, logger *zap.Logger, m *metrics.Metrics) *Registry {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		defaults:  defaults,
		overrides: overrides,
		clock:     clock,
		logger:    logger,
		metrics:   m,
		breakers:  make(map[string]*Breaker),
	}
}

// Register installs a fresh breaker for name with an explicit non-fatal allow-list.
func (r *Registry) Register(name string, cfg Config, nonFatal ...error) *Breaker {
	b := NewBreaker(name, cfg, r.clock, r.logger, r.metrics, nonFatal...)

	r.mu.Lock()
	r.breakers[name] = b
	r.mu.Unlock()

	r.logger.Info("registered circuit breaker",
		zap.String("name", name),
		zap.Int("failure_threshold", b.cfg.FailureThreshold),
		zap.Int("success_threshold", b.cfg.SuccessThreshold),
		zap.Duration("open_timeout", b.cfg.OpenTimeout),
		zap.Int("non_fatal", len(nonFatal)))
	return b
}

// ConfigFor returns the configuration a breaker named name gets on creation
func (r *Registry) ConfigFor(name string) Config {
	if cfg, ok := r.overrides[name]; ok {
		return cfg
	}
	return r.defaults
}

// GetOrCreate gets an existing breaker or creates one from the configured thresholds
func (r *Registry) GetOrCreate(name string) *Breaker {
	r.mu.RLock()
	if b, ok := r.breakers[name]; ok {
		r.mu.RUnlock()
		return b
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring write lock
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := NewBreaker(name, r.ConfigFor(name), r.clock, r.logger, r.metrics)
	r.breakers[name] = b

	r.logger.Info("created new circuit breaker",
		zap.String("name", name),
		zap.Int("failure_threshold", b.cfg.FailureThreshold),
		zap.Duration("open_timeout", b.cfg.OpenTimeout))
	return b
}

// Get returns a breaker by name
func (r *Registry) Get(name string) (*Breaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.breakers[name]
	return b, ok
}

// Execute runs fn through the breaker for the named dependency.
func (r *Registry) Execute(ctx context.Context, name string, fn func(context.Context) error) error {
	return r.GetOrCreate(name).Execute(ctx, fn)
}

// Call is Execute for calls that produce a value.
func Call[T any](ctx context.Context, r *Registry, name string, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := r.Execute(ctx, name, func(ctx context.Context) error {
		v, err := fn(ctx)
		out = v
		return err
	})
	return out, err
}

// Snapshots returns every breaker's view, sorted by name
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	list := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		list = append(list, b)
	}
	r.mu.RUnlock()

	out := make([]Snapshot, 0, len(list))
	for _, b := range list {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// OpenBreakers returns the names of breakers currently open, sorted
func (r *Registry) OpenBreakers() []string {
	var open []string
	for _, s := range r.Snapshots() {
		if s.State == StateOpen.String() {
			open = append(open, s.Name)
		}
	}
	return open
}

// ResetAll resets all circuit breakers
func (r *Registry) ResetAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, b := range r.breakers {
		b.Reset()
	}
	r.logger.Info("reset all circuit breakers")
}
