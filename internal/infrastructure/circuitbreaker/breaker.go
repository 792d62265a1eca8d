// Package circuitbreaker isolates downstream dependencies behind per-name
// circuit breakers so failing dependencies fail fast.
package circuitbreaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	errs "github.com/Aidin1998/tiergate/pkg/errors"
	"github.com/Aidin1998/tiergate/pkg/metrics"
)

// State represents the state of a circuit breaker
type State int32

const (
	// StateClosed - normal operation, calls pass through
	StateClosed State = iota
	// StateOpen - calls are rejected without invocation
	StateOpen
	// StateHalfOpen - a limited number of probe calls test recovery
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds the thresholds of one breaker
type Config struct {
	FailureThreshold int           `mapstructure:"failure_threshold" yaml:"failure_threshold" json:"failure_threshold" validate:"gte=0"`
	SuccessThreshold int           `mapstructure:"success_threshold" yaml:"success_threshold" json:"success_threshold" validate:"gte=0"`
	OpenTimeout      time.Duration `mapstructure:"open_timeout" yaml:"open_timeout" json:"open_timeout" validate:"gte=0"`
	MaxHalfOpenCalls int           `mapstructure:"max_half_open_calls" yaml:"max_half_open_calls" json:"max_half_open_calls" validate:"gte=0"`
}

// DefaultConfig is used for dependencies without explicit configuration
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OpenTimeout:      30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = d.SuccessThreshold
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = d.OpenTimeout
	}
	if c.MaxHalfOpenCalls <= 0 {
		c.MaxHalfOpenCalls = c.SuccessThreshold
	}
	return c
}

// Snapshot is a read-only view of a breaker
type Snapshot struct {
	Name                 string    `json:"name"`
	State                string    `json:"state"`
	ConsecutiveFailures  int       `json:"consecutive_failures"`
	ConsecutiveSuccesses int       `json:"consecutive_successes"`
	LastFailureAt        time.Time `json:"last_failure_at,omitempty"`
	TotalCalls           int64     `json:"total_calls"`
	SucceededCalls       int64     `json:"succeeded_calls"`
	FailedCalls          int64     `json:"failed_calls"`
	RejectedCalls        int64     `json:"rejected_calls"`
	Config               Config    `json:"config"`
}

// Breaker is the state machine guarding one dependency. It is the only owner
// of that dependency's failure and success accounting.
type Breaker struct {
	name     string
	cfg      Config
	nonFatal []error
	clock    clockwork.Clock
	logger   *zap.Logger
	metrics  *metrics.Metrics

	mu               sync.Mutex
	state            State
	generation       uint64
	failures         int
	successes        int
	halfOpenInFlight int
	lastFailureAt    time.Time

	total     int64
	succeeded int64
	failed    int64
	rejected  int64
}

// NewBreaker creates a closed breaker. Errors matching nonFatal (errors.Is)
// count as success and are handed back to the caller unchanged.
func NewBreaker(name string, cfg Config, clock clockwork.Clock, logger *zap.Logger, m *metrics.Metrics, nonFatal ...error) *Breaker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Breaker{
		name:     name,
		cfg:      cfg.withDefaults(),
		nonFatal: nonFatal,
		clock:    clock,
		logger:   logger,
		metrics:  m,
		state:    StateClosed,
	}
	m.SetBreakerState(name, int(StateClosed))
	return b
}

// Execute runs fn unless the breaker is open. A failing fn is reported as
// DownstreamFailure with the original error as cause; a rejected call returns
// BreakerOpen and fn is never invoked.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) (err error) {
	gen, rejectErr := b.allow()
	if rejectErr != nil {
		return rejectErr
	}

	defer func() {
		if r := recover(); r != nil {
			b.record(gen, fmt.Errorf("panic: %v", r))
			panic(r)
		}
	}()

	err = fn(ctx)
	if fatal := b.record(gen, err); fatal {
		if errs.KindOf(err) == errs.KindDownstreamFailure {
			return err
		}
		return errs.DownstreamFailure.Explain("%s call failed", b.name).Wrap(err)
	}
	return err
}

// allow admits a call and returns the generation it was admitted under.
func (b *Breaker) allow() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.total++
	switch b.state {
	case StateClosed:
		return b.generation, nil

	case StateOpen:
		elapsed := b.clock.Since(b.lastFailureAt)
		if elapsed < b.cfg.OpenTimeout {
			return 0, b.rejectLocked(b.cfg.OpenTimeout - elapsed)
		}
		b.transitionLocked(StateHalfOpen)
		b.halfOpenInFlight++
		return b.generation, nil

	case StateHalfOpen:
		if b.halfOpenInFlight >= b.cfg.MaxHalfOpenCalls {
			return 0, b.rejectLocked(0)
		}
		b.halfOpenInFlight++
		return b.generation, nil
	}
	return 0, b.rejectLocked(0)
}

func (b *Breaker) rejectLocked(retryAfter time.Duration) error {
	b.rejected++
	b.metrics.ObserveBreakerRejection(b.name)
	err := errs.BreakerOpen.Explain("circuit breaker %s is %s", b.name, b.state)
	if retryAfter > 0 {
		err = err.After(retryAfter)
	}
	return err
}

// record applies the outcome of a call and reports whether it counted as a failure.
func (b *Breaker) record(gen uint64, err error) bool {
	fatal := err != nil && !b.IsNonFatal(err)

	b.mu.Lock()
	defer b.mu.Unlock()

	if fatal {
		b.failed++
	} else {
		b.succeeded++
	}

	// the breaker changed state while the call ran, its outcome is stale
	if gen != b.generation {
		return fatal
	}

	switch b.state {
	case StateClosed:
		if fatal {
			b.failures++
			b.lastFailureAt = b.clock.Now()
			if b.failures >= b.cfg.FailureThreshold {
				b.logger.Warn("circuit breaker opened due to failures",
					zap.String("name", b.name),
					zap.Int("failures", b.failures),
					zap.Int("failure_threshold", b.cfg.FailureThreshold),
					zap.Error(err))
				b.transitionLocked(StateOpen)
			}
		} else if b.failures > 0 {
			b.failures--
		}

	case StateHalfOpen:
		b.halfOpenInFlight--
		if fatal {
			b.lastFailureAt = b.clock.Now()
			b.logger.Warn("circuit breaker returned to open state during half-open test",
				zap.String("name", b.name),
				zap.Error(err))
			b.transitionLocked(StateOpen)
			return fatal
		}
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.logger.Info("circuit breaker closed after successful half-open test",
				zap.String("name", b.name),
				zap.Int("successes", b.successes))
			b.transitionLocked(StateClosed)
		}
	}
	return fatal
}

func (b *Breaker) transitionLocked(to State) {
	from := b.state
	b.state = to
	b.generation++
	b.successes = 0
	b.halfOpenInFlight = 0
	if to == StateClosed {
		b.failures = 0
	}
	if to == StateHalfOpen {
		b.logger.Info("circuit breaker transitioning to half-open",
			zap.String("name", b.name),
			zap.Stringer("from", from))
	}
	b.metrics.SetBreakerState(b.name, int(to))
}

// IsNonFatal reports whether err is on the breaker's allow-list
func (b *Breaker) IsNonFatal(err error) bool {
	for _, nf := range b.nonFatal {
		if errs.Is(err, nf) {
			return true
		}
	}
	return false
}

// State returns the current state. An open breaker whose timeout has elapsed
// still reports open until the next call moves it to half-open.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns a copy of the breaker's counters
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Snapshot{
		Name:                 b.name,
		State:                b.state.String(),
		ConsecutiveFailures:  b.failures,
		ConsecutiveSuccesses: b.successes,
		LastFailureAt:        b.lastFailureAt,
		TotalCalls:           b.total,
		SucceededCalls:       b.succeeded,
		FailedCalls:          b.failed,
		RejectedCalls:        b.rejected,
		Config:               b.cfg,
	}
}

// Reset forces the breaker back to closed
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.transitionLocked(StateClosed)
	b.logger.Info("circuit breaker manually reset", zap.String("name", b.name))
}
