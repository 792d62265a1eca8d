package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "tiergate"

// Metrics holds every collector exported by the scheduling core.
// All methods are safe on a nil receiver so components can run without metrics.
type Metrics struct {
	// Admissions counts admission decisions by tier and outcome (accepted/deferred/rejected)
	Admissions *prometheus.CounterVec
	// QueueLength reports the current sub-queue length by tier
	QueueLength *prometheus.GaugeVec
	// DeferredLength reports the deferred retry queue length
	DeferredLength prometheus.Gauge

	// Batches counts dispatched batches by trigger (tick/size/drain)
	Batches *prometheus.CounterVec
	// BatchSize records the size distribution of dispatched batches
	BatchSize prometheus.Histogram
	// Items counts dispatched items by kind and outcome (success/failure)
	Items *prometheus.CounterVec
	// DispatchDuration records per-group handler latency by kind
	DispatchDuration *prometheus.HistogramVec

	// BreakerState reports breaker state by dependency (0 closed, 1 open, 2 half-open)
	BreakerState *prometheus.GaugeVec
	// BreakerRejections counts calls rejected without invocation by dependency
	BreakerRejections *prometheus.CounterVec

	// PoolLive reports pool handle liveness (1 live, 0 not live)
	PoolLive *prometheus.GaugeVec
	// PoolQueries counts routed queries by pool and type (read/write/failed)
	PoolQueries *prometheus.CounterVec
	// PoolLatency records routed query latency by pool
	PoolLatency *prometheus.HistogramVec

	// HealthVerdict reports the aggregated verdict (0 healthy, 1 degraded, 2 critical)
	HealthVerdict prometheus.Gauge
}

// New registers all collectors against reg
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		Admissions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "admission",
				Name:      "decisions_total",
				Help:      "Admission decisions by tier and outcome",
			},
			[]string{"tier", "outcome"},
		),
		QueueLength: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "queue",
				Name:      "length",
				Help:      "Current number of queued operations per tier",
			},
			[]string{"tier"},
		),
		DeferredLength: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "queue",
				Name:      "deferred_length",
				Help:      "Current number of operations waiting in the deferred retry queue",
			},
		),
		Batches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "scheduler",
				Name:      "batches_total",
				Help:      "Dispatched batches by trigger",
			},
			[]string{"trigger"},
		),
		BatchSize: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "scheduler",
				Name:      "batch_size",
				Help:      "Number of operations per dispatched batch",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
			},
		),
		Items: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "scheduler",
				Name:      "items_total",
				Help:      "Dispatched operations by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		DispatchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "scheduler",
				Name:      "dispatch_duration_seconds",
				Help:      "Handler latency per kind group",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"kind"},
		),
		BreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "breaker",
				Name:      "state",
				Help:      "Circuit breaker state (0 closed, 1 open, 2 half-open)",
			},
			[]string{"dependency"},
		),
		BreakerRejections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "breaker",
				Name:      "rejections_total",
				Help:      "Calls rejected by an open breaker without invocation",
			},
			[]string{"dependency"},
		),
		PoolLive: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "pool",
				Name:      "live",
				Help:      "Pool handle liveness (1 live, 0 not live)",
			},
			[]string{"pool", "role"},
		),
		PoolQueries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pool",
				Name:      "queries_total",
				Help:      "Routed queries by pool and type",
			},
			[]string{"pool", "type"},
		),
		PoolLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "pool",
				Name:      "query_duration_seconds",
				Help:      "Routed query latency by pool",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"pool"},
		),
		HealthVerdict: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "health",
				Name:      "verdict",
				Help:      "Aggregated health verdict (0 healthy, 1 degraded, 2 critical)",
			},
		),
	}
}

func (m *Metrics) ObserveAdmission(tier, outcome string) {
	if m == nil {
		return
	}
	m.Admissions.WithLabelValues(tier, outcome).Inc()
}

func (m *Metrics) SetQueueLength(tier string, n int) {
	if m == nil {
		return
	}
	m.QueueLength.WithLabelValues(tier).Set(float64(n))
}

func (m *Metrics) SetDeferredLength(n int) {
	if m == nil {
		return
	}
	m.DeferredLength.Set(float64(n))
}

func (m *Metrics) ObserveBatch(trigger string, size int) {
	if m == nil {
		return
	}
	m.Batches.WithLabelValues(trigger).Inc()
	m.BatchSize.Observe(float64(size))
}

func (m *Metrics) ObserveItems(kind, outcome string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.Items.WithLabelValues(kind, outcome).Add(float64(n))
}

func (m *Metrics) ObserveDispatch(kind string, seconds float64) {
	if m == nil {
		return
	}
	m.DispatchDuration.WithLabelValues(kind).Observe(seconds)
}

func (m *Metrics) SetBreakerState(dependency string, state int) {
	if m == nil {
		return
	}
	m.BreakerState.WithLabelValues(dependency).Set(float64(state))
}

func (m *Metrics) ObserveBreakerRejection(dependency string) {
	if m == nil {
		return
	}
	m.BreakerRejections.WithLabelValues(dependency).Inc()
}

func (m *Metrics) SetPoolLive(pool, role string, live bool) {
	if m == nil {
		return
	}
	v := 0.0
	if live {
		v = 1
	}
	m.PoolLive.WithLabelValues(pool, role).Set(v)
}

func (m *Metrics) ObservePoolQuery(pool, queryType string, seconds float64) {
	if m == nil {
		return
	}
	m.PoolQueries.WithLabelValues(pool, queryType).Inc()
	if seconds >= 0 {
		m.PoolLatency.WithLabelValues(pool).Observe(seconds)
	}
}

func (m *Metrics) SetHealthVerdict(v int) {
	if m == nil {
		return
	}
	m.HealthVerdict.Set(float64(v))
}
