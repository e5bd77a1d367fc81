package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "wasmhost"

// Instantiation and call results.
const (
	ResultOK       = "ok"
	ResultPoolFull = "pool_limit"
	ResultMemory   = "memory_limit"
	ResultDeadline = "deadline"
	ResultExit     = "exit"
	ResultError    = "error"
)

// Collector records engine activity. A nil *Collector records nothing.
type Collector struct {
	instantiations       *prometheus.CounterVec
	instantiateDuration  prometheus.Histogram
	activeInstances      prometheus.Gauge
	calls                *prometheus.CounterVec
	callDuration         prometheus.Histogram
	deadlineTraps        prometheus.Counter
	memoryDenials        prometheus.Counter
	memoryGrowthBytes    prometheus.Counter
	epoch                prometheus.Gauge
	poolSlotsInUse       prometheus.Gauge
	hostComponentsLoaded prometheus.Gauge

	logger *zap.Logger
}

// NewCollector registers the engine metrics with reg. A nil reg uses the
// default prometheus registerer.
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	f := promauto.With(reg)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.instantiations = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "instantiations_total",
			Help:      "Total number of instance creations by result",
		},
		[]string{"result"},
	)

	c.instantiateDuration = f.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "instantiate_duration_seconds",
			Help:      "Time to create an instance from a template",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		},
	)

	c.activeInstances = f.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_instances",
			Help:      "Number of live instances",
		},
	)

	c.calls = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_total",
			Help:      "Total number of guest calls by result",
		},
		[]string{"result"},
	)

	c.callDuration = f.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_duration_seconds",
			Help:      "Guest call duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
	)

	c.deadlineTraps = f.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deadline_traps_total",
			Help:      "Guest calls interrupted by an epoch deadline",
		},
	)

	c.memoryDenials = f.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "memory_growth_denied_total",
			Help:      "Memory growth requests denied by a store limit",
		},
	)

	c.memoryGrowthBytes = f.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "memory_growth_bytes_total",
			Help:      "Linear memory bytes approved by store limiters",
		},
	)

	c.epoch = f.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "epoch",
			Help:      "Current engine epoch",
		},
	)

	c.poolSlotsInUse = f.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_slots_in_use",
			Help:      "Instance slots currently reserved",
		},
	)

	c.hostComponentsLoaded = f.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "host_components",
			Help:      "Number of registered host components",
		},
	)

	c.logger.Debug("metrics collector initialized", zap.String("namespace", namespace))
	return c
}

// RecordInstantiation records one instantiation attempt.
func (c *Collector) RecordInstantiation(result string, duration time.Duration) {
	if c == nil {
		return
	}
	c.instantiations.WithLabelValues(result).Inc()
	c.instantiateDuration.Observe(duration.Seconds())
	if result == ResultOK {
		c.activeInstances.Inc()
	}
}

// RecordInstanceClosed records an instance being released.
func (c *Collector) RecordInstanceClosed() {
	if c == nil {
		return
	}
	c.activeInstances.Dec()
}

// RecordCall records one guest call.
func (c *Collector) RecordCall(result string, duration time.Duration) {
	if c == nil {
		return
	}
	c.calls.WithLabelValues(result).Inc()
	c.callDuration.Observe(duration.Seconds())
}

// RecordDeadlineTrap records a call interrupted by its deadline.
func (c *Collector) RecordDeadlineTrap() {
	if c == nil {
		return
	}
	c.deadlineTraps.Inc()
}

// RecordMemoryGrowth records an approved growth of n bytes.
func (c *Collector) RecordMemoryGrowth(n uint64) {
	if c == nil {
		return
	}
	c.memoryGrowthBytes.Add(float64(n))
}

// RecordMemoryDenied records a denied growth.
func (c *Collector) RecordMemoryDenied() {
	if c == nil {
		return
	}
	c.memoryDenials.Inc()
}

// SetEpoch publishes the current epoch.
func (c *Collector) SetEpoch(epoch uint64) {
	if c == nil {
		return
	}
	c.epoch.Set(float64(epoch))
}

// SetPoolSlotsInUse publishes the reserved slot count.
func (c *Collector) SetPoolSlotsInUse(n uint64) {
	if c == nil {
		return
	}
	c.poolSlotsInUse.Set(float64(n))
}

// SetHostComponents publishes the registered host component count.
func (c *Collector) SetHostComponents(n int) {
	if c == nil {
		return
	}
	c.hostComponentsLoaded.Set(float64(n))
}
