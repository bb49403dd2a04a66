// Package rpmetrics holds the daemon's Prometheus metrics: a custom
// registry so tests and config reloads can build an independent
// Collector without colliding with the global default registry.
package rpmetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds all Prometheus metrics for rpmemd.
type Collector struct {
	Registry *prometheus.Registry

	sessionsActive   prometheus.Gauge
	sessionsTotal    *prometheus.CounterVec
	poolsOpen        prometheus.Gauge
	poolCreateErrors *prometheus.CounterVec

	obcRequestDuration *prometheus.HistogramVec
	obcRequestErrors   *prometheus.CounterVec

	fabricLanesGranted prometheus.Gauge
	fabricBytesWritten prometheus.Counter
	persistDuration    *prometheus.HistogramVec
	persistTotal       *prometheus.CounterVec
}

// New creates and registers all Prometheus metrics using a private
// registry. Safe to call multiple times (e.g. in tests or on config
// reload): each call returns an independent registry.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rpmemd_sessions_active",
			Help: "Number of OOB sessions currently being served",
		}),
		sessionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rpmemd_sessions_total",
				Help: "Total OOB sessions handled, by terminal outcome",
			},
			[]string{"outcome"},
		),
		poolsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rpmemd_pools_open",
			Help: "Number of pool backing files currently mapped",
		}),
		poolCreateErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rpmemd_pool_create_errors_total",
				Help: "Pool create/open failures by resulting status",
			},
			[]string{"status"},
		),
		obcRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rpmemd_obc_request_duration_seconds",
				Help:    "Duration of OOB request processing by request kind",
				Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
			},
			[]string{"kind"},
		),
		obcRequestErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rpmemd_obc_request_errors_total",
				Help: "OOB request failures by request kind",
			},
			[]string{"kind"},
		),
		fabricLanesGranted: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rpmemd_fabric_lanes_granted",
			Help: "Lane count granted to the most recently started fabric connection",
		}),
		fabricBytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rpmemd_fabric_bytes_written_total",
			Help: "Total bytes written into pool mappings over the data plane",
		}),
		persistDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rpmemd_persist_duration_seconds",
				Help:    "Duration of persist operations by method",
				Buckets: prometheus.ExponentialBuckets(0.00005, 2, 16),
			},
			[]string{"method"},
		),
		persistTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rpmemd_persist_total",
				Help: "Total persist operations by method and result",
			},
			[]string{"method", "result"},
		),
	}

	reg.MustRegister(
		c.sessionsActive,
		c.sessionsTotal,
		c.poolsOpen,
		c.poolCreateErrors,
		c.obcRequestDuration,
		c.obcRequestErrors,
		c.fabricLanesGranted,
		c.fabricBytesWritten,
		c.persistDuration,
		c.persistTotal,
	)

	return c
}

// All recording methods tolerate a nil receiver: the session controller
// and fabric adapter hold an optional *Collector, and a daemon built
// without metrics simply passes nil.

// SessionStarted increments the active session gauge.
func (c *Collector) SessionStarted() {
	if c == nil {
		return
	}
	c.sessionsActive.Inc()
}

// SessionEnded decrements the active gauge and records the terminal
// outcome (cmd/rpmemd passes "closed" or "fatal").
func (c *Collector) SessionEnded(outcome string) {
	if c == nil {
		return
	}
	c.sessionsActive.Dec()
	c.sessionsTotal.WithLabelValues(outcome).Inc()
}

// PoolOpened/PoolClosed track the open-pool gauge.
func (c *Collector) PoolOpened() {
	if c == nil {
		return
	}
	c.poolsOpen.Inc()
}

func (c *Collector) PoolClosed() {
	if c == nil {
		return
	}
	c.poolsOpen.Dec()
}

// PoolCreateError records a create/open failure by resulting status
// label (e.g. "exists", "badsize", "fatal").
func (c *Collector) PoolCreateError(status string) {
	if c == nil {
		return
	}
	c.poolCreateErrors.WithLabelValues(status).Inc()
}

// OBCRequestCompleted records an OOB request's processing duration.
func (c *Collector) OBCRequestCompleted(kind string, d time.Duration) {
	if c == nil {
		return
	}
	c.obcRequestDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// OBCRequestError increments the OOB request error counter.
func (c *Collector) OBCRequestError(kind string) {
	if c == nil {
		return
	}
	c.obcRequestErrors.WithLabelValues(kind).Inc()
}

// FabricLanesGranted records the lane count granted on fabric init.
func (c *Collector) FabricLanesGranted(n uint32) {
	if c == nil {
		return
	}
	c.fabricLanesGranted.Set(float64(n))
}

// FabricBytesWritten adds to the total bytes written over the data
// plane.
func (c *Collector) FabricBytesWritten(n int) {
	if c == nil {
		return
	}
	c.fabricBytesWritten.Add(float64(n))
}

// PersistCompleted records a persist operation's duration and result
// ("apm" writes are not timed here; callers pass method "gpspm").
func (c *Collector) PersistCompleted(method string, d time.Duration, err error) {
	if c == nil {
		return
	}
	c.persistDuration.WithLabelValues(method).Observe(d.Seconds())
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.persistTotal.WithLabelValues(method, result).Inc()
}
