// Package metrics exposes pool occupancy and transaction outcomes as
// Prometheus metrics, adapted from the teacher's internal/metrics —
// relabeled from per-tenant proxy metrics to per-pool executor metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds every Prometheus metric sqlcore exports.
type Collector struct {
	Registry *prometheus.Registry

	poolReady     *prometheus.GaugeVec
	poolBusy      *prometheus.GaugeVec
	poolReserved  *prometheus.GaugeVec
	poolWaiting   *prometheus.GaugeVec
	poolTransWait *prometheus.GaugeVec
	poolExhausted *prometheus.CounterVec

	dispatchDuration *prometheus.HistogramVec

	transactionsCommitted *prometheus.CounterVec
	transactionsRolledBack *prometheus.CounterVec
	transactionDuration    *prometheus.HistogramVec

	reconnectsTotal *prometheus.CounterVec
}

// New creates and registers every metric on a fresh registry. Safe to
// call more than once (tests, config reload) since each call gets an
// independent registry.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,
		poolReady: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sqlcore_pool_ready_connections",
				Help: "Number of idle connections available for dispatch per pool",
			},
			[]string{"pool", "kind"},
		),
		poolBusy: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sqlcore_pool_busy_connections",
				Help: "Number of connections currently executing a command per pool",
			},
			[]string{"pool", "kind"},
		),
		poolReserved: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sqlcore_pool_reserved_connections",
				Help: "Number of connections reserved by an open transaction per pool",
			},
			[]string{"pool", "kind"},
		),
		poolWaiting: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sqlcore_pool_waiting_commands",
				Help: "Number of commands buffered waiting for a free connection",
			},
			[]string{"pool", "kind"},
		),
		poolTransWait: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sqlcore_pool_transaction_waiters",
				Help: "Number of goroutines blocked in NewTransaction waiting for a connection",
			},
			[]string{"pool", "kind"},
		),
		poolExhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sqlcore_pool_exhausted_total",
				Help: "Total number of times a command or NewTransaction call had to wait",
			},
			[]string{"pool"},
		),
		dispatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sqlcore_dispatch_duration_seconds",
				Help:    "Duration from ExecSql submission to onResult/onError per pool",
				Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16),
			},
			[]string{"pool", "kind"},
		),
		transactionsCommitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sqlcore_transactions_committed_total",
				Help: "Total transactions that reached COMMIT successfully",
			},
			[]string{"pool"},
		),
		transactionsRolledBack: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sqlcore_transactions_rolled_back_total",
				Help: "Total transactions that ended in ROLLBACK",
			},
			[]string{"pool"},
		),
		transactionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sqlcore_transaction_duration_seconds",
				Help:    "Duration from NewTransaction reservation to release",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16),
			},
			[]string{"pool"},
		),
		reconnectsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sqlcore_reconnects_total",
				Help: "Total replacement connections spawned after a connection loss",
			},
			[]string{"pool", "kind"},
		),
	}

	reg.MustRegister(
		c.poolReady,
		c.poolBusy,
		c.poolReserved,
		c.poolWaiting,
		c.poolTransWait,
		c.poolExhausted,
		c.dispatchDuration,
		c.transactionsCommitted,
		c.transactionsRolledBack,
		c.transactionDuration,
		c.reconnectsTotal,
	)

	return c
}

// UpdatePoolStats sets the occupancy gauges for one pool from a snapshot.
func (c *Collector) UpdatePoolStats(pool, kind string, ready, busy, reserved, waiting, transWait int) {
	c.poolReady.WithLabelValues(pool, kind).Set(float64(ready))
	c.poolBusy.WithLabelValues(pool, kind).Set(float64(busy))
	c.poolReserved.WithLabelValues(pool, kind).Set(float64(reserved))
	c.poolWaiting.WithLabelValues(pool, kind).Set(float64(waiting))
	c.poolTransWait.WithLabelValues(pool, kind).Set(float64(transWait))
}

// PoolExhausted increments the exhaustion counter for a pool.
func (c *Collector) PoolExhausted(pool string) {
	c.poolExhausted.WithLabelValues(pool).Inc()
}

// DispatchCompleted observes the time from ExecSql to its terminal callback.
func (c *Collector) DispatchCompleted(pool, kind string, d time.Duration) {
	c.dispatchDuration.WithLabelValues(pool, kind).Observe(d.Seconds())
}

// TransactionCommitted records a successful COMMIT and its duration.
func (c *Collector) TransactionCommitted(pool string, d time.Duration) {
	c.transactionsCommitted.WithLabelValues(pool).Inc()
	c.transactionDuration.WithLabelValues(pool).Observe(d.Seconds())
}

// TransactionRolledBack records a ROLLBACK and its duration.
func (c *Collector) TransactionRolledBack(pool string, d time.Duration) {
	c.transactionsRolledBack.WithLabelValues(pool).Inc()
	c.transactionDuration.WithLabelValues(pool).Observe(d.Seconds())
}

// Reconnected increments the reconnect counter for a pool.
func (c *Collector) Reconnected(pool, kind string) {
	c.reconnectsTotal.WithLabelValues(pool, kind).Inc()
}

// RemovePool deletes every metric series labeled for a pool being torn down.
func (c *Collector) RemovePool(pool, kind string) {
	c.poolReady.DeleteLabelValues(pool, kind)
	c.poolBusy.DeleteLabelValues(pool, kind)
	c.poolReserved.DeleteLabelValues(pool, kind)
	c.poolWaiting.DeleteLabelValues(pool, kind)
	c.poolTransWait.DeleteLabelValues(pool, kind)
	c.poolExhausted.DeleteLabelValues(pool)
	c.dispatchDuration.DeletePartialMatch(prometheus.Labels{"pool": pool})
	c.transactionsCommitted.DeleteLabelValues(pool)
	c.transactionsRolledBack.DeleteLabelValues(pool)
	c.transactionDuration.DeletePartialMatch(prometheus.Labels{"pool": pool})
	c.reconnectsTotal.DeleteLabelValues(pool, kind)
}
