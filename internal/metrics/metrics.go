// Package metrics exposes store operation timings and connection pool
// usage as Prometheus metrics.
package metrics

import (
	"database/sql"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "agentstore"

// Collector records store metrics on a registry. It satisfies
// core.Observer.
type Collector struct {
	OperationDuration *prometheus.HistogramVec
	OperationErrors   *prometheus.CounterVec
	DBConnections     *prometheus.GaugeVec
}

// NewCollector creates the metrics and registers them on reg. A nil reg
// leaves them unregistered.
func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		OperationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "operation_duration_seconds",
				Help:      "Duration of store operations in seconds",
				Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"op"},
		),
		OperationErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operation_errors_total",
				Help:      "Total number of failed store operations",
			},
			[]string{"op"},
		),
		DBConnections: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "db_connections",
				Help:      "Database connection pool usage",
			},
			[]string{"state"}, // "in_use", "idle", "max"
		),
	}
}

// ObserveOperation records one store operation
func (c *Collector) ObserveOperation(op string, elapsed time.Duration, err error) {
	c.OperationDuration.WithLabelValues(op).Observe(elapsed.Seconds())
	if err != nil {
		c.OperationErrors.WithLabelValues(op).Inc()
	}
}

// ObservePool updates the connection pool gauges from sql.DBStats
func (c *Collector) ObservePool(stats sql.DBStats) {
	c.DBConnections.WithLabelValues("in_use").Set(float64(stats.InUse))
	c.DBConnections.WithLabelValues("idle").Set(float64(stats.Idle))
	c.DBConnections.WithLabelValues("max").Set(float64(stats.MaxOpenConnections))
}
