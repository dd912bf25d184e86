// ============================================================================
// Nearline Mover Metrics - Prometheus instrumentation
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Function: Collect and expose mover, scheduler and journal metrics
//
// Metric families:
//
//   1. Connections:
//      - mover_connections_accepted_total
//      - mover_connections_failed_total{reason}
//      - mover_connections_active
//
//   2. Transfers:
//      - mover_transfers_total{result}      completed | failed | rejected
//      - mover_transfer_bytes_total{direction}   in | out
//      - mover_transfer_duration_seconds
//
//   3. Scheduler state:
//      - mover_pending_items
//      - mover_journal_entries
//      - mover_journal_errors_total{op}
//
// Useful queries:
//
//   # transfer error ratio
//   rate(mover_transfers_total{result="failed"}[5m])
//     / rate(mover_transfers_total[5m])
//
//   # outbound throughput
//   rate(mover_transfer_bytes_total{direction="out"}[1m])
//
// All methods are safe on a nil *Collector so components can run
// uninstrumented in tests.
//
// ============================================================================

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Transfer results.
const (
	ResultCompleted = "completed"
	ResultFailed    = "failed"
	ResultRejected  = "rejected"
)

// Transfer directions, seen from the mover.
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

// Collector holds the Prometheus metrics of one process.
type Collector struct {
	connsAccepted prometheus.Counter
	connsFailed   *prometheus.CounterVec
	connsActive   prometheus.Gauge

	transfers        *prometheus.CounterVec
	transferBytes    *prometheus.CounterVec
	transferDuration prometheus.Histogram

	pendingItems   prometheus.Gauge
	journalEntries prometheus.Gauge
	journalErrors  *prometheus.CounterVec
}

// NewCollector creates the collectors and registers them with reg, or with
// prometheus.DefaultRegisterer when reg is nil.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collector{
		connsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mover_connections_accepted_total",
			Help: "Total number of accepted data connections",
		}),
		connsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mover_connections_failed_total",
			Help: "Connections that ended with an error, by reason",
		}, []string{"reason"}),
		connsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mover_connections_active",
			Help: "Connections currently being served",
		}),
		transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mover_transfers_total",
			Help: "Transfer operations by terminal state",
		}, []string{"result"}),
		transferBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mover_transfer_bytes_total",
			Help: "Bytes moved by direction",
		}, []string{"direction"}),
		transferDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mover_transfer_duration_seconds",
			Help:    "Time from open to close of a transfer",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		}),
		pendingItems: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mover_pending_items",
			Help: "Work items registered in the pending table",
		}),
		journalEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mover_journal_entries",
			Help: "Entries recorded in the cleanup journal",
		}),
		journalErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mover_journal_errors_total",
			Help: "Cleanup journal failures by operation",
		}, []string{"op"}),
	}

	reg.MustRegister(
		c.connsAccepted,
		c.connsFailed,
		c.connsActive,
		c.transfers,
		c.transferBytes,
		c.transferDuration,
		c.pendingItems,
		c.journalEntries,
		c.journalErrors,
	)
	return c
}

// ConnAccepted records a new connection.
func (c *Collector) ConnAccepted() {
	if c == nil {
		return
	}
	c.connsAccepted.Inc()
	c.connsActive.Inc()
}

// ConnClosed records the end of a connection; reason is empty on success.
func (c *Collector) ConnClosed(reason string) {
	if c == nil {
		return
	}
	c.connsActive.Dec()
	if reason != "" {
		c.connsFailed.WithLabelValues(reason).Inc()
	}
}

// Transfer records a terminal transfer state.
func (c *Collector) Transfer(result string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.transfers.WithLabelValues(result).Inc()
	if result != ResultRejected {
		c.transferDuration.Observe(elapsed.Seconds())
	}
}

// Bytes adds n to the byte counter for direction.
func (c *Collector) Bytes(direction string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.transferBytes.WithLabelValues(direction).Add(float64(n))
}

// SetPending sets the pending table size.
func (c *Collector) SetPending(n int) {
	if c == nil {
		return
	}
	c.pendingItems.Set(float64(n))
}

// SetJournalEntries sets the number of journal entries.
func (c *Collector) SetJournalEntries(n int) {
	if c == nil {
		return
	}
	c.journalEntries.Set(float64(n))
}

// JournalError counts a failed journal operation.
func (c *Collector) JournalError(op string) {
	if c == nil {
		return
	}
	c.journalErrors.WithLabelValues(op).Inc()
}

// Handler serves the metrics gathered by g, or the default gatherer when
// g is nil.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
