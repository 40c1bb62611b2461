// Package metrics exposes Prometheus counters for the relay.
//
// Methods handle a nil receiver, so a nil *Metrics disables collection.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	// Transfers counts finished transfers.
	// Labels: outcome=[success, file_not_found, file_deleted, source_error, upload_error, ...]
	Transfers *prometheus.CounterVec

	// Retries counts direct-download retries after a conflict.
	Retries prometheus.Counter

	BytesUploaded prometheus.Counter

	// LedgerErrors counts outcomes that could not be persisted.
	LedgerErrors prometheus.Counter

	QueueDepth prometheus.Gauge

	Duration prometheus.Histogram
}

// New creates the metrics and registers them with reg (nil = DefaultRegisterer).
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		Transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bunny_relay_transfers_total",
			Help: "Finished transfers by outcome",
		}, []string{"outcome"}),
		Retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bunny_relay_retries_total",
			Help: "Source fetches retried with a direct-download link",
		}),
		BytesUploaded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bunny_relay_uploaded_bytes_total",
			Help: "Bytes streamed to the destination store",
		}),
		LedgerErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bunny_relay_ledger_errors_total",
			Help: "Transfer outcomes dropped because the ledger write failed",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bunny_relay_queue_depth",
			Help: "Transfers waiting for a worker",
		}),
		Duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "bunny_relay_transfer_duration_seconds",
			Help:    "Wall time of one transfer, fetch through ledger write",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 14),
		}),
	}

	reg.MustRegister(m.Transfers, m.Retries, m.BytesUploaded, m.LedgerErrors, m.QueueDepth, m.Duration)
	return m
}

func (m *Metrics) ObserveTransfer(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.Transfers.WithLabelValues(outcome).Inc()
	m.Duration.Observe(elapsed.Seconds())
}

func (m *Metrics) Retry() {
	if m == nil {
		return
	}
	m.Retries.Inc()
}

func (m *Metrics) AddBytes(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.BytesUploaded.Add(float64(n))
}

func (m *Metrics) LedgerError() {
	if m == nil {
		return
	}
	m.LedgerErrors.Inc()
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}
