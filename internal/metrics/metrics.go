// Package metrics defines the Prometheus instruments of the engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcomes of an editor operation.
const (
	OutcomeCommitted = "committed"
	OutcomeRejected  = "rejected"
	OutcomeFailed    = "failed"
	OutcomeNoop      = "noop"
)

var (
	operationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arbor_operations_total",
		Help: "Editor operations by kind and outcome",
	}, []string{"op", "outcome"})

	operationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "arbor_operation_duration_seconds",
		Help:    "Time spent applying an editor operation, queueing excluded",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}, []string{"op"})

	appliedTransactions = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "arbor_applied_transactions",
		Help:    "Transactions committed per apply, appended ones included",
		Buckets: []float64{1, 2, 3, 5, 8, 13},
	})

	documentsOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "arbor_documents_open",
		Help: "Documents with a running editor",
	})

	middlewareDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "arbor_middleware_duration_seconds",
		Help:    "Time spent in editor middleware hooks",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}, []string{"phase"})

	journalErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arbor_journal_errors_total",
		Help: "Events the journal failed to persist",
	})
)

// ObserveOperation records one editor operation.
func ObserveOperation(op, outcome string, d time.Duration) {
	operationsTotal.WithLabelValues(op, outcome).Inc()
	operationDuration.WithLabelValues(op).Observe(d.Seconds())
}

// ObserveTransactions records how many transactions one apply committed.
func ObserveTransactions(n int) {
	appliedTransactions.Observe(float64(n))
}

// ObserveMiddleware records one completed middleware hook.
func ObserveMiddleware(phase string, d time.Duration) {
	middlewareDuration.WithLabelValues(phase).Observe(d.Seconds())
}

// DocumentOpened increments the open documents gauge.
func DocumentOpened() { documentsOpen.Inc() }

// DocumentClosed decrements the open documents gauge.
func DocumentClosed() { documentsOpen.Dec() }

// JournalError counts a failed journal write.
func JournalError() { journalErrors.Inc() }

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
