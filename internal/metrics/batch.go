package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/protocol-bank/payroll/types"
)

var (
	batchSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "submitted_total",
			Help:      "Batch submissions by initial status",
		},
		[]string{"status"},
	)

	batchItemsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "items_total",
			Help:      "Batch items by outcome",
		},
		[]string{"outcome"}, // submitted, completed, failed
	)

	batchFinishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "finished_total",
			Help:      "Batches that reached a final status",
		},
		[]string{"status"},
	)
)

type BatchMetrics struct{}

func NewBatchMetrics() *BatchMetrics {
	return &BatchMetrics{}
}

func (bm *BatchMetrics) RecordBatchSubmitted(status types.BatchStatusKind, items int) {
	batchSubmittedTotal.WithLabelValues(string(status)).Inc()
	batchItemsTotal.WithLabelValues("submitted").Add(float64(items))
}

func (bm *BatchMetrics) RecordBatchFinished(status types.BatchStatusKind, completed, failed int) {
	batchFinishedTotal.WithLabelValues(string(status)).Inc()
	batchItemsTotal.WithLabelValues("completed").Add(float64(completed))
	batchItemsTotal.WithLabelValues("failed").Add(float64(failed))
}
