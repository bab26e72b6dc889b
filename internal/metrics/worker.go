package metrics

import (
	"context"
	"errors"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/protocol-bank/payroll/types"
)

var (
	taskRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "runs_total",
			Help:      "Queue task runs by task type and outcome",
		},
		[]string{"task_type", "outcome"},
	)

	taskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "duration_seconds",
			Help:      "Queue task run time by task type",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"task_type"},
	)

	taskRunning = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "running",
			Help:      "Queue tasks currently being handled",
		},
		[]string{"task_type"},
	)

	taskLastFinished = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "last_finished_timestamp_seconds",
			Help:      "Unix time the last task of each type finished",
		},
		[]string{"task_type"},
	)
)

// WorkerMetrics records queue task outcomes. Outcome is "ok" or the
// category returned by classifyError.
type WorkerMetrics struct{}

func NewWorkerMetrics() *WorkerMetrics {
	return &WorkerMetrics{}
}

func (wm *WorkerMetrics) observe(taskType string, took time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = classifyError(err)
	}
	taskRunsTotal.WithLabelValues(taskType, outcome).Inc()
	taskDuration.WithLabelValues(taskType).Observe(took.Seconds())
	taskLastFinished.WithLabelValues(taskType).SetToCurrentTime()
}

// WithWorkerMetrics wraps an asynq handler so every run is counted.
func WithWorkerMetrics(handler asynq.HandlerFunc, taskType string, metrics *WorkerMetrics) asynq.HandlerFunc {
	if metrics == nil {
		return handler
	}
	return func(ctx context.Context, task *asynq.Task) error {
		running := taskRunning.WithLabelValues(taskType)
		running.Inc()
		defer running.Dec()

		start := time.Now()
		err := handler(ctx, task)
		metrics.observe(taskType, time.Since(start), err)
		return err
	}
}

func classifyError(err error) string {
	var (
		validation  *types.ValidationError
		validations types.ValidationErrors
		auth        *types.AuthorizationError
		transition  *types.StateTransitionError
		execution   *types.ExecutionError
	)
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "context_cancelled"
	case errors.As(err, &validation), errors.As(err, &validations):
		return "validation"
	case errors.As(err, &auth):
		return "authorization"
	case errors.As(err, &transition), errors.Is(err, types.ErrConflict):
		return "state"
	case errors.As(err, &execution):
		return "execution"
	case errors.Is(err, types.ErrNotFound):
		return "not_found"
	default:
		return "unknown"
	}
}
