package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"github.com/protocol-bank/payroll/types"
)

var (
	payrollExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "executions_total",
			Help:      "Total number of payroll executions by mode and resulting status",
		},
		[]string{"mode", "status"},
	)

	payrollSettlementDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "settlement_duration_seconds",
			Help:      "Time spent settling an execution with the transfer executor",
			Buckets:   prometheus.DefBuckets,
		},
	)

	payrollPaidTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "paid_total",
			Help:      "Sum of successfully paid amounts by token",
		},
		[]string{"token"},
	)

	payrollSweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "sweep_duration_seconds",
			Help:      "Duration of a full due-schedule sweep",
			Buckets:   prometheus.DefBuckets,
		},
	)

	payrollSweepFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "sweep_failures_total",
			Help:      "Schedules whose processing failed during a sweep",
		},
	)

	payrollDueSchedules = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "due_schedules",
			Help:      "Number of schedules found due by the last sweep",
		},
	)

	payrollExpiredActions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "expired_actions_total",
			Help:      "Executions cancelled because their pending actions expired",
		},
	)
)

type PayrollMetrics struct{}

func NewPayrollMetrics() *PayrollMetrics {
	return &PayrollMetrics{}
}

func (pm *PayrollMetrics) RecordExecution(mode types.ExecutionModeKind, status types.ExecutionStatus) {
	payrollExecutionsTotal.WithLabelValues(string(mode), string(status)).Inc()
}

func (pm *PayrollMetrics) ObserveSettlement(d time.Duration) {
	payrollSettlementDuration.Observe(d.Seconds())
}

func (pm *PayrollMetrics) RecordPaid(token types.TokenSymbol, amount decimal.Decimal) {
	payrollPaidTotal.WithLabelValues(string(token)).Add(amount.InexactFloat64())
}

func (pm *PayrollMetrics) ObserveSweep(d time.Duration, due, failures int) {
	payrollSweepDuration.Observe(d.Seconds())
	payrollDueSchedules.Set(float64(due))
	payrollSweepFailures.Add(float64(failures))
}

func (pm *PayrollMetrics) RecordExpired(n int) {
	payrollExpiredActions.Add(float64(n))
}
