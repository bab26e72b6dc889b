package payroll

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/protocol-bank/payroll/internal/recurrence"
	"github.com/protocol-bank/payroll/internal/split"
	"github.com/protocol-bank/payroll/internal/storage"
	"github.com/protocol-bank/payroll/internal/validation"
	"github.com/protocol-bank/payroll/types"
)

type TransferExecutor interface {
	Execute(ctx context.Context, req types.TransferRequest) (types.TransferResult, error)
}

type Notifier interface {
	Notify(ctx context.Context, event types.Event)
}

// PayoutGate decides whether an owner may move money right now.
type PayoutGate interface {
	EnforcePayout(ctx context.Context, owner string) error
}

type Metrics interface {
	RecordExecution(mode types.ExecutionModeKind, status types.ExecutionStatus)
	ObserveSettlement(d time.Duration)
	RecordPaid(token types.TokenSymbol, amount decimal.Decimal)
	ObserveSweep(d time.Duration, due, failures int)
	RecordExpired(n int)
}

const (
	DefaultLookBack    = time.Hour
	DefaultActionTTL   = 72 * time.Hour
	DefaultMaxAttempts = 3
	DefaultConcurrency = 8

	maxNameLength = 128
)

type Config struct {
	// LookBack bounds how late a due run may still be picked up.
	LookBack time.Duration `mapstructure:"look_back" json:"look_back,omitempty"`
	// ActionTTL is how long confirmations and approvals stay open.
	ActionTTL time.Duration `mapstructure:"action_ttl" json:"action_ttl,omitempty"`
	// MaxAttempts caps failed settlement attempts for one scheduled run.
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts,omitempty"`
	Concurrency int `mapstructure:"concurrency" json:"concurrency,omitempty"`
}

func (c Config) withDefaults() Config {
	if c.LookBack <= 0 {
		c.LookBack = DefaultLookBack
	}
	if c.ActionTTL <= 0 {
		c.ActionTTL = DefaultActionTTL
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	return c
}

// Service runs the payroll state machine: schedules produce executions,
// executions wait for confirmation or approvals when the mode asks for it,
// and every path that reaches executing settles through the same code.
type Service struct {
	repo      storage.Repository
	interval  recurrence.Interval
	allocator *split.Allocator
	validator *validation.Validator
	executor  TransferExecutor
	notifier  Notifier
	gate      PayoutGate
	metrics   Metrics
	cfg       Config
	logger    *logrus.Entry
	now       func() time.Time
}

func NewService(
	logger *logrus.Logger,
	repo storage.Repository,
	interval recurrence.Interval,
	allocator *split.Allocator,
	validator *validation.Validator,
	executor TransferExecutor,
	notifier Notifier,
	gate PayoutGate,
	metrics Metrics,
	cfg Config,
) *Service {
	if notifier == nil {
		notifier = nilNotifier{}
	}
	if gate == nil {
		gate = openGate{}
	}
	if metrics == nil {
		metrics = nilMetrics{}
	}
	if validator == nil {
		validator = validation.NewValidator(nil)
	}
	if allocator == nil {
		allocator = split.NewAllocator(validator.Registry(), split.AllowUnder)
	}
	return &Service{
		repo:      repo,
		interval:  interval,
		allocator: allocator,
		validator: validator,
		executor:  executor,
		notifier:  notifier,
		gate:      gate,
		metrics:   metrics,
		cfg:       cfg.withDefaults(),
		logger:    logger.WithField("pkg", "payroll.Service"),
		now:       time.Now,
	}
}

func (s *Service) inTx(ctx context.Context, fn func(ctx context.Context) error) error {
	tx := s.repo.Tx()
	txCtx, err := tx.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	if err := fn(txCtx); err != nil {
		if rbErr := tx.Rollback(txCtx); rbErr != nil {
			s.logger.WithError(rbErr).Error("failed to rollback tx")
		}
		return err
	}
	if err := tx.Commit(txCtx); err != nil {
		return fmt.Errorf("failed to commit tx: %w", err)
	}
	return nil
}

func (s *Service) emit(ctx context.Context, typ types.EventType, data map[string]any) {
	s.notifier.Notify(ctx, types.Event{
		Type:       typ,
		OccurredAt: s.now(),
		Data:       data,
	})
}

func executionData(e types.Execution) map[string]any {
	data := map[string]any{
		"execution_id":    e.ID.String(),
		"schedule_id":     e.ScheduleID.String(),
		"status":          string(e.Status),
		"total_amount":    e.TotalAmount.String(),
		"token":           string(e.Token),
		"recipient_count": e.RecipientCount,
		"success_count":   e.SuccessCount,
		"failed_count":    e.FailedCount,
		"scheduled_time":  e.ScheduledTime,
	}
	if e.ErrorMessage != "" {
		data["error"] = e.ErrorMessage
	}
	return data
}

func sameAddress(a, b string) bool {
	return validation.NormalizeAddress(a) == validation.NormalizeAddress(b)
}

func endsBefore(schedule types.Schedule, next time.Time) bool {
	return schedule.EndDate != nil && next.After(*schedule.EndDate)
}

type nilNotifier struct{}

func (nilNotifier) Notify(context.Context, types.Event) {}

type openGate struct{}

func (openGate) EnforcePayout(context.Context, string) error { return nil }

type nilMetrics struct{}

func (nilMetrics) RecordExecution(types.ExecutionModeKind, types.ExecutionStatus) {}
func (nilMetrics) ObserveSettlement(time.Duration)                                {}
func (nilMetrics) RecordPaid(types.TokenSymbol, decimal.Decimal)                  {}
func (nilMetrics) ObserveSweep(time.Duration, int, int)                           {}
func (nilMetrics) RecordExpired(int)                                              {}
