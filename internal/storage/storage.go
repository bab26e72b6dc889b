package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/protocol-bank/payroll/types"
)

// Tx interface to handle transactions for any storage implementation
type Tx interface {
	Begin(ctx context.Context) (context.Context, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// ScheduleRun is the bookkeeping applied after a successful execution.
// A non-empty Status replaces the schedule's status only while it is active.
type ScheduleRun struct {
	ExecutedAt    time.Time
	NextExecution time.Time
	Status        types.ScheduleStatus
	Paid          decimal.Decimal
}

type ScheduleRepository interface {
	CreateSchedule(ctx context.Context, s types.Schedule) error
	GetSchedule(ctx context.Context, id uuid.UUID) (types.Schedule, error)
	ListSchedulesByOwner(ctx context.Context, owner string) ([]types.Schedule, error)
	// ListDueSchedules returns active schedules due within (now-window, now].
	ListDueSchedules(ctx context.Context, now time.Time, window time.Duration) ([]types.Schedule, error)
	// ListOverdueSchedules returns active schedules due at or before before.
	ListOverdueSchedules(ctx context.Context, before time.Time) ([]types.Schedule, error)
	UpdateScheduleStatus(ctx context.Context, id uuid.UUID, status types.ScheduleStatus, next time.Time) error
	RecordScheduleRun(ctx context.Context, id uuid.UUID, run ScheduleRun) error
}

type ExecutionRepository interface {
	// CreateExecution fails with types.ErrConflict when the schedule already
	// has an in-flight execution.
	CreateExecution(ctx context.Context, e types.Execution) error
	// CountSettledRuns counts completed or partial executions of a schedule
	// for one scheduled time.
	CountSettledRuns(ctx context.Context, scheduleID uuid.UUID, scheduledTime time.Time) (int, error)
	GetExecution(ctx context.Context, id uuid.UUID) (types.Execution, error)
	ListExecutions(ctx context.Context, scheduleID uuid.UUID, limit int) ([]types.Execution, error)
	GetActiveExecution(ctx context.Context, scheduleID uuid.UUID) (*types.Execution, error)
	// TransitionExecution moves an execution to `to` only if its current
	// status is one of `from`; otherwise it returns types.ErrConflict.
	TransitionExecution(ctx context.Context, id uuid.UUID, from []types.ExecutionStatus, to types.ExecutionStatus) error
	MarkConfirmed(ctx context.Context, id uuid.UUID, by string, at time.Time) error
	AddApproval(ctx context.Context, id uuid.UUID, approver string, at time.Time) error
	// FinishExecution stores the settlement outcome of an executing execution.
	// Settling a scheduled time a second time fails with types.ErrConflict.
	FinishExecution(ctx context.Context, e types.Execution) error
}

type PendingActionRepository interface {
	CreatePendingActions(ctx context.Context, actions []types.PendingAction) error
	// ResolvePendingActions moves pending actions of an execution to status.
	// Empty actionType or target match any. Returns the number resolved.
	ResolvePendingActions(ctx context.Context, executionID uuid.UUID, actionType types.PendingActionType, target string, status types.PendingActionStatus, at time.Time) (int, error)
	CountPendingActions(ctx context.Context, executionID uuid.UUID, actionType types.PendingActionType) (int, error)
	ListPendingActions(ctx context.Context, executionID uuid.UUID) ([]types.PendingAction, error)
	// ListOpenActionsFor returns pending approvals targeting address and
	// pending confirmations requested from it.
	ListOpenActionsFor(ctx context.Context, address string) ([]types.PendingAction, error)
	ListExpiredPendingActions(ctx context.Context, now time.Time) ([]types.PendingAction, error)
}

type BatchRepository interface {
	SaveBatch(ctx context.Context, status types.BatchStatus) error
	GetBatch(ctx context.Context, batchID string) (*types.BatchStatus, error)
}

type ControlFlagRepository interface {
	GetControlFlags(ctx context.Context, keys ...string) (map[string]bool, error)
	SetControlFlag(ctx context.Context, key string, enabled bool) error
}

// Repository is everything the payroll scheduler persists.
type Repository interface {
	ScheduleRepository
	ExecutionRepository
	PendingActionRepository
	Tx() Tx
}
