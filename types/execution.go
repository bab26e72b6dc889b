package types

import (
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type ExecutionStatus string

const (
	ExecutionPending    ExecutionStatus = "pending"
	ExecutionConfirming ExecutionStatus = "confirming"
	ExecutionApproving  ExecutionStatus = "approving"
	ExecutionExecuting  ExecutionStatus = "executing"
	ExecutionCompleted  ExecutionStatus = "completed"
	ExecutionPartial    ExecutionStatus = "partial"
	ExecutionFailed     ExecutionStatus = "failed"
	ExecutionCancelled  ExecutionStatus = "cancelled"
	ExecutionMissed     ExecutionStatus = "missed"
)

// InFlightExecutionStatuses block a schedule from starting another run.
var InFlightExecutionStatuses = []ExecutionStatus{
	ExecutionPending,
	ExecutionConfirming,
	ExecutionApproving,
	ExecutionExecuting,
}

func (s ExecutionStatus) InFlight() bool {
	return slices.Contains(InFlightExecutionStatuses, s)
}

// SettledExecutionStatuses mark a run whose transfers went out. A scheduled
// time has at most one settled execution.
var SettledExecutionStatuses = []ExecutionStatus{
	ExecutionCompleted,
	ExecutionPartial,
}

func (s ExecutionStatus) Settled() bool {
	return slices.Contains(SettledExecutionStatuses, s)
}

func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionPartial, ExecutionFailed, ExecutionCancelled, ExecutionMissed:
		return true
	}
	return false
}

type RecipientResult struct {
	Address string          `json:"address"`
	Amount  decimal.Decimal `json:"amount"`
	Success bool            `json:"success"`
	TxHash  string          `json:"tx_hash,omitempty"`
	Error   string          `json:"error,omitempty"`
}

type Execution struct {
	ID             uuid.UUID         `json:"id"`
	ScheduleID     uuid.UUID         `json:"schedule_id"`
	ScheduledTime  time.Time         `json:"scheduled_time"`
	ActualTime     *time.Time        `json:"actual_time,omitempty"`
	Status         ExecutionStatus   `json:"status"`
	TotalAmount    decimal.Decimal   `json:"total_amount"`
	Token          TokenSymbol       `json:"token"`
	RecipientCount int               `json:"recipient_count"`
	SuccessCount   int               `json:"success_count"`
	FailedCount    int               `json:"failed_count"`
	Results        []RecipientResult `json:"results,omitempty"`
	ConfirmedBy    *string           `json:"confirmed_by,omitempty"`
	ConfirmedAt    *time.Time        `json:"confirmed_at,omitempty"`
	ApprovedBy     []string          `json:"approved_by,omitempty"`
	ApprovedAt     *time.Time        `json:"approved_at,omitempty"`
	ErrorMessage   string            `json:"error_message,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

type PendingActionType string

const (
	ActionConfirm PendingActionType = "confirm"
	ActionApprove PendingActionType = "approve"
)

type PendingActionStatus string

const (
	ActionPending   PendingActionStatus = "pending"
	ActionCompleted PendingActionStatus = "completed"
	ActionRejected  PendingActionStatus = "rejected"
	ActionExpired   PendingActionStatus = "expired"
)

// PendingAction is an outstanding human step gating an execution.
// TargetAddress is nil for confirmations (the schedule owner acts) and set
// to the approver for approvals.
type PendingAction struct {
	ID               uuid.UUID           `json:"id"`
	ExecutionID      uuid.UUID           `json:"execution_id"`
	ScheduleID       uuid.UUID           `json:"schedule_id"`
	Type             PendingActionType   `json:"type"`
	RequesterAddress string              `json:"requester_address"`
	TargetAddress    *string             `json:"target_address,omitempty"`
	Status           PendingActionStatus `json:"status"`
	ExpiresAt        time.Time           `json:"expires_at"`
	CreatedAt        time.Time           `json:"created_at"`
	CompletedAt      *time.Time          `json:"completed_at,omitempty"`
}
