package types

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type ScheduleStatus string

const (
	ScheduleActive    ScheduleStatus = "active"
	SchedulePaused    ScheduleStatus = "paused"
	ScheduleCancelled ScheduleStatus = "cancelled"
	ScheduleExpired   ScheduleStatus = "expired"
)

type FrequencyType string

const (
	FrequencyDaily    FrequencyType = "daily"
	FrequencyWeekly   FrequencyType = "weekly"
	FrequencyBiweekly FrequencyType = "biweekly"
	FrequencyMonthly  FrequencyType = "monthly"
	FrequencyCustom   FrequencyType = "custom"
)

// LastDayOfMonth selects the final day of each month for monthly schedules.
const LastDayOfMonth = -1

// FrequencyConfig describes when a schedule fires. Time is a wall-clock
// "HH:MM" evaluated in Timezone (IANA name, empty means UTC).
type FrequencyConfig struct {
	Type           FrequencyType `json:"type" validate:"required,oneof=daily weekly biweekly monthly custom"`
	Time           string        `json:"time,omitempty"`
	Timezone       string        `json:"timezone,omitempty"`
	DayOfWeek      *int          `json:"day_of_week,omitempty" validate:"omitempty,min=0,max=6"`
	DayOfMonth     *int          `json:"day_of_month,omitempty" validate:"omitempty,min=-1,max=31"`
	StartDate      *time.Time    `json:"start_date,omitempty"`
	CronExpression string        `json:"cron_expression,omitempty"`
}

type AllocationMethod string

const (
	AllocationPercentage AllocationMethod = "percentage"
	AllocationFixed      AllocationMethod = "fixed"
)

// Recipient is one payee of a split. Allocation is a percentage or a fixed
// token amount depending on the rule's method.
type Recipient struct {
	Address    string          `json:"address" validate:"required"`
	Allocation decimal.Decimal `json:"allocation"`
	Name       string          `json:"name,omitempty"`
}

type SplitRule struct {
	TotalAmount decimal.Decimal  `json:"total_amount"`
	Token       TokenSymbol      `json:"token" validate:"required"`
	ChainID     ChainID          `json:"chain_id" validate:"required"`
	Method      AllocationMethod `json:"method" validate:"required,oneof=percentage fixed"`
	Recipients  []Recipient      `json:"recipients" validate:"required,min=1,dive"`
}

type ExecutionModeKind string

const (
	ModeAuto     ExecutionModeKind = "auto"
	ModeConfirm  ExecutionModeKind = "confirm"
	ModeApproval ExecutionModeKind = "approval"
)

// ExecutionMode is one of AutoMode, ConfirmMode or ApprovalMode.
type ExecutionMode interface {
	Kind() ExecutionModeKind
	isExecutionMode()
}

type AutoMode struct{}

type ConfirmMode struct{}

// ApprovalMode requires every listed approver to sign off.
type ApprovalMode struct {
	Approvers []string
}

func (AutoMode) Kind() ExecutionModeKind     { return ModeAuto }
func (ConfirmMode) Kind() ExecutionModeKind  { return ModeConfirm }
func (ApprovalMode) Kind() ExecutionModeKind { return ModeApproval }

func (AutoMode) isExecutionMode()     {}
func (ConfirmMode) isExecutionMode()  {}
func (ApprovalMode) isExecutionMode() {}

// ExecutionModeSpec is the wire and storage form of an ExecutionMode.
type ExecutionModeSpec struct {
	Kind      ExecutionModeKind `json:"kind" validate:"required,oneof=auto confirm approval"`
	Approvers []string          `json:"approvers,omitempty"`
}

func ModeSpec(m ExecutionMode) ExecutionModeSpec {
	switch v := m.(type) {
	case ApprovalMode:
		return ExecutionModeSpec{Kind: ModeApproval, Approvers: v.Approvers}
	case ConfirmMode:
		return ExecutionModeSpec{Kind: ModeConfirm}
	default:
		return ExecutionModeSpec{Kind: ModeAuto}
	}
}

func (s ExecutionModeSpec) Mode() (ExecutionMode, error) {
	switch s.Kind {
	case ModeAuto, "":
		return AutoMode{}, nil
	case ModeConfirm:
		return ConfirmMode{}, nil
	case ModeApproval:
		if len(s.Approvers) == 0 {
			return nil, fmt.Errorf("approval mode requires at least one approver")
		}
		return ApprovalMode{Approvers: s.Approvers}, nil
	default:
		return nil, fmt.Errorf("unknown execution mode: %s", s.Kind)
	}
}

type Schedule struct {
	ID                    uuid.UUID        `json:"id"`
	Owner                 string           `json:"owner"`
	Name                  string           `json:"name"`
	Description           string           `json:"description,omitempty"`
	SplitRule             SplitRule        `json:"split_rule"`
	Frequency             FrequencyConfig  `json:"frequency"`
	Mode                  ExecutionMode    `json:"-"`
	MaxAmountPerExecution *decimal.Decimal `json:"max_amount_per_execution,omitempty"`
	Status                ScheduleStatus   `json:"status"`
	NextExecution         time.Time        `json:"next_execution"`
	LastExecution         *time.Time       `json:"last_execution,omitempty"`
	ExecutionCount        int64            `json:"execution_count"`
	TotalPaid             decimal.Decimal  `json:"total_paid"`
	StartDate             time.Time        `json:"start_date"`
	EndDate               *time.Time       `json:"end_date,omitempty"`
	CreatedAt             time.Time        `json:"created_at"`
	UpdatedAt             time.Time        `json:"updated_at"`
}

func (s Schedule) ModeKind() ExecutionModeKind {
	if s.Mode == nil {
		return ModeAuto
	}
	return s.Mode.Kind()
}

// Approvers returns the approver list for approval-mode schedules.
func (s Schedule) Approvers() []string {
	if m, ok := s.Mode.(ApprovalMode); ok {
		return m.Approvers
	}
	return nil
}

type scheduleAlias Schedule

func (s Schedule) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		scheduleAlias
		Mode ExecutionModeSpec `json:"execution_mode"`
	}{
		scheduleAlias: scheduleAlias(s),
		Mode:          ModeSpec(s.Mode),
	})
}

func (s *Schedule) UnmarshalJSON(data []byte) error {
	aux := struct {
		*scheduleAlias
		Mode ExecutionModeSpec `json:"execution_mode"`
	}{
		scheduleAlias: (*scheduleAlias)(s),
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	mode, err := aux.Mode.Mode()
	if err != nil {
		return err
	}
	s.Mode = mode
	return nil
}
