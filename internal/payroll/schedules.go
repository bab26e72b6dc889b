package payroll

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/protocol-bank/payroll/internal/validation"
	"github.com/protocol-bank/payroll/types"
)

type CreateScheduleRequest struct {
	Owner                 string
	Name                  string
	Description           string
	SplitRule             types.SplitRule
	Frequency             types.FrequencyConfig
	Mode                  types.ExecutionMode
	MaxAmountPerExecution *decimal.Decimal
	StartDate             time.Time
	EndDate               *time.Time
}

// CreateSchedule validates req in one pass and stores an active schedule
// whose first run is the first occurrence at or after the start date.
func (s *Service) CreateSchedule(ctx context.Context, req CreateScheduleRequest) (*types.Schedule, error) {
	now := s.now()
	var errs types.ValidationErrors

	if err := s.validator.Address(req.Owner, ""); err != nil {
		errs.Add("owner", err.Message)
	}
	name := strings.TrimSpace(req.Name)
	switch {
	case name == "":
		errs.Add("name", "Name is required")
	case utf8.RuneCountInString(name) > maxNameLength:
		errs.Add("name", fmt.Sprintf("Name exceeds maximum length of %d characters", maxNameLength))
	}

	rule := req.SplitRule
	rule.Token = rule.Token.Normalize()
	if err := s.validator.TokenOnChain(rule.Token, rule.ChainID); err != nil {
		errs.Add("split_rule."+err.Field, err.Message)
	}
	if res := s.allocator.Calculate(rule); !res.Validation.IsValid {
		for _, msg := range res.Validation.Errors {
			errs.Add("split_rule", msg)
		}
	}

	mode := req.Mode
	if mode == nil {
		mode = types.AutoMode{}
	}
	if approval, ok := mode.(types.ApprovalMode); ok {
		approvers, approverErrs := s.normalizeApprovers(approval.Approvers)
		errs = append(errs, approverErrs...)
		mode = types.ApprovalMode{Approvers: approvers}
	}

	if req.MaxAmountPerExecution != nil && !req.MaxAmountPerExecution.IsPositive() {
		errs.Add("max_amount_per_execution", "Maximum amount per execution must be positive")
	}

	start := req.StartDate
	if start.IsZero() {
		start = now
	}
	if req.EndDate != nil && !req.EndDate.After(start) {
		errs.Add("end_date", "End date must be after start date")
	}

	freq := req.Frequency
	if freq.StartDate == nil {
		freq.StartDate = &start
	}
	next, err := s.firstExecution(freq, start, now)
	switch {
	case err != nil:
		errs.Add("frequency", err.Error())
	case req.EndDate != nil && !hasField(errs, "end_date") && next.After(*req.EndDate):
		errs.Add("end_date", "Schedule never runs before its end date")
	}

	if err := errs.Err(); err != nil {
		return nil, err
	}

	schedule := types.Schedule{
		ID:                    uuid.New(),
		Owner:                 validation.NormalizeAddress(req.Owner),
		Name:                  name,
		Description:           strings.TrimSpace(req.Description),
		SplitRule:             rule,
		Frequency:             freq,
		Mode:                  mode,
		MaxAmountPerExecution: req.MaxAmountPerExecution,
		Status:                types.ScheduleActive,
		NextExecution:         next,
		TotalPaid:             decimal.Zero,
		StartDate:             start,
		EndDate:               req.EndDate,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if err := s.repo.CreateSchedule(ctx, schedule); err != nil {
		return nil, fmt.Errorf("failed to create schedule: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"schedule_id":    schedule.ID,
		"owner":          schedule.Owner,
		"mode":           schedule.ModeKind(),
		"next_execution": schedule.NextExecution,
	}).Info("schedule created")
	return &schedule, nil
}

func (s *Service) firstExecution(freq types.FrequencyConfig, start, now time.Time) (time.Time, error) {
	from := now
	if start.After(now) {
		from = start.Add(-time.Nanosecond)
	}
	return s.interval.NextExecution(freq, from)
}

func (s *Service) normalizeApprovers(approvers []string) ([]string, types.ValidationErrors) {
	var errs types.ValidationErrors
	if len(approvers) == 0 {
		errs.Add("execution_mode.approvers", "Approval mode requires at least one approver")
		return nil, errs
	}
	seen := make(map[string]struct{}, len(approvers))
	out := make([]string, 0, len(approvers))
	for i, a := range approvers {
		if err := s.validator.Address(a, ""); err != nil {
			errs.Add(fmt.Sprintf("execution_mode.approvers[%d]", i), err.Message)
			continue
		}
		n := validation.NormalizeAddress(a)
		if _, dup := seen[n]; dup {
			errs.Add(fmt.Sprintf("execution_mode.approvers[%d]", i), "Duplicate approver")
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out, errs
}

func hasField(errs types.ValidationErrors, field string) bool {
	for _, e := range errs {
		if e.Field == field {
			return true
		}
	}
	return false
}

// GetSchedule returns a schedule visible to actor: its owner or one of its
// approvers.
func (s *Service) GetSchedule(ctx context.Context, id uuid.UUID, actor string) (*types.Schedule, error) {
	schedule, err := s.repo.GetSchedule(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get schedule: %w", err)
	}
	if !canView(schedule, actor) {
		return nil, &types.AuthorizationError{Action: "view schedule", Actor: actor}
	}
	return &schedule, nil
}

func (s *Service) ListSchedules(ctx context.Context, owner string) ([]types.Schedule, error) {
	schedules, err := s.repo.ListSchedulesByOwner(ctx, validation.NormalizeAddress(owner))
	if err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}
	return schedules, nil
}

func (s *Service) ListExecutions(ctx context.Context, scheduleID uuid.UUID, actor string, limit int) ([]types.Execution, error) {
	if _, err := s.GetSchedule(ctx, scheduleID, actor); err != nil {
		return nil, err
	}
	executions, err := s.repo.ListExecutions(ctx, scheduleID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	return executions, nil
}

func (s *Service) GetExecution(ctx context.Context, id uuid.UUID, actor string) (*types.Execution, error) {
	execution, err := s.repo.GetExecution(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}
	if _, err := s.GetSchedule(ctx, execution.ScheduleID, actor); err != nil {
		return nil, err
	}
	return &execution, nil
}

func (s *Service) PauseSchedule(ctx context.Context, id uuid.UUID, actor string) (*types.Schedule, error) {
	schedule, err := s.ownedSchedule(ctx, id, actor, "pause schedule")
	if err != nil {
		return nil, err
	}
	if schedule.Status != types.ScheduleActive {
		return nil, scheduleStateError(schedule, "pause")
	}
	if err := s.repo.UpdateScheduleStatus(ctx, id, types.SchedulePaused, schedule.NextExecution); err != nil {
		return nil, fmt.Errorf("failed to pause schedule: %w", err)
	}
	schedule.Status = types.SchedulePaused
	s.logger.WithField("schedule_id", id).Info("schedule paused")
	return schedule, nil
}

// ResumeSchedule reactivates a paused schedule. Runs that fell due while it
// was paused are skipped; the next run is computed from now.
func (s *Service) ResumeSchedule(ctx context.Context, id uuid.UUID, actor string) (*types.Schedule, error) {
	schedule, err := s.ownedSchedule(ctx, id, actor, "resume schedule")
	if err != nil {
		return nil, err
	}
	if schedule.Status != types.SchedulePaused {
		return nil, scheduleStateError(schedule, "resume")
	}

	next, err := s.firstExecution(schedule.Frequency, schedule.StartDate, s.now())
	if err != nil {
		return nil, fmt.Errorf("failed to compute next execution: %w", err)
	}
	status := types.ScheduleActive
	if endsBefore(*schedule, next) {
		status = types.ScheduleExpired
	}
	if err := s.repo.UpdateScheduleStatus(ctx, id, status, next); err != nil {
		return nil, fmt.Errorf("failed to resume schedule: %w", err)
	}
	schedule.Status = status
	schedule.NextExecution = next

	s.logger.WithFields(logrus.Fields{
		"schedule_id":    id,
		"status":         status,
		"next_execution": next,
	}).Info("schedule resumed")
	if status == types.ScheduleExpired {
		s.emitScheduleExpired(ctx, *schedule)
	}
	return schedule, nil
}

// CancelSchedule stops a schedule for good. An execution still waiting for
// confirmation or approvals is cancelled with it; one already executing is
// left to finish.
func (s *Service) CancelSchedule(ctx context.Context, id uuid.UUID, actor string) (*types.Schedule, error) {
	schedule, err := s.ownedSchedule(ctx, id, actor, "cancel schedule")
	if err != nil {
		return nil, err
	}
	if schedule.Status != types.ScheduleActive && schedule.Status != types.SchedulePaused {
		return nil, scheduleStateError(schedule, "cancel")
	}

	var cancelled *types.Execution
	err = s.inTx(ctx, func(ctx context.Context) error {
		if err := s.repo.UpdateScheduleStatus(ctx, id, types.ScheduleCancelled, schedule.NextExecution); err != nil {
			return fmt.Errorf("failed to cancel schedule: %w", err)
		}
		active, err := s.repo.GetActiveExecution(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to get active execution: %w", err)
		}
		if active == nil || active.Status == types.ExecutionExecuting {
			return nil
		}
		err = s.repo.TransitionExecution(ctx, active.ID, waitingStatuses, types.ExecutionCancelled)
		if errors.Is(err, types.ErrConflict) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to cancel execution: %w", err)
		}
		if _, err := s.repo.ResolvePendingActions(ctx, active.ID, "", "", types.ActionRejected, s.now()); err != nil {
			return fmt.Errorf("failed to resolve pending actions: %w", err)
		}
		active.Status = types.ExecutionCancelled
		active.ErrorMessage = "schedule cancelled"
		if err := s.repo.FinishExecution(ctx, *active); err != nil {
			return fmt.Errorf("failed to finish execution: %w", err)
		}
		cancelled = active
		return nil
	})
	if err != nil {
		return nil, err
	}
	schedule.Status = types.ScheduleCancelled

	s.logger.WithField("schedule_id", id).Info("schedule cancelled")
	if cancelled != nil {
		s.metrics.RecordExecution(schedule.ModeKind(), types.ExecutionCancelled)
		s.emit(ctx, types.EventExecutionCancelled, executionData(*cancelled))
	}
	return schedule, nil
}

func (s *Service) ownedSchedule(ctx context.Context, id uuid.UUID, actor, action string) (*types.Schedule, error) {
	schedule, err := s.repo.GetSchedule(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get schedule: %w", err)
	}
	if !sameAddress(schedule.Owner, actor) {
		return nil, &types.AuthorizationError{Action: action, Actor: actor}
	}
	return &schedule, nil
}

func (s *Service) emitScheduleExpired(ctx context.Context, schedule types.Schedule) {
	s.emit(ctx, types.EventScheduleExpired, map[string]any{
		"schedule_id": schedule.ID.String(),
		"owner":       schedule.Owner,
		"end_date":    schedule.EndDate,
	})
}

func canView(schedule types.Schedule, actor string) bool {
	return sameAddress(schedule.Owner, actor) || isApprover(schedule, actor)
}

func scheduleStateError(schedule *types.Schedule, action string) error {
	return &types.StateTransitionError{
		Entity: "schedule",
		ID:     schedule.ID,
		From:   string(schedule.Status),
		Action: action,
	}
}
