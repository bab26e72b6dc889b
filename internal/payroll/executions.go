package payroll

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/protocol-bank/payroll/internal/split"
	"github.com/protocol-bank/payroll/internal/storage"
	"github.com/protocol-bank/payroll/internal/validation"
	"github.com/protocol-bank/payroll/types"
)

var (
	ErrAttemptsExhausted = errors.New("max settlement attempts reached")
	errRunSettled        = fmt.Errorf("run already settled: %w", types.ErrConflict)
)

// waitingStatuses are the in-flight states that have not moved money yet.
var waitingStatuses = []types.ExecutionStatus{
	types.ExecutionPending,
	types.ExecutionConfirming,
	types.ExecutionApproving,
}

// ProcessSchedule starts the run the schedule is currently due for. Auto
// mode settles immediately; confirm and approval modes open pending actions
// and return the waiting execution.
func (s *Service) ProcessSchedule(ctx context.Context, scheduleID uuid.UUID) (*types.Execution, error) {
	schedule, err := s.repo.GetSchedule(ctx, scheduleID)
	if err != nil {
		return nil, fmt.Errorf("failed to get schedule: %w", err)
	}
	if schedule.Status != types.ScheduleActive {
		return nil, scheduleStateError(&schedule, "process")
	}
	now := s.now()
	if schedule.NextExecution.After(now) {
		return nil, &types.StateTransitionError{Entity: "schedule", ID: schedule.ID, From: "not_due", Action: "process"}
	}

	exhausted, err := s.attemptsExhausted(ctx, schedule)
	if err != nil {
		return nil, err
	}
	if exhausted {
		if err := s.skipRun(ctx, schedule.ID, schedule.NextExecution); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("schedule %s run at %s: %w", schedule.ID, schedule.NextExecution, ErrAttemptsExhausted)
	}

	exec := types.Execution{
		ID:             uuid.New(),
		ScheduleID:     schedule.ID,
		ScheduledTime:  schedule.NextExecution,
		Status:         types.ExecutionPending,
		TotalAmount:    schedule.SplitRule.TotalAmount,
		Token:          schedule.SplitRule.Token,
		RecipientCount: len(schedule.SplitRule.Recipients),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	var actions []types.PendingAction
	switch mode := schedule.Mode.(type) {
	case types.ConfirmMode:
		exec.Status = types.ExecutionConfirming
		actions = append(actions, s.pendingAction(exec, schedule, types.ActionConfirm, nil))
	case types.ApprovalMode:
		exec.Status = types.ExecutionApproving
		for _, approver := range mode.Approvers {
			target := approver
			actions = append(actions, s.pendingAction(exec, schedule, types.ActionApprove, &target))
		}
	default:
		exec.Status = types.ExecutionExecuting
	}

	err = s.inTx(ctx, func(ctx context.Context) error {
		pending := exec
		pending.Status = types.ExecutionPending
		if err := s.repo.CreateExecution(ctx, pending); err != nil {
			return err
		}
		// Checked after the insert: a concurrent settlement of the same run
		// is visible once the in-flight index lets the insert through.
		settled, err := s.repo.CountSettledRuns(ctx, schedule.ID, exec.ScheduledTime)
		if err != nil {
			return fmt.Errorf("failed to count settled runs: %w", err)
		}
		if settled > 0 {
			return errRunSettled
		}
		if err := s.repo.TransitionExecution(ctx, exec.ID, []types.ExecutionStatus{types.ExecutionPending}, exec.Status); err != nil {
			return fmt.Errorf("failed to transition execution: %w", err)
		}
		if len(actions) == 0 {
			return nil
		}
		if err := s.repo.CreatePendingActions(ctx, actions); err != nil {
			return fmt.Errorf("failed to create pending actions: %w", err)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, errRunSettled) {
			return nil, &types.StateTransitionError{Entity: "schedule", ID: schedule.ID, From: "settled", Action: "process"}
		}
		if errors.Is(err, types.ErrConflict) {
			return nil, &types.StateTransitionError{Entity: "schedule", ID: schedule.ID, From: "in_flight", Action: "process"}
		}
		return nil, fmt.Errorf("failed to create execution: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"schedule_id":    schedule.ID,
		"execution_id":   exec.ID,
		"status":         exec.Status,
		"scheduled_time": exec.ScheduledTime,
	}).Info("execution created")

	if exec.Status == types.ExecutionExecuting {
		return s.settle(ctx, schedule, exec)
	}
	s.metrics.RecordExecution(schedule.ModeKind(), exec.Status)
	s.emit(ctx, types.EventExecutionPending, executionData(exec))
	return &exec, nil
}

func (s *Service) pendingAction(exec types.Execution, schedule types.Schedule, typ types.PendingActionType, target *string) types.PendingAction {
	return types.PendingAction{
		ID:               uuid.New(),
		ExecutionID:      exec.ID,
		ScheduleID:       schedule.ID,
		Type:             typ,
		RequesterAddress: schedule.Owner,
		TargetAddress:    target,
		Status:           types.ActionPending,
		ExpiresAt:        exec.CreatedAt.Add(s.cfg.ActionTTL),
		CreatedAt:        exec.CreatedAt,
	}
}

// attemptsExhausted reports whether the schedule's current run already
// failed MaxAttempts times.
func (s *Service) attemptsExhausted(ctx context.Context, schedule types.Schedule) (bool, error) {
	recent, err := s.repo.ListExecutions(ctx, schedule.ID, s.cfg.MaxAttempts)
	if err != nil {
		return false, fmt.Errorf("failed to list executions: %w", err)
	}
	failed := 0
	for _, e := range recent {
		if e.Status == types.ExecutionFailed && e.ScheduledTime.Equal(schedule.NextExecution) {
			failed++
		}
	}
	return failed >= s.cfg.MaxAttempts, nil
}

// ConfirmExecution lets the schedule owner release a confirm-mode execution.
func (s *Service) ConfirmExecution(ctx context.Context, executionID uuid.UUID, confirmer string) (*types.Execution, error) {
	exec, schedule, err := s.load(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if !sameAddress(schedule.Owner, confirmer) {
		return nil, &types.AuthorizationError{Action: "confirm execution", Actor: confirmer}
	}
	if exec.Status != types.ExecutionConfirming {
		return nil, executionStateError(exec, "confirm")
	}
	if schedule.Status != types.ScheduleActive {
		return nil, scheduleStateError(&schedule, "confirm execution of")
	}

	now := s.now()
	err = s.inTx(ctx, func(ctx context.Context) error {
		err := s.repo.TransitionExecution(ctx, exec.ID, []types.ExecutionStatus{types.ExecutionConfirming}, types.ExecutionExecuting)
		if err != nil {
			return err
		}
		if _, err := s.repo.ResolvePendingActions(ctx, exec.ID, types.ActionConfirm, "", types.ActionCompleted, now); err != nil {
			return fmt.Errorf("failed to resolve pending actions: %w", err)
		}
		return s.repo.MarkConfirmed(ctx, exec.ID, validation.NormalizeAddress(confirmer), now)
	})
	if err != nil {
		if errors.Is(err, types.ErrConflict) {
			return nil, executionStateError(exec, "confirm")
		}
		return nil, fmt.Errorf("failed to confirm execution: %w", err)
	}

	by := validation.NormalizeAddress(confirmer)
	exec.Status = types.ExecutionExecuting
	exec.ConfirmedBy = &by
	exec.ConfirmedAt = &now
	s.logger.WithFields(logrus.Fields{
		"execution_id": exec.ID,
		"confirmed_by": by,
	}).Info("execution confirmed")
	return s.settle(ctx, schedule, exec)
}

// ApproveExecution records one approver's sign-off. The approval that
// resolves the last pending action settles the execution; concurrent
// approvals race on a conditional transition so settlement runs once.
func (s *Service) ApproveExecution(ctx context.Context, executionID uuid.UUID, approver string) (*types.Execution, error) {
	exec, schedule, err := s.load(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if !isApprover(schedule, approver) {
		return nil, &types.AuthorizationError{Action: "approve execution", Actor: approver}
	}
	if exec.Status != types.ExecutionApproving {
		return nil, executionStateError(exec, "approve")
	}
	if schedule.Status != types.ScheduleActive {
		return nil, scheduleStateError(&schedule, "approve execution of")
	}

	by := validation.NormalizeAddress(approver)
	now := s.now()
	err = s.inTx(ctx, func(ctx context.Context) error {
		n, err := s.repo.ResolvePendingActions(ctx, exec.ID, types.ActionApprove, by, types.ActionCompleted, now)
		if err != nil {
			return fmt.Errorf("failed to resolve pending action: %w", err)
		}
		if n == 0 {
			return &types.StateTransitionError{Entity: "approval", ID: exec.ID, From: "resolved", Action: "approve"}
		}
		return s.repo.AddApproval(ctx, exec.ID, by, now)
	})
	if err != nil {
		return nil, err
	}
	s.logger.WithFields(logrus.Fields{
		"execution_id": exec.ID,
		"approver":     by,
	}).Info("execution approved")

	remaining, err := s.repo.CountPendingActions(ctx, exec.ID, types.ActionApprove)
	if err != nil {
		return nil, fmt.Errorf("failed to count pending approvals: %w", err)
	}
	if remaining > 0 {
		return s.reload(ctx, exec.ID)
	}

	err = s.repo.TransitionExecution(ctx, exec.ID, []types.ExecutionStatus{types.ExecutionApproving}, types.ExecutionExecuting)
	if errors.Is(err, types.ErrConflict) {
		return s.reload(ctx, exec.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to transition execution: %w", err)
	}

	current, err := s.reload(ctx, exec.ID)
	if err != nil {
		return nil, err
	}
	return s.settle(ctx, schedule, *current)
}

// RejectExecution cancels an execution that is still waiting for a human
// step. The owner or any approver may reject. The run is skipped.
func (s *Service) RejectExecution(ctx context.Context, executionID uuid.UUID, actor, reason string) (*types.Execution, error) {
	exec, schedule, err := s.load(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if !canView(schedule, actor) {
		return nil, &types.AuthorizationError{Action: "reject execution", Actor: actor}
	}

	msg := "rejected by " + validation.NormalizeAddress(actor)
	if reason = strings.TrimSpace(reason); reason != "" {
		msg += ": " + reason
	}
	exec.Status = types.ExecutionCancelled
	exec.ErrorMessage = msg

	err = s.inTx(ctx, func(ctx context.Context) error {
		if err := s.repo.TransitionExecution(ctx, exec.ID, waitingStatuses, types.ExecutionCancelled); err != nil {
			return err
		}
		if _, err := s.repo.ResolvePendingActions(ctx, exec.ID, "", "", types.ActionRejected, s.now()); err != nil {
			return fmt.Errorf("failed to resolve pending actions: %w", err)
		}
		return s.repo.FinishExecution(ctx, exec)
	})
	if err != nil {
		if errors.Is(err, types.ErrConflict) {
			return nil, &types.StateTransitionError{Entity: "execution", ID: exec.ID, From: "settled", Action: "reject"}
		}
		return nil, fmt.Errorf("failed to reject execution: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"execution_id": exec.ID,
		"schedule_id":  schedule.ID,
		"reason":       msg,
	}).Info("execution rejected")
	s.metrics.RecordExecution(schedule.ModeKind(), types.ExecutionCancelled)
	s.emit(ctx, types.EventExecutionCancelled, executionData(exec))

	if err := s.skipRun(ctx, schedule.ID, exec.ScheduledTime); err != nil {
		return &exec, err
	}
	return &exec, nil
}

// ExecutePayroll settles a pending execution directly.
func (s *Service) ExecutePayroll(ctx context.Context, executionID uuid.UUID) (*types.Execution, error) {
	exec, schedule, err := s.load(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if schedule.Status != types.ScheduleActive {
		return nil, scheduleStateError(&schedule, "execute")
	}
	err = s.repo.TransitionExecution(ctx, exec.ID, []types.ExecutionStatus{types.ExecutionPending}, types.ExecutionExecuting)
	if errors.Is(err, types.ErrConflict) {
		return nil, executionStateError(exec, "execute")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to transition execution: %w", err)
	}
	exec.Status = types.ExecutionExecuting
	return s.settle(ctx, schedule, exec)
}

// GetPendingActions lists the confirmations and approvals waiting on address.
func (s *Service) GetPendingActions(ctx context.Context, address string) ([]types.PendingAction, error) {
	actions, err := s.repo.ListOpenActionsFor(ctx, validation.NormalizeAddress(address))
	if err != nil {
		return nil, fmt.Errorf("failed to list pending actions: %w", err)
	}
	return actions, nil
}

// settle pays out an executing execution. The schedule is advanced only
// after at least one transfer succeeded and the outcome is stored.
func (s *Service) settle(ctx context.Context, schedule types.Schedule, exec types.Execution) (*types.Execution, error) {
	start := s.now()
	logger := s.logger.WithFields(logrus.Fields{
		"schedule_id":  schedule.ID,
		"execution_id": exec.ID,
	})

	alloc := s.allocator.Calculate(schedule.SplitRule)
	if !alloc.Validation.IsValid {
		return s.fail(ctx, schedule, exec, fmt.Errorf("invalid split rule: %s", strings.Join(alloc.Validation.Errors, "; ")), nil)
	}
	total := alloc.Total()
	if limit := schedule.MaxAmountPerExecution; limit != nil && total.GreaterThan(*limit) {
		return s.fail(ctx, schedule, exec, fmt.Errorf("split total %s exceeds maximum %s per execution", total, limit), nil)
	}
	if err := s.gate.EnforcePayout(ctx, schedule.Owner); err != nil {
		return s.fail(ctx, schedule, exec, err, nil)
	}
	next, err := s.interval.NextExecution(schedule.Frequency, start)
	if err != nil {
		return s.fail(ctx, schedule, exec, fmt.Errorf("failed to compute next execution: %w", err), nil)
	}

	req := types.TransferRequest{
		Reference:  exec.ID.String(),
		Chain:      schedule.SplitRule.ChainID,
		Recipients: make([]types.TransferRecipient, len(alloc.Recipients)),
	}
	for i, a := range alloc.Recipients {
		req.Recipients[i] = types.TransferRecipient{
			Address: a.Address,
			Amount:  a.Amount,
			Token:   schedule.SplitRule.Token,
		}
	}

	res, err := s.executor.Execute(ctx, req)
	if err != nil {
		return s.fail(ctx, schedule, exec, err, nil)
	}

	results, paid := tally(alloc.Recipients, res)
	exec.Results = results
	exec.SuccessCount, exec.FailedCount = 0, 0
	for _, r := range results {
		if r.Success {
			exec.SuccessCount++
		} else {
			exec.FailedCount++
		}
	}
	if exec.SuccessCount == 0 {
		msg := res.ErrorMessage
		if msg == "" {
			msg = "all transfers failed"
		}
		return s.fail(ctx, schedule, exec, errors.New(msg), results)
	}

	finished := s.now()
	exec.ActualTime = &finished
	exec.Status = types.ExecutionCompleted
	if exec.FailedCount > 0 {
		exec.Status = types.ExecutionPartial
		exec.ErrorMessage = res.ErrorMessage
	}
	expired := endsBefore(schedule, next)
	run := storage.ScheduleRun{
		ExecutedAt:    finished,
		NextExecution: next,
		Paid:          paid,
	}
	if expired {
		run.Status = types.ScheduleExpired
	}

	err = s.inTx(ctx, func(ctx context.Context) error {
		if err := s.repo.FinishExecution(ctx, exec); err != nil {
			return err
		}
		return s.repo.RecordScheduleRun(ctx, schedule.ID, run)
	})
	if err != nil {
		// TODO: reconcile executions left in executing after the transfer went out by
		// querying the executor with the execution id as reference.
		logger.WithError(err).Error("transfers sent but settlement was not recorded")
		return nil, fmt.Errorf("failed to record settlement: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"status":         exec.Status,
		"success_count":  exec.SuccessCount,
		"failed_count":   exec.FailedCount,
		"paid":           paid.String(),
		"next_execution": next,
	}).Info("execution settled")

	s.metrics.RecordExecution(schedule.ModeKind(), exec.Status)
	s.metrics.ObserveSettlement(finished.Sub(start))
	s.metrics.RecordPaid(schedule.SplitRule.Token, paid)
	if exec.Status == types.ExecutionPartial {
		s.emit(ctx, types.EventExecutionPartial, executionData(exec))
	} else {
		s.emit(ctx, types.EventExecutionCompleted, executionData(exec))
	}
	if expired && schedule.Status == types.ScheduleActive {
		schedule.Status = types.ScheduleExpired
		s.emitScheduleExpired(ctx, schedule)
	}
	return &exec, nil
}

// fail records a failed settlement. The schedule is not touched so the same
// run is attempted again on a later sweep.
func (s *Service) fail(ctx context.Context, schedule types.Schedule, exec types.Execution, cause error, results []types.RecipientResult) (*types.Execution, error) {
	finished := s.now()
	exec.Status = types.ExecutionFailed
	exec.ActualTime = &finished
	exec.ErrorMessage = cause.Error()
	if results != nil {
		exec.Results = results
	}

	logger := s.logger.WithFields(logrus.Fields{
		"schedule_id":  schedule.ID,
		"execution_id": exec.ID,
	})
	if err := s.repo.FinishExecution(ctx, exec); err != nil {
		logger.WithError(err).Error("failed to store failed execution")
	}
	logger.WithError(cause).Warn("execution failed")

	s.metrics.RecordExecution(schedule.ModeKind(), exec.Status)
	s.emit(ctx, types.EventExecutionFailed, executionData(exec))
	return &exec, &types.ExecutionError{ExecutionID: exec.ID, Err: cause}
}

// tally maps executor results onto allocations by position. A result set
// without per-recipient entries applies the overall outcome to everyone.
func tally(allocs []split.Allocation, res types.TransferResult) ([]types.RecipientResult, decimal.Decimal) {
	out := make([]types.RecipientResult, len(allocs))
	paid := decimal.Zero
	for i, a := range allocs {
		r := types.RecipientResult{Address: a.Address, Amount: a.Amount}
		switch {
		case len(res.Results) == 0:
			r.Success = res.Success
			r.TxHash = res.TxHash
			if !res.Success {
				r.Error = res.ErrorMessage
			}
		case i < len(res.Results):
			r.Success = res.Results[i].Success
			r.TxHash = res.Results[i].TxHash
			r.Error = res.Results[i].Error
		default:
			r.Error = "no result reported"
		}
		if r.Success {
			paid = paid.Add(a.Amount)
		}
		out[i] = r
	}
	return out, paid
}

func (s *Service) load(ctx context.Context, executionID uuid.UUID) (types.Execution, types.Schedule, error) {
	exec, err := s.repo.GetExecution(ctx, executionID)
	if err != nil {
		return types.Execution{}, types.Schedule{}, fmt.Errorf("failed to get execution: %w", err)
	}
	schedule, err := s.repo.GetSchedule(ctx, exec.ScheduleID)
	if err != nil {
		return types.Execution{}, types.Schedule{}, fmt.Errorf("failed to get schedule: %w", err)
	}
	return exec, schedule, nil
}

func (s *Service) reload(ctx context.Context, executionID uuid.UUID) (*types.Execution, error) {
	exec, err := s.repo.GetExecution(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}
	return &exec, nil
}

func isApprover(schedule types.Schedule, actor string) bool {
	for _, a := range schedule.Approvers() {
		if sameAddress(a, actor) {
			return true
		}
	}
	return false
}

func executionStateError(exec types.Execution, action string) error {
	return &types.StateTransitionError{
		Entity: "execution",
		ID:     exec.ID,
		From:   string(exec.Status),
		Action: action,
	}
}
