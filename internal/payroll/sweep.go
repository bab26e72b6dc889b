package payroll

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/protocol-bank/payroll/types"
)

// SweepReport summarises one pass over the schedules.
type SweepReport struct {
	ExpiredExecutions int `json:"expired_executions"`
	MissedRuns        int `json:"missed_runs"`
	Due               int `json:"due"`
	Failed            int `json:"failed"`
}

// GetDueSchedules returns active schedules whose next run fell due within
// the look-back window.
func (s *Service) GetDueSchedules(ctx context.Context) ([]types.Schedule, error) {
	schedules, err := s.repo.ListDueSchedules(ctx, s.now(), s.cfg.LookBack)
	if err != nil {
		return nil, fmt.Errorf("failed to list due schedules: %w", err)
	}
	return schedules, nil
}

// Sweep expires stale pending actions, records runs that slipped out of the
// look-back window, then hands every due schedule to dispatch. One
// schedule's failure never stops the others.
func (s *Service) Sweep(ctx context.Context, dispatch func(ctx context.Context, schedule types.Schedule) error) (SweepReport, error) {
	start := s.now()
	var report SweepReport

	expired, err := s.ExpirePendingActions(ctx)
	if err != nil {
		s.logger.WithError(err).Error("failed to expire pending actions")
	}
	report.ExpiredExecutions = expired

	missed, err := s.RecordMissedRuns(ctx)
	if err != nil {
		s.logger.WithError(err).Error("failed to record missed runs")
	}
	report.MissedRuns = missed

	due, err := s.GetDueSchedules(ctx)
	if err != nil {
		return report, err
	}
	report.Due = len(due)

	var failed atomic.Int64
	eg := &errgroup.Group{}
	eg.SetLimit(s.cfg.Concurrency)
	for _, schedule := range due {
		eg.Go(func() error {
			if er := dispatch(ctx, schedule); er != nil {
				failed.Add(1)
				s.logger.WithError(er).WithField("schedule_id", schedule.ID).Error("failed to dispatch schedule")
			}
			return nil
		})
	}
	_ = eg.Wait()
	report.Failed = int(failed.Load())

	s.metrics.ObserveSweep(s.now().Sub(start), report.Due, report.Failed)
	s.logger.WithFields(logrus.Fields{
		"due":                report.Due,
		"failed":             report.Failed,
		"missed_runs":        report.MissedRuns,
		"expired_executions": report.ExpiredExecutions,
	}).Info("sweep finished")
	return report, nil
}

// ProcessDue runs every due schedule in process. Schedules that are already
// in flight or no longer due are not counted as failures.
func (s *Service) ProcessDue(ctx context.Context) (SweepReport, error) {
	return s.Sweep(ctx, func(ctx context.Context, schedule types.Schedule) error {
		_, err := s.ProcessSchedule(ctx, schedule.ID)
		var stateErr *types.StateTransitionError
		if errors.As(err, &stateErr) {
			return nil
		}
		return err
	})
}

// ExpirePendingActions expires confirmations and approvals past their
// deadline. Their executions are cancelled and the run is skipped. Returns
// the number of executions cancelled.
func (s *Service) ExpirePendingActions(ctx context.Context) (int, error) {
	now := s.now()
	actions, err := s.repo.ListExpiredPendingActions(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("failed to list expired pending actions: %w", err)
	}

	byExecution := make(map[uuid.UUID]struct{})
	var order []uuid.UUID
	for _, a := range actions {
		if _, ok := byExecution[a.ExecutionID]; !ok {
			byExecution[a.ExecutionID] = struct{}{}
			order = append(order, a.ExecutionID)
		}
	}

	cancelled, resolved := 0, 0
	var errs []error
	for _, id := range order {
		n, ok, err := s.expireExecution(ctx, id, now)
		resolved += n
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			cancelled++
		}
	}
	if resolved > 0 {
		s.metrics.RecordExpired(resolved)
	}
	return cancelled, errors.Join(errs...)
}

func (s *Service) expireExecution(ctx context.Context, executionID uuid.UUID, now time.Time) (int, bool, error) {
	exec, schedule, err := s.load(ctx, executionID)
	if err != nil {
		return 0, false, err
	}

	var resolved int
	cancelled := false
	exec.Status = types.ExecutionCancelled
	exec.ErrorMessage = "pending actions expired"
	err = s.inTx(ctx, func(ctx context.Context) error {
		n, err := s.repo.ResolvePendingActions(ctx, executionID, "", "", types.ActionExpired, now)
		if err != nil {
			return fmt.Errorf("failed to expire pending actions: %w", err)
		}
		resolved = n
		err = s.repo.TransitionExecution(ctx, executionID, waitingStatuses, types.ExecutionCancelled)
		if errors.Is(err, types.ErrConflict) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to cancel execution: %w", err)
		}
		cancelled = true
		return s.repo.FinishExecution(ctx, exec)
	})
	if err != nil {
		return 0, false, err
	}
	if !cancelled {
		return resolved, false, nil
	}

	s.logger.WithFields(logrus.Fields{
		"execution_id": executionID,
		"schedule_id":  schedule.ID,
	}).Info("execution expired waiting for pending actions")
	s.metrics.RecordExecution(schedule.ModeKind(), types.ExecutionCancelled)
	s.emit(ctx, types.EventExecutionCancelled, executionData(exec))

	if err := s.skipRun(ctx, schedule.ID, exec.ScheduledTime); err != nil {
		return resolved, true, err
	}
	return resolved, true, nil
}

// RecordMissedRuns finds active schedules whose next run is older than the
// look-back window with nothing in flight, records the run as missed and
// moves the schedule to its next occurrence after now.
func (s *Service) RecordMissedRuns(ctx context.Context) (int, error) {
	now := s.now()
	overdue, err := s.repo.ListOverdueSchedules(ctx, now.Add(-s.cfg.LookBack))
	if err != nil {
		return 0, fmt.Errorf("failed to list overdue schedules: %w", err)
	}

	missed := 0
	var errs []error
	for _, schedule := range overdue {
		ok, err := s.recordMissed(ctx, schedule, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("schedule %s: %w", schedule.ID, err))
			continue
		}
		if ok {
			missed++
		}
	}
	return missed, errors.Join(errs...)
}

func (s *Service) recordMissed(ctx context.Context, schedule types.Schedule, now time.Time) (bool, error) {
	active, err := s.repo.GetActiveExecution(ctx, schedule.ID)
	if err != nil {
		return false, fmt.Errorf("failed to get active execution: %w", err)
	}
	if active != nil {
		return false, nil
	}

	exec := types.Execution{
		ID:             uuid.New(),
		ScheduleID:     schedule.ID,
		ScheduledTime:  schedule.NextExecution,
		Status:         types.ExecutionMissed,
		TotalAmount:    schedule.SplitRule.TotalAmount,
		Token:          schedule.SplitRule.Token,
		RecipientCount: len(schedule.SplitRule.Recipients),
		ErrorMessage:   "run was not picked up within the look-back window",
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.repo.CreateExecution(ctx, exec); err != nil {
		return false, fmt.Errorf("failed to record missed execution: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"schedule_id":    schedule.ID,
		"scheduled_time": schedule.NextExecution,
	}).Warn("scheduled run missed")
	s.metrics.RecordExecution(schedule.ModeKind(), types.ExecutionMissed)
	s.emit(ctx, types.EventExecutionMissed, executionData(exec))

	if err := s.skipRun(ctx, schedule.ID, schedule.NextExecution); err != nil {
		return true, err
	}
	return true, nil
}

// skipRun moves an active schedule past the run at scheduledTime without
// counting it as executed. It is a no-op if the schedule already moved on.
func (s *Service) skipRun(ctx context.Context, scheduleID uuid.UUID, scheduledTime time.Time) error {
	schedule, err := s.repo.GetSchedule(ctx, scheduleID)
	if err != nil {
		return fmt.Errorf("failed to get schedule: %w", err)
	}
	if schedule.Status != types.ScheduleActive || schedule.NextExecution.After(scheduledTime) {
		return nil
	}

	next, err := s.interval.NextExecution(schedule.Frequency, s.now())
	if err != nil {
		return fmt.Errorf("failed to compute next execution: %w", err)
	}
	status := types.ScheduleActive
	if endsBefore(schedule, next) {
		status = types.ScheduleExpired
	}
	if err := s.repo.UpdateScheduleStatus(ctx, scheduleID, status, next); err != nil {
		return fmt.Errorf("failed to advance schedule: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"schedule_id":    scheduleID,
		"skipped":        scheduledTime,
		"next_execution": next,
		"status":         status,
	}).Info("schedule advanced past skipped run")
	if status == types.ScheduleExpired {
		s.emitScheduleExpired(ctx, schedule)
	}
	return nil
}
