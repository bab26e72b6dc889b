package payroll

import (
	"context"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/protocol-bank/payroll/internal/tasks"
	"github.com/protocol-bank/payroll/types"
)

// HandleProcessSchedule is the asynq handler for tasks.TypeProcessSchedule.
// Outcomes the sweep will revisit on its own (stale run, schedule in
// flight, failed settlement) complete the task instead of failing it.
func (s *Service) HandleProcessSchedule(ctx context.Context, t *asynq.Task) error {
	payload, err := tasks.ParseProcessSchedulePayload(t)
	if err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	logger := s.logger.WithFields(logrus.Fields{
		"schedule_id":   payload.ScheduleID,
		"scheduled_for": payload.ScheduledFor,
	})

	schedule, err := s.repo.GetSchedule(ctx, payload.ScheduleID)
	if errors.Is(err, types.ErrNotFound) {
		logger.Warn("schedule no longer exists")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to get schedule: %w", err)
	}
	if !schedule.NextExecution.Equal(payload.ScheduledFor) {
		logger.WithField("next_execution", schedule.NextExecution).Info("stale task, schedule already moved on")
		return nil
	}

	exec, err := s.ProcessSchedule(ctx, payload.ScheduleID)
	var (
		stateErr *types.StateTransitionError
		execErr  *types.ExecutionError
	)
	switch {
	case err == nil:
		logger.WithFields(logrus.Fields{
			"execution_id": exec.ID,
			"status":       exec.Status,
		}).Info("processed scheduled run")
		return nil
	case errors.As(err, &stateErr):
		logger.WithError(err).Info("skipped scheduled run")
		return nil
	case errors.As(err, &execErr):
		logger.WithError(err).Warn("scheduled run failed, will be retried by a later sweep")
		return nil
	case errors.Is(err, ErrAttemptsExhausted):
		logger.WithError(err).Error("scheduled run abandoned")
		return nil
	default:
		return fmt.Errorf("failed to process schedule: %w", err)
	}
}
