package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/protocol-bank/payroll/internal/storage"
	"github.com/protocol-bank/payroll/types"
)

const scheduleColumns = `id, owner_address, name, description, split_rule, frequency, execution_mode,
	approvers, max_amount_per_execution::text, status, next_execution, last_execution,
	execution_count, total_paid::text, start_date, end_date, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func (b *Backend) CreateSchedule(ctx context.Context, s types.Schedule) error {
	splitRule, err := json.Marshal(s.SplitRule)
	if err != nil {
		return fmt.Errorf("failed to marshal split rule: %w", err)
	}
	frequency, err := json.Marshal(s.Frequency)
	if err != nil {
		return fmt.Errorf("failed to marshal frequency: %w", err)
	}
	mode := types.ModeSpec(s.Mode)
	approvers := mode.Approvers
	if approvers == nil {
		approvers = []string{}
	}
	var maxAmount *string
	if s.MaxAmountPerExecution != nil {
		v := s.MaxAmountPerExecution.String()
		maxAmount = &v
	}

	_, err = b.tx.Try(ctx).Exec(ctx, `
		INSERT INTO payroll_schedules (
			id, owner_address, name, description, split_rule, frequency, execution_mode,
			approvers, max_amount_per_execution, status, next_execution, last_execution,
			execution_count, total_paid, start_date, end_date, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::numeric, $10, $11, $12, $13, $14::numeric, $15, $16, $17, $18)
	`,
		s.ID, s.Owner, s.Name, s.Description, splitRule, frequency, string(mode.Kind),
		approvers, maxAmount, string(s.Status), s.NextExecution, s.LastExecution,
		s.ExecutionCount, s.TotalPaid.String(), s.StartDate, s.EndDate, s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("schedule %s: %w", s.ID, types.ErrConflict)
		}
		return fmt.Errorf("failed to insert schedule: %w", err)
	}
	return nil
}

func (b *Backend) GetSchedule(ctx context.Context, id uuid.UUID) (types.Schedule, error) {
	row := b.tx.Try(ctx).QueryRow(ctx, `SELECT `+scheduleColumns+` FROM payroll_schedules WHERE id = $1`, id)
	s, err := scanSchedule(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return types.Schedule{}, notFound("schedule", id)
		}
		return types.Schedule{}, fmt.Errorf("failed to get schedule: %w", err)
	}
	return s, nil
}

func (b *Backend) ListSchedulesByOwner(ctx context.Context, owner string) ([]types.Schedule, error) {
	return b.querySchedules(ctx, `
		SELECT `+scheduleColumns+`
		FROM payroll_schedules
		WHERE owner_address = $1
		ORDER BY created_at DESC
	`, owner)
}

func (b *Backend) ListDueSchedules(ctx context.Context, now time.Time, window time.Duration) ([]types.Schedule, error) {
	return b.querySchedules(ctx, `
		SELECT `+scheduleColumns+`
		FROM payroll_schedules
		WHERE status = 'active' AND next_execution > $1 AND next_execution <= $2
		ORDER BY next_execution
	`, now.Add(-window), now)
}

func (b *Backend) ListOverdueSchedules(ctx context.Context, before time.Time) ([]types.Schedule, error) {
	return b.querySchedules(ctx, `
		SELECT `+scheduleColumns+`
		FROM payroll_schedules
		WHERE status = 'active' AND next_execution <= $1
		ORDER BY next_execution
	`, before)
}

func (b *Backend) querySchedules(ctx context.Context, query string, args ...any) ([]types.Schedule, error) {
	rows, err := b.tx.Try(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query schedules: %w", err)
	}
	defer rows.Close()

	var schedules []types.Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan schedule: %w", err)
		}
		schedules = append(schedules, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate over schedules: %w", err)
	}
	return schedules, nil
}

func (b *Backend) UpdateScheduleStatus(ctx context.Context, id uuid.UUID, status types.ScheduleStatus, next time.Time) error {
	tag, err := b.tx.Try(ctx).Exec(ctx, `
		UPDATE payroll_schedules
		SET status = $2, next_execution = $3, updated_at = NOW()
		WHERE id = $1
	`, id, string(status), next)
	if err != nil {
		return fmt.Errorf("failed to update schedule status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("schedule", id)
	}
	return nil
}

func (b *Backend) RecordScheduleRun(ctx context.Context, id uuid.UUID, run storage.ScheduleRun) error {
	tag, err := b.tx.Try(ctx).Exec(ctx, `
		UPDATE payroll_schedules
		SET last_execution = $2,
		    next_execution = $3,
		    execution_count = execution_count + 1,
		    total_paid = total_paid + $4::numeric,
		    status = CASE WHEN status = 'active' AND $5::text <> '' THEN $5::text ELSE status END,
		    updated_at = NOW()
		WHERE id = $1
	`, id, run.ExecutedAt, run.NextExecution, run.Paid.String(), string(run.Status))
	if err != nil {
		return fmt.Errorf("failed to record schedule run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("schedule", id)
	}
	return nil
}

func scanSchedule(row scanner) (types.Schedule, error) {
	var (
		s         types.Schedule
		splitRule []byte
		frequency []byte
		mode      string
		approvers []string
		maxAmount *string
		status    string
		totalPaid string
	)
	err := row.Scan(
		&s.ID, &s.Owner, &s.Name, &s.Description, &splitRule, &frequency, &mode,
		&approvers, &maxAmount, &status, &s.NextExecution, &s.LastExecution,
		&s.ExecutionCount, &totalPaid, &s.StartDate, &s.EndDate, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return types.Schedule{}, err
	}
	s.Status = types.ScheduleStatus(status)

	if err := json.Unmarshal(splitRule, &s.SplitRule); err != nil {
		return types.Schedule{}, fmt.Errorf("failed to unmarshal split rule: %w", err)
	}
	if err := json.Unmarshal(frequency, &s.Frequency); err != nil {
		return types.Schedule{}, fmt.Errorf("failed to unmarshal frequency: %w", err)
	}
	s.Mode, err = types.ExecutionModeSpec{Kind: types.ExecutionModeKind(mode), Approvers: approvers}.Mode()
	if err != nil {
		return types.Schedule{}, err
	}
	if maxAmount != nil {
		v, err := decimal.NewFromString(*maxAmount)
		if err != nil {
			return types.Schedule{}, fmt.Errorf("invalid max amount %q: %w", *maxAmount, err)
		}
		s.MaxAmountPerExecution = &v
	}
	s.TotalPaid, err = decimal.NewFromString(totalPaid)
	if err != nil {
		return types.Schedule{}, fmt.Errorf("invalid total paid %q: %w", totalPaid, err)
	}
	return s, nil
}
