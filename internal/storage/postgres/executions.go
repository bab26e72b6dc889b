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

	"github.com/protocol-bank/payroll/types"
)

const executionColumns = `id, schedule_id, scheduled_time, actual_time, status, total_amount::text, token,
	recipient_count, success_count, failed_count, results, confirmed_by, confirmed_at,
	approved_by, approved_at, error_message, created_at, updated_at`

func (b *Backend) CreateExecution(ctx context.Context, e types.Execution) error {
	results, err := marshalResults(e.Results)
	if err != nil {
		return err
	}
	approvedBy := e.ApprovedBy
	if approvedBy == nil {
		approvedBy = []string{}
	}

	_, err = b.tx.Try(ctx).Exec(ctx, `
		INSERT INTO payroll_executions (
			id, schedule_id, scheduled_time, actual_time, status, total_amount, token,
			recipient_count, success_count, failed_count, results, confirmed_by, confirmed_at,
			approved_by, approved_at, error_message, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`,
		e.ID, e.ScheduleID, e.ScheduledTime, e.ActualTime, string(e.Status), e.TotalAmount.String(), string(e.Token),
		e.RecipientCount, e.SuccessCount, e.FailedCount, results, e.ConfirmedBy, e.ConfirmedAt,
		approvedBy, e.ApprovedAt, e.ErrorMessage, e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("schedule %s already has an execution in flight: %w", e.ScheduleID, types.ErrConflict)
		}
		return fmt.Errorf("failed to insert execution: %w", err)
	}
	return nil
}

func (b *Backend) CountSettledRuns(ctx context.Context, scheduleID uuid.UUID, scheduledTime time.Time) (int, error) {
	var n int
	err := b.tx.Try(ctx).QueryRow(ctx, `
		SELECT COUNT(*)
		FROM payroll_executions
		WHERE schedule_id = $1 AND scheduled_time = $2 AND status = ANY($3)
	`, scheduleID, scheduledTime, statusStrings(types.SettledExecutionStatuses)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count settled runs: %w", err)
	}
	return n, nil
}

func (b *Backend) GetExecution(ctx context.Context, id uuid.UUID) (types.Execution, error) {
	row := b.tx.Try(ctx).QueryRow(ctx, `SELECT `+executionColumns+` FROM payroll_executions WHERE id = $1`, id)
	e, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return types.Execution{}, notFound("execution", id)
		}
		return types.Execution{}, fmt.Errorf("failed to get execution: %w", err)
	}
	return e, nil
}

func (b *Backend) ListExecutions(ctx context.Context, scheduleID uuid.UUID, limit int) ([]types.Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM payroll_executions WHERE schedule_id = $1 ORDER BY created_at DESC`
	args := []any{scheduleID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := b.tx.Try(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}
	defer rows.Close()

	var executions []types.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		executions = append(executions, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate over executions: %w", err)
	}
	return executions, nil
}

func (b *Backend) GetActiveExecution(ctx context.Context, scheduleID uuid.UUID) (*types.Execution, error) {
	row := b.tx.Try(ctx).QueryRow(ctx, `
		SELECT `+executionColumns+`
		FROM payroll_executions
		WHERE schedule_id = $1 AND status = ANY($2)
		LIMIT 1
	`, scheduleID, statusStrings(types.InFlightExecutionStatuses))
	e, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get active execution: %w", err)
	}
	return &e, nil
}

func (b *Backend) TransitionExecution(ctx context.Context, id uuid.UUID, from []types.ExecutionStatus, to types.ExecutionStatus) error {
	tag, err := b.tx.Try(ctx).Exec(ctx, `
		UPDATE payroll_executions
		SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = ANY($3)
	`, id, string(to), statusStrings(from))
	if err != nil {
		return fmt.Errorf("failed to transition execution: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var current string
	err = b.tx.Try(ctx).QueryRow(ctx, `SELECT status FROM payroll_executions WHERE id = $1`, id).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return notFound("execution", id)
		}
		return fmt.Errorf("failed to read execution status: %w", err)
	}
	return fmt.Errorf("execution %s is %s: %w", id, current, types.ErrConflict)
}

func (b *Backend) MarkConfirmed(ctx context.Context, id uuid.UUID, by string, at time.Time) error {
	return b.execOne(ctx, id, `
		UPDATE payroll_executions
		SET confirmed_by = $2, confirmed_at = $3, updated_at = NOW()
		WHERE id = $1
	`, by, at)
}

func (b *Backend) AddApproval(ctx context.Context, id uuid.UUID, approver string, at time.Time) error {
	return b.execOne(ctx, id, `
		UPDATE payroll_executions
		SET approved_by = CASE
		        WHEN $2::text = ANY(approved_by) THEN approved_by
		        ELSE array_append(approved_by, $2::text)
		    END,
		    approved_at = $3,
		    updated_at = NOW()
		WHERE id = $1
	`, approver, at)
}

func (b *Backend) FinishExecution(ctx context.Context, e types.Execution) error {
	results, err := marshalResults(e.Results)
	if err != nil {
		return err
	}
	err = b.execOne(ctx, e.ID, `
		UPDATE payroll_executions
		SET status = $2, actual_time = $3, success_count = $4, failed_count = $5,
		    results = $6, error_message = $7, updated_at = NOW()
		WHERE id = $1
	`, string(e.Status), e.ActualTime, e.SuccessCount, e.FailedCount, results, e.ErrorMessage)
	if isUniqueViolation(err) {
		return fmt.Errorf("execution %s: run already settled: %w", e.ID, types.ErrConflict)
	}
	return err
}

func (b *Backend) execOne(ctx context.Context, id uuid.UUID, query string, args ...any) error {
	tag, err := b.tx.Try(ctx).Exec(ctx, query, append([]any{id}, args...)...)
	if err != nil {
		return fmt.Errorf("failed to update execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("execution", id)
	}
	return nil
}

func scanExecution(row scanner) (types.Execution, error) {
	var (
		e       types.Execution
		status  string
		total   string
		token   string
		results []byte
	)
	err := row.Scan(
		&e.ID, &e.ScheduleID, &e.ScheduledTime, &e.ActualTime, &status, &total, &token,
		&e.RecipientCount, &e.SuccessCount, &e.FailedCount, &results, &e.ConfirmedBy, &e.ConfirmedAt,
		&e.ApprovedBy, &e.ApprovedAt, &e.ErrorMessage, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return types.Execution{}, err
	}
	e.Status = types.ExecutionStatus(status)
	e.Token = types.TokenSymbol(token)
	e.TotalAmount, err = decimal.NewFromString(total)
	if err != nil {
		return types.Execution{}, fmt.Errorf("invalid total amount %q: %w", total, err)
	}
	if len(results) > 0 {
		if err := json.Unmarshal(results, &e.Results); err != nil {
			return types.Execution{}, fmt.Errorf("failed to unmarshal results: %w", err)
		}
	}
	return e, nil
}

func marshalResults(results []types.RecipientResult) ([]byte, error) {
	if results == nil {
		results = []types.RecipientResult{}
	}
	buf, err := json.Marshal(results)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal results: %w", err)
	}
	return buf, nil
}

func statusStrings(statuses []types.ExecutionStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
