package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/protocol-bank/payroll/types"
)

const actionColumns = `id, execution_id, schedule_id, action_type, requester_address, target_address,
	status, expires_at, created_at, completed_at`

func (b *Backend) CreatePendingActions(ctx context.Context, actions []types.PendingAction) error {
	if len(actions) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, a := range actions {
		batch.Queue(`
			INSERT INTO payroll_pending_actions (`+actionColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`, a.ID, a.ExecutionID, a.ScheduleID, string(a.Type), a.RequesterAddress, a.TargetAddress,
			string(a.Status), a.ExpiresAt, a.CreatedAt, a.CompletedAt)
	}

	br := b.tx.Try(ctx).SendBatch(ctx, batch)
	for range actions {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return fmt.Errorf("failed to insert pending action: %w", err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("failed to close batch: %w", err)
	}
	return nil
}

func (b *Backend) ResolvePendingActions(
	ctx context.Context,
	executionID uuid.UUID,
	actionType types.PendingActionType,
	target string,
	status types.PendingActionStatus,
	at time.Time,
) (int, error) {
	tag, err := b.tx.Try(ctx).Exec(ctx, `
		UPDATE payroll_pending_actions
		SET status = $2, completed_at = $3
		WHERE execution_id = $1
		  AND status = 'pending'
		  AND ($4::text = '' OR action_type = $4::text)
		  AND ($5::text = '' OR target_address = $5::text)
	`, executionID, string(status), at, string(actionType), target)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve pending actions: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (b *Backend) CountPendingActions(ctx context.Context, executionID uuid.UUID, actionType types.PendingActionType) (int, error) {
	var n int
	err := b.tx.Try(ctx).QueryRow(ctx, `
		SELECT COUNT(*)
		FROM payroll_pending_actions
		WHERE execution_id = $1 AND action_type = $2 AND status = 'pending'
	`, executionID, string(actionType)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending actions: %w", err)
	}
	return n, nil
}

func (b *Backend) ListPendingActions(ctx context.Context, executionID uuid.UUID) ([]types.PendingAction, error) {
	return b.queryActions(ctx, `
		SELECT `+actionColumns+`
		FROM payroll_pending_actions
		WHERE execution_id = $1
		ORDER BY created_at
	`, executionID)
}

func (b *Backend) ListOpenActionsFor(ctx context.Context, address string) ([]types.PendingAction, error) {
	return b.queryActions(ctx, `
		SELECT `+actionColumns+`
		FROM payroll_pending_actions
		WHERE status = 'pending'
		  AND (target_address = $1 OR (target_address IS NULL AND requester_address = $1))
		ORDER BY created_at
	`, address)
}

func (b *Backend) ListExpiredPendingActions(ctx context.Context, now time.Time) ([]types.PendingAction, error) {
	return b.queryActions(ctx, `
		SELECT `+actionColumns+`
		FROM payroll_pending_actions
		WHERE status = 'pending' AND expires_at <= $1
		ORDER BY expires_at
	`, now)
}

func (b *Backend) queryActions(ctx context.Context, query string, args ...any) ([]types.PendingAction, error) {
	rows, err := b.tx.Try(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending actions: %w", err)
	}
	defer rows.Close()

	var actions []types.PendingAction
	for rows.Next() {
		var (
			a          types.PendingAction
			actionType string
			status     string
		)
		err := rows.Scan(
			&a.ID, &a.ExecutionID, &a.ScheduleID, &actionType, &a.RequesterAddress, &a.TargetAddress,
			&status, &a.ExpiresAt, &a.CreatedAt, &a.CompletedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pending action: %w", err)
		}
		a.Type = types.PendingActionType(actionType)
		a.Status = types.PendingActionStatus(status)
		actions = append(actions, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate over pending actions: %w", err)
	}
	return actions, nil
}
