package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/protocol-bank/payroll/types"
)

func (b *Backend) SaveBatch(ctx context.Context, status types.BatchStatus) error {
	payload, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("failed to marshal batch: %w", err)
	}
	_, err = b.tx.Try(ctx).Exec(ctx, `
		INSERT INTO batches (batch_id, status, chain, payload, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (batch_id) DO UPDATE SET
			status = EXCLUDED.status,
			payload = EXCLUDED.payload,
			updated_at = EXCLUDED.updated_at
	`, status.BatchID, string(status.Status), string(status.Chain), payload, status.CreatedAt, status.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save batch: %w", err)
	}
	return nil
}

func (b *Backend) GetBatch(ctx context.Context, batchID string) (*types.BatchStatus, error) {
	var payload []byte
	err := b.tx.Try(ctx).QueryRow(ctx, `SELECT payload FROM batches WHERE batch_id = $1`, batchID).Scan(&payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", types.ErrBatchNotFound, batchID)
		}
		return nil, fmt.Errorf("failed to get batch: %w", err)
	}

	var status types.BatchStatus
	if err := json.Unmarshal(payload, &status); err != nil {
		return nil, fmt.Errorf("failed to unmarshal batch: %w", err)
	}
	return &status, nil
}
