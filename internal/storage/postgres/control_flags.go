package postgres

import (
	"context"
	"fmt"
)

func (b *Backend) GetControlFlags(ctx context.Context, keys ...string) (map[string]bool, error) {
	rows, err := b.tx.Try(ctx).Query(ctx, `SELECT key, enabled FROM control_flags WHERE key = ANY($1)`, keys)
	if err != nil {
		return nil, fmt.Errorf("failed to query control flags: %w", err)
	}
	defer rows.Close()

	flags := make(map[string]bool, len(keys))
	for rows.Next() {
		var (
			key     string
			enabled bool
		)
		if err := rows.Scan(&key, &enabled); err != nil {
			return nil, fmt.Errorf("failed to scan control flag: %w", err)
		}
		flags[key] = enabled
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate over control flags: %w", err)
	}
	return flags, nil
}

func (b *Backend) SetControlFlag(ctx context.Context, key string, enabled bool) error {
	_, err := b.tx.Try(ctx).Exec(ctx, `
		INSERT INTO control_flags (key, enabled, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET enabled = EXCLUDED.enabled, updated_at = NOW()
	`, key, enabled)
	if err != nil {
		return fmt.Errorf("failed to upsert control flag: %w", err)
	}
	return nil
}
