package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Caller is the query surface shared by the pool and an open transaction.
type Caller interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

var errNoTx = errors.New("no transaction in context")

type txKey struct{}

// TxHandler carries a pgx.Tx in the context. Begin on a context that already
// holds a transaction opens a savepoint inside it.
type TxHandler struct {
	pool *pgxpool.Pool
}

func NewTxHandler(pool *pgxpool.Pool) *TxHandler {
	return &TxHandler{pool: pool}
}

func txFrom(ctx context.Context) (pgx.Tx, bool) {
	tx, ok := ctx.Value(txKey{}).(pgx.Tx)
	return tx, ok
}

func (t *TxHandler) Begin(ctx context.Context) (context.Context, error) {
	var (
		tx  pgx.Tx
		err error
	)
	if outer, ok := txFrom(ctx); ok {
		tx, err = outer.Begin(ctx)
	} else {
		tx, err = t.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	}
	if err != nil {
		return ctx, fmt.Errorf("failed to begin tx: %w", err)
	}
	return context.WithValue(ctx, txKey{}, tx), nil
}

func (t *TxHandler) Commit(ctx context.Context) error {
	tx, ok := txFrom(ctx)
	if !ok {
		return errNoTx
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit tx: %w", err)
	}
	return nil
}

// Rollback is a no-op for a transaction that was already committed.
func (t *TxHandler) Rollback(ctx context.Context) error {
	tx, ok := txFrom(ctx)
	if !ok {
		return errNoTx
	}
	err := tx.Rollback(ctx)
	if err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("failed to rollback tx: %w", err)
	}
	return nil
}

// Try returns the context's transaction, or the pool when there is none.
func (t *TxHandler) Try(ctx context.Context) Caller {
	if tx, ok := txFrom(ctx); ok {
		return tx
	}
	return t.pool
}
