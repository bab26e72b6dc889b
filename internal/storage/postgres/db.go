package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/protocol-bank/payroll/internal/storage"
	"github.com/protocol-bank/payroll/types"
)

var (
	_ storage.Repository            = (*Backend)(nil)
	_ storage.BatchRepository       = (*Backend)(nil)
	_ storage.ControlFlagRepository = (*Backend)(nil)
)

const defaultTimeout = 10 * time.Second

const uniqueViolation = "23505"

type Backend struct {
	pool *pgxpool.Pool
	tx   *TxHandler
}

func NewBackend(pool *pgxpool.Pool) *Backend {
	return &Backend{
		pool: pool,
		tx:   NewTxHandler(pool),
	}
}

// Connect opens a pool for dsn and applies pending migrations.
func Connect(ctx context.Context, logger *logrus.Logger, dsn string) (*Backend, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	backend, err := WithMigrations(logger, pool, NewBackend)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return backend, nil
}

func WithMigrations[T any](
	logger *logrus.Logger,
	pool *pgxpool.Pool,
	constructor func(*pgxpool.Pool) T,
) (T, error) {
	err := NewMigrationManager(logger, pool).Migrate()
	if err != nil {
		return *new(T), fmt.Errorf("failed to run migrations: %w", err)
	}
	return constructor(pool), nil
}

func (b *Backend) Pool() *pgxpool.Pool {
	return b.pool
}

func (b *Backend) Tx() storage.Tx {
	return b.tx
}

func (b *Backend) Close() error {
	b.pool.Close()
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func notFound(entity string, id any) error {
	return fmt.Errorf("%s %v: %w", entity, id, types.ErrNotFound)
}
