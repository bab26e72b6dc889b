package postgres

import (
	"embed"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/sirupsen/logrus"
)

//go:embed migrations/*.sql
var migrations embed.FS

const migrationsDir = "migrations"

type MigrationManager struct {
	logger *logrus.Entry
	pool   *pgxpool.Pool
}

func NewMigrationManager(logger *logrus.Logger, pool *pgxpool.Pool) *MigrationManager {
	return &MigrationManager{
		logger: logger.WithField("pkg", "postgres.MigrationManager"),
		pool:   pool,
	}
}

func (m *MigrationManager) Migrate() error {
	m.logger.Info("Starting payroll database migration...")
	goose.SetBaseFS(migrations)
	defer goose.SetBaseFS(nil)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	db := stdlib.OpenDBFromPool(m.pool)
	defer func() {
		_ = db.Close()
	}()
	if err := goose.Up(db, migrationsDir, goose.WithAllowMissing()); err != nil {
		return fmt.Errorf("failed to run payroll migrations: %w", err)
	}
	m.logger.Info("Payroll database migration completed successfully")
	return nil
}
