// Package migrate applies the embedded Goose migrations.
package migrate

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/pressly/goose/v3"
	"github.com/uptrace/bun"
	"go.uber.org/fx"

	"github.com/emergent-company/agentbilling/internal/config"
	"github.com/emergent-company/agentbilling/migrations"
	"github.com/emergent-company/agentbilling/pkg/logger"
)

// Module provides the migrator and, when DB_AUTO_MIGRATE is set, runs
// pending migrations before the server starts accepting requests.
var Module = fx.Module("migrate",
	fx.Provide(NewMigrator),
	fx.Invoke(RunOnStart),
)

// Migrator handles database migrations.
type Migrator struct {
	db  *sql.DB
	log *slog.Logger
}

// NewMigrator creates a Migrator on the bun connection pool.
func NewMigrator(db *bun.DB, log *slog.Logger) *Migrator {
	return NewMigratorWithDB(db.DB, log)
}

// NewMigratorWithDB creates a Migrator on a raw *sql.DB.
func NewMigratorWithDB(db *sql.DB, log *slog.Logger) *Migrator {
	return &Migrator{db: db, log: log.With(logger.Scope("migrator"))}
}

func (m *Migrator) prepare() error {
	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set dialect: %w", err)
	}
	return nil
}

// Up runs all pending migrations.
func (m *Migrator) Up(ctx context.Context) error {
	if err := m.prepare(); err != nil {
		return err
	}
	m.log.Info("running database migrations")
	if err := goose.UpContext(ctx, m.db, "."); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	m.log.Info("migrations completed")
	return nil
}

// Down rolls back the last migration.
func (m *Migrator) Down(ctx context.Context) error {
	if err := m.prepare(); err != nil {
		return err
	}
	m.log.Info("rolling back last migration")
	if err := goose.DownContext(ctx, m.db, "."); err != nil {
		return fmt.Errorf("failed to rollback migration: %w", err)
	}
	return nil
}

// Status prints the migration status through goose's logger.
func (m *Migrator) Status(ctx context.Context) error {
	if err := m.prepare(); err != nil {
		return err
	}
	if err := goose.StatusContext(ctx, m.db, "."); err != nil {
		return fmt.Errorf("failed to get migration status: %w", err)
	}
	return nil
}

// Version returns the current database version.
func (m *Migrator) Version(ctx context.Context) (int64, error) {
	if err := m.prepare(); err != nil {
		return 0, err
	}
	version, err := goose.GetDBVersionContext(ctx, m.db)
	if err != nil {
		return 0, fmt.Errorf("failed to get version: %w", err)
	}
	return version, nil
}

// RunOnStart applies migrations in the fx start phase when enabled.
func RunOnStart(lc fx.Lifecycle, cfg *config.Config, m *Migrator) {
	if !cfg.Database.AutoMigrate {
		return
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return m.Up(ctx)
		},
	})
}
