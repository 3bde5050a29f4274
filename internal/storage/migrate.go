package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog"

	"github.com/Dado-hash/fundings-screener/internal/storage/migrations"
)

// MigrateResult reports what Migrate did.
type MigrateResult struct {
	Applied bool
	Version uint
	Dirty   bool
}

// Migrate applies the embedded schema migrations to the database at dsn.
func Migrate(ctx context.Context, dsn string, logger zerolog.Logger) (MigrateResult, error) {
	if dsn == "" {
		return MigrateResult{}, fmt.Errorf("database.dsn is required")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return MigrateResult{}, fmt.Errorf("open migrations connection: %w", err)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return MigrateResult{}, fmt.Errorf("ping migrations database: %w", err)
	}

	driver, err := pgxv5.WithInstance(db, &pgxv5.Config{})
	if err != nil {
		return MigrateResult{}, fmt.Errorf("initialise pgx v5 driver: %w", err)
	}
	source, err := iofs.New(migrations.Files, ".")
	if err != nil {
		return MigrateResult{}, fmt.Errorf("open embedded migrations: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "pgx5", driver)
	if err != nil {
		return MigrateResult{}, fmt.Errorf("initialise migrate instance: %w", err)
	}
	defer func() {
		if srcErr, dbErr := m.Close(); srcErr != nil || dbErr != nil {
			logger.Warn().AnErr("source_error", srcErr).AnErr("db_error", dbErr).Msg("close migrator")
		}
	}()

	var result MigrateResult
	switch upErr := m.Up(); {
	case upErr == nil:
		result.Applied = true
	case errors.Is(upErr, migrate.ErrNoChange):
	default:
		return MigrateResult{}, fmt.Errorf("apply migrations: %w", upErr)
	}

	version, dirty, verErr := m.Version()
	if verErr != nil && !errors.Is(verErr, migrate.ErrNilVersion) {
		return MigrateResult{}, fmt.Errorf("read migration version: %w", verErr)
	}
	result.Version, result.Dirty = version, dirty

	logger.Info().
		Bool("applied", result.Applied).
		Uint("version", result.Version).
		Bool("dirty", result.Dirty).
		Msg("database migrations complete")
	return result, nil
}
