package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/golang-migrate/migrate/v4"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx database/sql driver
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	dbmigrations "github.com/coachpo/floodgate/db/migrations"
	"github.com/coachpo/floodgate/internal/telemetry"
)

var (
	migrationsCounter   metric.Int64Counter
	migrationsCounterMu sync.Once
)

// Apply runs the embedded journal migrations against the Postgres instance
// reachable via dsn. A nil logger disables informational logging.
func Apply(ctx context.Context, dsn string, logger *log.Logger) error {
	return runMigrations(ctx, dsn, logger, func(m *migrate.Migrate) error {
		return m.Up()
	}, "apply")
}

// Rollback reverts the given number of journal migrations.
func Rollback(ctx context.Context, dsn string, steps int, logger *log.Logger) error {
	if steps <= 0 {
		return fmt.Errorf("rollback steps must be positive, got %d", steps)
	}
	return runMigrations(ctx, dsn, logger, func(m *migrate.Migrate) error {
		return m.Steps(-steps)
	}, "rollback")
}

// Version reports the schema version currently applied to the journal
// database and whether a failed migration left it dirty. A fresh database
// reports version zero.
func Version(ctx context.Context, dsn string, logger *log.Logger) (uint, bool, error) {
	var (
		version uint
		dirty   bool
	)
	err := withMigrate(ctx, dsn, logger, func(m *migrate.Migrate) error {
		v, d, verr := m.Version()
		if errors.Is(verr, migrate.ErrNilVersion) {
			return nil
		}
		if verr != nil {
			return fmt.Errorf("read schema version: %w", verr)
		}
		version, dirty = v, d
		return nil
	})
	return version, dirty, err
}

func runMigrations(ctx context.Context, dsn string, logger *log.Logger, op func(*migrate.Migrate) error, opName string) error {
	return withMigrate(ctx, dsn, logger, func(m *migrate.Migrate) error {
		if logger != nil {
			logger.Printf("running journal migrations: op=%s", opName)
		}

		if err := op(m); err != nil {
			if errors.Is(err, migrate.ErrNoChange) {
				recordMigrationMetric(ctx, "noop")
				if logger != nil {
					logger.Printf("journal migrations up-to-date")
				}
				return nil
			}
			recordMigrationMetric(ctx, "failed")
			return fmt.Errorf("%s migrations: %w", opName, err)
		}

		if logger != nil {
			logger.Printf("journal migrations %s completed", opName)
		}
		recordMigrationMetric(ctx, "applied")

		return nil
	})
}

// withMigrate connects to Postgres, binds the embedded migration sources to a
// migrate instance and hands it to fn, tearing everything down afterwards.
func withMigrate(ctx context.Context, dsn string, logger *log.Logger, fn func(*migrate.Migrate) error) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open migrations connection: %w", err)
	}
	defer func() {
		if cerr := db.Close(); cerr != nil && logger != nil {
			logger.Printf("journal migrations close: %v", cerr)
		}
	}()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping migrations database: %w", err)
	}

	var driverConfig pgxv5.Config
	driver, err := pgxv5.WithInstance(db, &driverConfig)
	if err != nil {
		return fmt.Errorf("initialise pgx v5 driver: %w", err)
	}

	source, err := iofs.New(dbmigrations.Files, ".")
	if err != nil {
		return fmt.Errorf("initialise embedded migrations source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "pgx5", driver)
	if err != nil {
		return fmt.Errorf("initialise migrate instance: %w", err)
	}
	defer func() {
		sourceErr, dbErr := m.Close()
		if logger == nil {
			return
		}
		if sourceErr != nil {
			logger.Printf("journal migrations source close: %v", sourceErr)
		}
		if dbErr != nil {
			logger.Printf("journal migrations db close: %v", dbErr)
		}
	}()

	return fn(m)
}

func recordMigrationMetric(ctx context.Context, result string) {
	migrationsCounterMu.Do(func() {
		meter := otel.Meter("journal.migrations")
		counter, err := meter.Int64Counter("floodgate_db_migrations_total",
			metric.WithDescription("Total migrations executed via golang-migrate"),
			metric.WithUnit("{migration}"))
		if err == nil {
			migrationsCounter = counter
		}
	})
	if migrationsCounter == nil {
		return
	}
	migrationsCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("environment", telemetry.Environment()),
		attribute.String("result", result)))
}
