package persistence

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/rs/zerolog"
)

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

// Migrations returns the schema migrations compiled into the binary.
func Migrations() fs.FS {
	sub, err := fs.Sub(embeddedMigrations, "migrations")
	if err != nil {
		panic(fmt.Sprintf("embedded migrations: %v", err))
	}
	return sub
}

// Migrator applies {version}_{name}.up.sql / .down.sql files with
// golang-migrate. It borrows one connection from db per operation and never
// closes db itself.
type Migrator struct {
	db     *sql.DB
	fsys   fs.FS
	logger zerolog.Logger
}

func NewMigrator(db *sql.DB, fsys fs.FS, logger zerolog.Logger) *Migrator {
	return &Migrator{db: db, fsys: fsys, logger: logger}
}

// Up applies all pending migrations.
func (m *Migrator) Up(ctx context.Context) error {
	return m.run(ctx, func(mg *migrate.Migrate) error {
		err := mg.Up()
		if errors.Is(err, migrate.ErrNoChange) {
			m.logger.Debug().Msg("schema up to date")
			return nil
		}
		if err != nil {
			return fmt.Errorf("migrate up: %w", err)
		}
		return m.logVersion(mg, "migrated up")
	})
}

// Down rolls back the last applied migration.
func (m *Migrator) Down(ctx context.Context) error {
	return m.run(ctx, func(mg *migrate.Migrate) error {
		if _, _, err := mg.Version(); errors.Is(err, migrate.ErrNilVersion) {
			m.logger.Info().Msg("no migrations to roll back")
			return nil
		}
		if err := mg.Steps(-1); err != nil {
			return fmt.Errorf("migrate down: %w", err)
		}
		return m.logVersion(mg, "rolled back migration")
	})
}

// Version returns the current schema version; 0 when nothing is applied.
// A dirty schema means a migration failed halfway and needs manual repair.
func (m *Migrator) Version(ctx context.Context) (version uint, dirty bool, err error) {
	err = m.run(ctx, func(mg *migrate.Migrate) error {
		version, dirty, err = mg.Version()
		if errors.Is(err, migrate.ErrNilVersion) {
			version, dirty, err = 0, false, nil
		}
		return err
	})
	return version, dirty, err
}

// Applied returns the versions of every migration file up to the current
// schema version, in order.
func (m *Migrator) Applied(ctx context.Context) ([]uint, error) {
	current, _, err := m.Version(ctx)
	if err != nil || current == 0 {
		return nil, err
	}

	src, err := iofs.New(m.fsys, ".")
	if err != nil {
		return nil, err
	}
	defer src.Close()

	var versions []uint
	v, err := src.First()
	for err == nil && v <= current {
		versions = append(versions, v)
		v, err = src.Next(v)
	}
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	return versions, nil
}

func (m *Migrator) run(ctx context.Context, fn func(*migrate.Migrate) error) error {
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("migration connection: %w", err)
	}

	driver, err := postgres.WithConnection(ctx, conn, &postgres.Config{})
	if err != nil {
		conn.Close()
		return fmt.Errorf("migration driver: %w", err)
	}

	src, err := iofs.New(m.fsys, ".")
	if err != nil {
		driver.Close()
		return fmt.Errorf("migration source: %w", err)
	}

	mg, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		src.Close()
		driver.Close()
		return fmt.Errorf("migrate instance: %w", err)
	}
	mg.Log = migrateLogger{m.logger}

	// Closes the source and the borrowed connection, not db
	defer mg.Close()
	return fn(mg)
}

func (m *Migrator) logVersion(mg *migrate.Migrate, msg string) error {
	version, dirty, err := mg.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		m.logger.Info().Uint("version", 0).Msg(msg)
		return nil
	}
	if err != nil {
		return err
	}
	m.logger.Info().Uint("version", version).Bool("dirty", dirty).Msg(msg)
	return nil
}

// migrateLogger routes golang-migrate's progress lines to zerolog.
type migrateLogger struct {
	logger zerolog.Logger
}

func (l migrateLogger) Printf(format string, v ...interface{}) {
	l.logger.Debug().Msg(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (l migrateLogger) Verbose() bool {
	return l.logger.GetLevel() <= zerolog.DebugLevel
}
