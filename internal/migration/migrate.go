package migration

import (
	"database/sql"
	"embed"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"
)

// Embed SQL files from the local migrations folder, one directory per dialect.
//
//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var embeddedMigrations embed.FS

var dialects = map[string]string{
	"postgres": "postgres",
	"sqlite":   "sqlite3",
}

// RunMigrations applies every pending migration for the given driver.
func RunMigrations(db *sql.DB, driver string, logger zerolog.Logger) error {
	dialect, ok := dialects[driver]
	if !ok {
		return errors.Errorf("no migrations for driver %q", driver)
	}

	goose.SetBaseFS(embeddedMigrations)
	goose.SetLogger(NewGooseAdapter(logger))
	if err := goose.SetDialect(dialect); err != nil {
		return errors.Wrap(err, "failed to set migration dialect")
	}

	if err := goose.Up(db, "migrations/"+driver); err != nil {
		return errors.Wrap(err, "failed to run migrations")
	}

	logger.Info().Str("driver", driver).Msg("Migrations completed successfully")
	return nil
}

// GooseAdapter routes goose output through zerolog.
type GooseAdapter struct {
	logger zerolog.Logger
}

func NewGooseAdapter(logger zerolog.Logger) goose.Logger {
	return &GooseAdapter{
		logger: logger.With().Str("component", "goose").Logger(),
	}
}

func (a *GooseAdapter) Printf(format string, v ...interface{}) {
	a.logger.Info().Msg(strings.TrimRight(fmt.Sprintf(format, v...), "\n"))
}

func (a *GooseAdapter) Fatalf(format string, v ...interface{}) {
	a.logger.Fatal().Msg(strings.TrimRight(fmt.Sprintf(format, v...), "\n"))
}
