package db

import (
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

type migrateLogger struct {
	logger *zap.SugaredLogger
}

func (l migrateLogger) Printf(format string, v ...any) {
	l.logger.Infof(strings.TrimSpace(format), v...)
}

func (l migrateLogger) Verbose() bool { return false }

// Migrate applies every pending migration embedded in the binary.
func Migrate(dsn string, logger *zap.Logger) error {
	src, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("open embedded migrations: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", src, migrateURL(dsn))
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}
	defer m.Close()

	m.Log = migrateLogger{logger: logger.Sugar()}

	err = m.Up()
	switch {
	case errors.Is(err, migrate.ErrNoChange):
		logger.Info("no new migrations to apply")
	case err != nil:
		version, dirty, _ := m.Version()
		return fmt.Errorf("apply migrations (version=%d dirty=%t): %w", version, dirty, err)
	default:
		version, _, _ := m.Version()
		logger.Info("migrations applied", zap.Uint("version", version))
	}
	return nil
}

// migrateURL points the DSN at the pgx v5 migrate driver.
func migrateURL(dsn string) string {
	for _, prefix := range []string{"postgres://", "postgresql://"} {
		if strings.HasPrefix(dsn, prefix) {
			return "pgx5://" + strings.TrimPrefix(dsn, prefix)
		}
	}
	return dsn
}
