package store

import (
	"context"
	"embed"
	"fmt"
	"io/fs"

	"berkut-incidents/core/utils"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrationsFS embed.FS

func ApplyMigrations(ctx context.Context, db *DB, logger *utils.Logger) error {
	var (
		dialect goose.Dialect
		dir     string
	)
	switch db.Dialect() {
	case DialectPostgres:
		dialect, dir = goose.DialectPostgres, "migrations/postgres"
	case DialectSQLite:
		if !db.devSQLite && !isTestRuntime() {
			return fmt.Errorf("sqlite is only supported with app_env=dev, in test runtime or with BERKUT_ALLOW_SQLITE=1")
		}
		dialect, dir = goose.DialectSQLite3, "migrations/sqlite"
	default:
		return fmt.Errorf("unsupported dialect %q", db.Dialect())
	}
	sub, err := fs.Sub(migrationsFS, dir)
	if err != nil {
		return err
	}
	provider, err := goose.NewProvider(dialect, db.DB, sub)
	if err != nil {
		return fmt.Errorf("goose provider: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	if logger != nil {
		for _, r := range results {
			if r == nil || r.Source == nil {
				continue
			}
			logger.Printf("migration applied: %s (%s)", r.Source.Path, r.Duration)
		}
	}
	return nil
}
