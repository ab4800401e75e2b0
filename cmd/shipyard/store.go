package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/splax/shipyard/internal/app/migrate"
	"github.com/splax/shipyard/internal/repository"
	"github.com/splax/shipyard/internal/repository/postgres"
	"github.com/splax/shipyard/internal/repository/sqlite"
)

// openStore opens the configured backend with its schema up to date.
func (a *app) openStore(ctx context.Context) (repository.Store, error) {
	switch a.cfg.Database.Driver {
	case "postgres":
		runner, err := migrate.New(a.cfg.Database.DSN, a.cfg.Database.MigrationsDir, a.log)
		if err != nil {
			return nil, err
		}
		if err := runner.Ensure(ctx); err != nil {
			return nil, fmt.Errorf("apply migrations: %w", err)
		}
		return postgres.Open(ctx, a.cfg.Database.DSN)
	case "sqlite":
		if path := sqlitePath(a.cfg.Database.DSN); path != "" {
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return nil, fmt.Errorf("create database dir: %w", err)
			}
		}
		return sqlite.Open(a.cfg.Database.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", a.cfg.Database.Driver)
	}
}

// sqlitePath returns the file behind dsn, or "" for in-memory databases.
func sqlitePath(dsn string) string {
	path, _, _ := strings.Cut(strings.TrimPrefix(dsn, "file:"), "?")
	if path == "" || path == ":memory:" {
		return ""
	}
	return path
}
