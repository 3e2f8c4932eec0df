package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Register sqlite driver with database/sql
)

// OpenSQLite opens a SQLite database at path. An empty path or ":memory:" opens a
// private in-memory database.
//
// The pool is limited to one connection: SQLite serializes writers, and an
// in-memory database only lives as long as its connection.
func OpenSQLite(ctx context.Context, log *slog.Logger, path string) (Client, error) {
	dsn := sqliteDSN(path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping sqlite: %w", err)
	}

	log.Debug("store: sqlite client initialized", "path", path)
	return NewClient(log, db, SQLite), nil
}

func sqliteDSN(path string) string {
	const pragmas = "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	if path == "" || path == ":memory:" {
		name := strings.ReplaceAll(uuid.NewString(), "-", "")
		return fmt.Sprintf("file:spend_%s?mode=memory&cache=shared&%s", name, pragmas)
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + pragmas
}
