package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
	"time"

	driver "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/ahmethakanbesel/social-resolver/internal/apperror"
)

//go:embed migrations/*.sql
var migrations embed.FS

// TimeFormat is the fixed-width UTC layout used for every TEXT timestamp, so
// string comparison in SQL orders the same way as time comparison.
const TimeFormat = "2006-01-02T15:04:05.000Z"

func FormatTime(t time.Time) string { return t.UTC().Format(TimeFormat) }

func ParseTime(s string) time.Time {
	t, err := time.Parse(TimeFormat, s)
	if err != nil {
		// rows written before millisecond precision
		t, _ = time.Parse(time.RFC3339, s)
	}
	return t.UTC()
}

type DB struct {
	*sql.DB
}

// connParams run on every new pooled connection. Transactions begin
// IMMEDIATE so a read-then-write transaction takes the write lock up front
// and waits out busy_timeout instead of failing on lock upgrade.
const connParams = "_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_txlock=immediate"

// DSN appends the per-connection parameters to a file path or URI.
func DSN(path string) string {
	if strings.Contains(path, "?") {
		return path + "&" + connParams
	}
	return path + "?" + connParams
}

func Open(dsn string) (*DB, error) {
	memory := dsn == ":memory:"
	if !memory {
		dsn = DSN(dsn)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// In-memory databases are per-connection; multiple connections each get a
	// separate empty database. Limit to one connection so migrations and
	// queries all see the same data.
	if memory {
		db.SetMaxOpenConns(1)
		if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("exec foreign_keys: %w", err)
		}
	}

	if err := migrate(context.Background(), db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &DB{db}, nil
}

// IsBusy reports whether err is lock contention that outlasted busy_timeout.
func IsBusy(err error) bool {
	var se *driver.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return true
	}
	return false
}

// WrapErr classifies a store error for op: lock contention is Unavailable
// and may be retried, anything else is a PersistenceFailure.
func WrapErr(op string, err error) error {
	if IsBusy(err) {
		return apperror.Wrap(apperror.Unavailable, op, err)
	}
	return apperror.Wrap(apperror.PersistenceFailure, op, err)
}

// migrate applies every embedded migration not yet recorded in
// schema_migrations, in file name order.
func migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version    TEXT PRIMARY KEY,
		applied_at TEXT NOT NULL
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	names, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return err
	}
	sort.Strings(names)

	for _, name := range names {
		version := strings.TrimSuffix(strings.TrimPrefix(name, "migrations/"), ".sql")

		var n int
		if err := db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM schema_migrations WHERE version = ?`, version,
		).Scan(&n); err != nil {
			return fmt.Errorf("check %s: %w", version, err)
		}
		if n > 0 {
			continue
		}

		body, err := migrations.ReadFile(name)
		if err != nil {
			return err
		}
		if err := apply(ctx, db, version, string(body)); err != nil {
			return err
		}
		slog.Debug("sqlite: applied migration", "version", version)
	}
	return nil
}

func apply(ctx context.Context, db *sql.DB, version, body string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("apply %s: begin tx: %w", version, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, body); err != nil {
		return fmt.Errorf("apply %s: %w", version, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`,
		version, FormatTime(time.Now()),
	); err != nil {
		return fmt.Errorf("apply %s: record: %w", version, err)
	}
	return tx.Commit()
}
