// Package persistence is the durable backing store for the orchestrator:
// the deployment queue, active task registry, checkpoints, scheduled jobs,
// notification log and project contexts all live here behind a single
// Store type. Both SQLite and Postgres are supported through database/sql;
// no ORM sits between the package and the wire protocol.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

// Dialect identifies which SQL engine a Store is backed by.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite3"
	DialectPostgres Dialect = "postgres"
)

const schemaVersion = 1

// Store wraps a database/sql handle with the dialect-aware helpers the
// rest of the package needs (placeholder rewriting, busy-retry, schema
// init). It has no business logic of its own.
type Store struct {
	db      *sql.DB
	dialect Dialect
}

// Open resolves a connection the way the reference implementation's
// engine.py does: DATABASE_URL wins if set, otherwise SQLITE_DB_PATH
// (falling back to a default path under the working directory).
func Open(ctx context.Context, databaseURL, sqliteDBPath string) (*Store, error) {
	dsn, dialect, err := resolveDSN(databaseURL, sqliteDBPath)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect, err)
	}

	if dialect == DialectSQLite {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
	}

	s := &Store{db: db, dialect: dialect}

	if dialect == DialectSQLite {
		if err := s.configurePragmas(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// resolveDSN mirrors the original engine's get_db_url: DATABASE_URL, quotes
// stripped, postgres:// normalized to postgresql://; otherwise a sqlite
// file path with parent directories created.
func resolveDSN(databaseURL, sqliteDBPath string) (string, Dialect, error) {
	if databaseURL != "" {
		trimmed := strings.Trim(strings.TrimSpace(databaseURL), `"'`)
		lower := strings.ToLower(trimmed)
		switch {
		case strings.HasPrefix(lower, "postgres://"), strings.HasPrefix(lower, "postgresql://"):
			return trimmed, DialectPostgres, nil
		case strings.HasPrefix(lower, "sqlite://"):
			path := strings.TrimPrefix(trimmed, "sqlite://")
			return sqliteDSN(path), DialectSQLite, nil
		default:
			return "", "", fmt.Errorf("unrecognized DATABASE_URL scheme in %q", trimmed)
		}
	}

	path := sqliteDBPath
	if path == "" {
		path = DefaultSQLitePath()
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", "", fmt.Errorf("create sqlite directory: %w", err)
		}
	}
	return sqliteDSN(path), DialectSQLite, nil
}

func sqliteDSN(path string) string {
	return fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
}

// DefaultSQLitePath matches the original implementation's default of
// data/<name>.db relative to the working directory.
func DefaultSQLitePath() string {
	return filepath.Join("data", "orchestrator.db")
}

func (s *Store) DB() *sql.DB        { return s.db }
func (s *Store) Dialect() Dialect   { return s.dialect }
func (s *Store) Close() error       { return s.db.Close() }

func (s *Store) configurePragmas(ctx context.Context) error {
	for _, q := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	} {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

// rebind rewrites a query written with `?` placeholders into the target
// dialect's placeholder style. SQLite accepts `?` directly; Postgres needs
// `$1`, `$2`, ... Writing every query once with `?` and rebinding at the
// call site keeps the rest of the package dialect-agnostic.
func (s *Store) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *Store) query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(query), args...)
}

func (s *Store) queryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

func (s *Store) begin(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, nil)
}

// retryOnBusy retries f on SQLite BUSY/LOCKED errors with bounded,
// jittered backoff. Postgres connections pool, so this is a no-op there.
func (s *Store) retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	if s.dialect != DialectSQLite {
		return f()
	}
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay/2) + 1))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

// autoincrementPrimaryKey returns the dialect-appropriate DDL fragment for
// an auto-incrementing integer primary key.
func (s *Store) autoincrementPrimaryKey() string {
	if s.dialect == DialectPostgres {
		return "BIGSERIAL PRIMARY KEY"
	}
	return "INTEGER PRIMARY KEY AUTOINCREMENT"
}

func (s *Store) booleanType() string {
	if s.dialect == DialectPostgres {
		return "BOOLEAN"
	}
	return "INTEGER"
}

func (s *Store) timestampType() string {
	if s.dialect == DialectPostgres {
		return "TIMESTAMPTZ"
	}
	return "DATETIME"
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.begin(ctx)
	if err != nil {
		return fmt.Errorf("begin schema init: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, s.rebind(fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version %s,
			applied_at %s NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`, s.primaryKeyVersionColumn(), s.timestampType()))); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	row := tx.QueryRowContext(ctx, s.rebind(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`))
	if err := row.Scan(&maxVersion); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if maxVersion > schemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported %d", maxVersion, schemaVersion)
	}

	for _, stmt := range s.tableStatements() {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create table: %w (%s)", err, firstLine(stmt))
		}
	}
	for _, stmt := range s.indexStatements() {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create index: %w (%s)", err, firstLine(stmt))
		}
	}

	if maxVersion < schemaVersion {
		if _, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO schema_migrations (version) VALUES (?);`), schemaVersion); err != nil {
			return fmt.Errorf("record schema version: %w", err)
		}
	}

	return tx.Commit()
}

func (s *Store) primaryKeyVersionColumn() string {
	return "INTEGER PRIMARY KEY"
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}

// parseDBURLForLogging strips credentials so a DSN is safe to log.
func parseDBURLForLogging(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "[unparseable]"
	}
	u.User = nil
	return u.String()
}
