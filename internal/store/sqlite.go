package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// sqliteSchemaVersion is bumped when the journal table layout changes.
const sqliteSchemaVersion = 1

// SQLiteDB is a shared SQLite handle. All journals of one deployment live in
// the same database file, one table each.
type SQLiteDB struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path with WAL
// journalling and a busy timeout, and stamps the schema version.
func OpenSQLite(path string) (*SQLiteDB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("store: mkdir for %q: %w", path, err)
	}
	// modernc.org/sqlite applies _pragma options from the DSN.
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite %q: %w", path, err)
	}
	// SQLite allows one writer; serialize access through a single conn.
	db.SetMaxOpenConns(1)

	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: read user_version: %w", err)
	}
	if version < sqliteSchemaVersion {
		if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", sqliteSchemaVersion)); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: set user_version: %w", err)
		}
	}
	return &SQLiteDB{db: db}, nil
}

// Close closes the underlying database.
func (s *SQLiteDB) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable. Used by the readiness probe.
func (s *SQLiteDB) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// SQLiteJournal is a Journal stored as one table in a shared SQLiteDB:
// monotonically increasing id, retention stamp, and the record as JSON text.
type SQLiteJournal[T Stamped] struct {
	db    *sql.DB
	table string
}

// NewSQLiteJournal creates the table if needed and returns the journal.
func NewSQLiteJournal[T Stamped](db *SQLiteDB, table string) (*SQLiteJournal[T], error) {
	if err := checkName(table); err != nil {
		return nil, err
	}
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		stamp_ms REAL NOT NULL,
		payload TEXT NOT NULL
	)`, table)
	if _, err := db.db.Exec(ddl); err != nil {
		return nil, fmt.Errorf("store: create table %s: %w", table, err)
	}
	return &SQLiteJournal[T]{db: db.db, table: table}, nil
}

// Append persists one record.
func (j *SQLiteJournal[T]) Append(ctx context.Context, rec T) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store: marshal: %w", err)
	}
	q := fmt.Sprintf("INSERT INTO %s (stamp_ms, payload) VALUES (?, ?)", j.table)
	if _, err := j.db.ExecContext(ctx, q, rec.StampMs(), string(data)); err != nil {
		return fmt.Errorf("store: insert into %s: %w", j.table, err)
	}
	return nil
}

// Scan visits records in insert order.
func (j *SQLiteJournal[T]) Scan(ctx context.Context, fn func(T) bool) error {
	q := fmt.Sprintf("SELECT payload FROM %s ORDER BY id", j.table)
	rows, err := j.db.QueryContext(ctx, q)
	if err != nil {
		return fmt.Errorf("store: select from %s: %w", j.table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return fmt.Errorf("store: scan row: %w", err)
		}
		var rec T
		if err := json.Unmarshal([]byte(payload), &rec); err != nil {
			continue
		}
		if !fn(rec) {
			return nil
		}
	}
	return rows.Err()
}

// Prune deletes rows past the age or row budget, oldest first.
func (j *SQLiteJournal[T]) Prune(ctx context.Context, opts PruneOptions) (int, error) {
	if opts.MaxAgeMs <= 0 && opts.MaxRows <= 0 {
		return 0, nil
	}
	removed := 0

	if opts.MaxAgeMs > 0 {
		q := fmt.Sprintf("DELETE FROM %s WHERE stamp_ms < ?", j.table)
		res, err := j.db.ExecContext(ctx, q, opts.now()-opts.MaxAgeMs)
		if err != nil {
			return removed, fmt.Errorf("store: prune %s by age: %w", j.table, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			removed += int(n)
		}
	}

	if opts.MaxRows > 0 {
		q := fmt.Sprintf(
			"DELETE FROM %s WHERE id NOT IN (SELECT id FROM %s ORDER BY id DESC LIMIT ?)",
			j.table, j.table)
		res, err := j.db.ExecContext(ctx, q, opts.MaxRows)
		if err != nil {
			return removed, fmt.Errorf("store: prune %s by rows: %w", j.table, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			removed += int(n)
		}
	}
	return removed, nil
}

// Close is a no-op; the shared SQLiteDB owns the connection.
func (j *SQLiteJournal[T]) Close() error { return nil }
