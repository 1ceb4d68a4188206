package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresDB is a shared PostgreSQL connection pool. All journals of one
// deployment share the pool, one table each.
type PostgresDB struct {
	pool *pgxpool.Pool
}

// OpenPostgres establishes a connection pool to the database at dsn and
// verifies it with a ping.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresDB, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parse postgres dsn: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping postgres: %w", err)
	}
	return &PostgresDB{pool: pool}, nil
}

// Close releases the pool.
func (p *PostgresDB) Close() error {
	p.pool.Close()
	return nil
}

// Ping verifies the database is reachable. Used by the readiness probe.
func (p *PostgresDB) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// PostgresJournal is a Journal stored as one table in a shared pool:
// a serial id, the retention stamp, and the record as JSONB.
type PostgresJournal[T Stamped] struct {
	pool  *pgxpool.Pool
	table string
}

// NewPostgresJournal creates the table if needed and returns the journal.
func NewPostgresJournal[T Stamped](ctx context.Context, db *PostgresDB, table string) (*PostgresJournal[T], error) {
	if err := checkName(table); err != nil {
		return nil, err
	}
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id BIGSERIAL PRIMARY KEY,
		stamp_ms DOUBLE PRECISION NOT NULL,
		payload JSONB NOT NULL
	)`, table)
	if _, err := db.pool.Exec(ctx, ddl); err != nil {
		return nil, fmt.Errorf("store: create table %s: %w", table, err)
	}
	return &PostgresJournal[T]{pool: db.pool, table: table}, nil
}

// Append persists one record.
func (j *PostgresJournal[T]) Append(ctx context.Context, rec T) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store: marshal: %w", err)
	}
	q := fmt.Sprintf("INSERT INTO %s (stamp_ms, payload) VALUES ($1, $2)", j.table)
	if _, err := j.pool.Exec(ctx, q, rec.StampMs(), data); err != nil {
		return fmt.Errorf("store: insert into %s: %w", j.table, err)
	}
	return nil
}

// Scan visits records in insert order.
func (j *PostgresJournal[T]) Scan(ctx context.Context, fn func(T) bool) error {
	q := fmt.Sprintf("SELECT payload FROM %s ORDER BY id", j.table)
	rows, err := j.pool.Query(ctx, q)
	if err != nil {
		return fmt.Errorf("store: select from %s: %w", j.table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return fmt.Errorf("store: scan row: %w", err)
		}
		var rec T
		if err := json.Unmarshal(payload, &rec); err != nil {
			continue
		}
		if !fn(rec) {
			return nil
		}
	}
	return rows.Err()
}

// Prune deletes rows past the age or row budget, oldest first.
func (j *PostgresJournal[T]) Prune(ctx context.Context, opts PruneOptions) (int, error) {
	if opts.MaxAgeMs <= 0 && opts.MaxRows <= 0 {
		return 0, nil
	}
	removed := 0

	if opts.MaxAgeMs > 0 {
		q := fmt.Sprintf("DELETE FROM %s WHERE stamp_ms < $1", j.table)
		tag, err := j.pool.Exec(ctx, q, opts.now()-opts.MaxAgeMs)
		if err != nil {
			return removed, fmt.Errorf("store: prune %s by age: %w", j.table, err)
		}
		removed += int(tag.RowsAffected())
	}

	if opts.MaxRows > 0 {
		q := fmt.Sprintf(
			"DELETE FROM %s WHERE id NOT IN (SELECT id FROM %s ORDER BY id DESC LIMIT $1)",
			j.table, j.table)
		tag, err := j.pool.Exec(ctx, q, opts.MaxRows)
		if err != nil {
			return removed, fmt.Errorf("store: prune %s by rows: %w", j.table, err)
		}
		removed += int(tag.RowsAffected())
	}
	return removed, nil
}

// Close is a no-op; the shared PostgresDB owns the pool.
func (j *PostgresJournal[T]) Close() error { return nil }
