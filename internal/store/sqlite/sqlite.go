package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loykin/idlestop/internal/store"
)

// DB implements store.Store for SQLite (modernc.org/sqlite driver, CGO-free).
// The counter lives in a table named after STATE_TABLE.
// Use ":memory:" for an in-memory database.
type DB struct {
	db    *sql.DB
	table string
}

// New opens a SQLite database at path and binds it to table.
func New(path, table string) (*DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	if !store.ValidSQLTable(table) {
		return nil, fmt.Errorf("invalid sqlite table name %q", table)
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	// a single connection keeps ":memory:" databases coherent
	d.SetMaxOpenConns(1)
	// busy timeout helps with short concurrent locks
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	return &DB{db: d, table: table}, nil
}

func (s *DB) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s(
		instance_id TEXT PRIMARY KEY,
		idle_count INTEGER NOT NULL,
		last_updated TIMESTAMP NOT NULL
	);`, s.table)
	_, err := s.db.ExecContext(ctx, q)
	return err
}

func (s *DB) Close() error { return s.db.Close() }

func (s *DB) Get(ctx context.Context, instanceID string) (store.Record, error) {
	var rec store.Record
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT instance_id, idle_count, last_updated FROM %s WHERE instance_id=?;`, s.table),
		instanceID).Scan(&rec.InstanceID, &rec.IdleCount, &rec.LastUpdated)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Record{}, store.ErrNotFound
	}
	if err != nil {
		return store.Record{}, err
	}
	rec.LastUpdated = rec.LastUpdated.UTC()
	return rec, nil
}

func (s *DB) Put(ctx context.Context, rec store.Record) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s(instance_id, idle_count, last_updated)
		VALUES(?, ?, ?)
		ON CONFLICT(instance_id) DO UPDATE SET
			idle_count=excluded.idle_count,
			last_updated=excluded.last_updated;`, s.table),
		rec.InstanceID, rec.IdleCount, store.Now())
	return err
}

func (s *DB) CompareAndSwap(ctx context.Context, instanceID string, prev *store.Record, next int) error {
	var (
		res sql.Result
		err error
	)
	if prev == nil {
		res, err = s.db.ExecContext(ctx, fmt.Sprintf(`
			INSERT INTO %s(instance_id, idle_count, last_updated)
			VALUES(?, ?, ?)
			ON CONFLICT(instance_id) DO NOTHING;`, s.table),
			instanceID, next, store.Now())
	} else {
		res, err = s.db.ExecContext(ctx, fmt.Sprintf(`
			UPDATE %s SET idle_count=?, last_updated=?
			WHERE instance_id=? AND idle_count=?;`, s.table),
			next, store.Now(), instanceID, prev.IdleCount)
	}
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrConflict
	}
	return nil
}
