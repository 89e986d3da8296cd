package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/loykin/idlestop/internal/store"
)

type DB struct {
	db    *sql.DB
	table string
}

func New(dsn, table string) (*DB, error) {
	if !store.ValidSQLTable(table) {
		return nil, fmt.Errorf("invalid postgres table name %q", table)
	}
	d, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &DB{db: d, table: table}, nil
}

func (p *DB) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s(
		instance_id TEXT PRIMARY KEY,
		idle_count INTEGER NOT NULL CHECK (idle_count >= 0),
		last_updated TIMESTAMPTZ NOT NULL
	);`, p.table)
	_, err := p.db.ExecContext(ctx, q)
	return err
}

func (p *DB) Close() error { return p.db.Close() }

func (p *DB) Get(ctx context.Context, instanceID string) (store.Record, error) {
	var rec store.Record
	err := p.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT instance_id, idle_count, last_updated FROM %s WHERE instance_id=$1`, p.table),
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

func (p *DB) Put(ctx context.Context, rec store.Record) error {
	_, err := p.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s(instance_id, idle_count, last_updated)
		VALUES($1,$2,$3)
		ON CONFLICT(instance_id) DO UPDATE SET
			idle_count=EXCLUDED.idle_count,
			last_updated=EXCLUDED.last_updated`, p.table),
		rec.InstanceID, rec.IdleCount, store.Now())
	return err
}

func (p *DB) CompareAndSwap(ctx context.Context, instanceID string, prev *store.Record, next int) error {
	var (
		res sql.Result
		err error
	)
	if prev == nil {
		res, err = p.db.ExecContext(ctx, fmt.Sprintf(`
			INSERT INTO %s(instance_id, idle_count, last_updated)
			VALUES($1,$2,$3)
			ON CONFLICT(instance_id) DO NOTHING`, p.table),
			instanceID, next, store.Now())
	} else {
		res, err = p.db.ExecContext(ctx, fmt.Sprintf(`
			UPDATE %s SET idle_count=$1, last_updated=$2
			WHERE instance_id=$3 AND idle_count=$4`, p.table),
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
