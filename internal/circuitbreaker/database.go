package circuitbreaker

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// DB wraps a sqlx handle so every statement passes through a breaker.
// sql.ErrNoRows is a normal outcome and never trips the breaker.
type DB struct {
	db *sqlx.DB
	b  *Breaker
}

// NewDB wraps db. The breaker is named after the driver.
func NewDB(db *sqlx.DB, settings Settings, logger *zap.Logger) *DB {
	return &DB{
		db: db,
		b:  New(db.DriverName(), "database", settings.Merge(DatabaseDefaults), logger),
	}
}

func (d *DB) Unwrap() *sqlx.DB { return d.db }
func (d *DB) Breaker() *Breaker { return d.b }
func (d *DB) DriverName() string { return d.db.DriverName() }
func (d *DB) Rebind(q string) string { return d.db.Rebind(q) }

func (d *DB) PingContext(ctx context.Context) error {
	return d.b.Do(ctx, func() error { return d.db.PingContext(ctx) })
}

func (d *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	err := d.b.Do(ctx, func() error {
		var err error
		res, err = d.db.ExecContext(ctx, query, args...)
		return err
	})
	return res, err
}

func (d *DB) GetContext(ctx context.Context, dest any, query string, args ...any) error {
	var getErr error
	err := d.b.Do(ctx, func() error {
		getErr = d.db.GetContext(ctx, dest, query, args...)
		if errors.Is(getErr, sql.ErrNoRows) {
			return nil
		}
		return getErr
	})
	if err != nil {
		return err
	}
	return getErr
}

func (d *DB) SelectContext(ctx context.Context, dest any, query string, args ...any) error {
	return d.b.Do(ctx, func() error { return d.db.SelectContext(ctx, dest, query, args...) })
}

func (d *DB) Close() error { return d.db.Close() }
