package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
)

// Client is a handle on a relational store. Work is done on scoped connections
// obtained from Conn and released with Close.
type Client interface {
	Conn(ctx context.Context) (Conn, error)
	Dialect() Dialect
	DB() *sql.DB
	Close() error
}

// Conn is a single acquired connection, or a transaction when obtained through
// WithTx. Rows returned by Query must be closed before the next statement runs
// on the same Conn.
type Conn interface {
	Exec(ctx context.Context, query string, args ...any) (int64, error)
	Query(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRow(ctx context.Context, query string, args ...any) *sql.Row
	WithTx(ctx context.Context, fn func(Conn) error) error
	Dialect() Dialect
	Close() error
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type client struct {
	db      *sql.DB
	dialect Dialect
	log     *slog.Logger
}

type connection struct {
	q       querier
	conn    *sql.Conn
	tx      *sql.Tx
	dialect Dialect
	log     *slog.Logger
}

// NewClient wraps an open database. Callers normally use OpenPostgres or OpenSQLite.
func NewClient(log *slog.Logger, db *sql.DB, dialect Dialect) Client {
	return &client{db: db, dialect: dialect, log: log}
}

func (c *client) Conn(ctx context.Context) (Conn, error) {
	sc, err := c.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection: %w", err)
	}
	return &connection{q: sc, conn: sc, dialect: c.dialect, log: c.log}, nil
}

func (c *client) Dialect() Dialect {
	return c.dialect
}

func (c *client) DB() *sql.DB {
	return c.db
}

func (c *client) Close() error {
	return c.db.Close()
}

func (c *connection) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := c.q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		// Not every statement reports affected rows (DDL on some drivers).
		return 0, nil
	}
	return n, nil
}

func (c *connection) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.q.QueryContext(ctx, query, args...)
}

func (c *connection) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return c.q.QueryRowContext(ctx, query, args...)
}

// WithTx runs fn inside a transaction, committing when fn returns nil. Nested
// calls on a transactional Conn reuse the outer transaction.
func (c *connection) WithTx(ctx context.Context, fn func(Conn) error) error {
	if c.tx != nil {
		return fn(c)
	}

	tx, err := c.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	txc := &connection{q: tx, tx: tx, dialect: c.dialect, log: c.log}
	if err := fn(txc); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			c.log.Warn("store: rollback failed", "error", rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (c *connection) Dialect() Dialect {
	return c.dialect
}

func (c *connection) Close() error {
	if c.conn == nil {
		// Transactions are closed by WithTx.
		return nil
	}
	return c.conn.Close()
}

// TableExists reports whether a table with the given name exists.
func TableExists(ctx context.Context, conn Conn, table string) (bool, error) {
	var n int64
	if err := conn.QueryRow(ctx, conn.Dialect().TableExistsQuery(), table).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to check table %s: %w", table, err)
	}
	return n > 0, nil
}

// TableColumns returns the column names of an existing table.
func TableColumns(ctx context.Context, conn Conn, table string) ([]string, error) {
	rows, err := conn.Query(ctx, fmt.Sprintf("SELECT * FROM %s WHERE 1 = 0", conn.Dialect().Quote(table)))
	if err != nil {
		return nil, fmt.Errorf("failed to reflect table %s: %w", table, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read columns of %s: %w", table, err)
	}
	return cols, rows.Err()
}
